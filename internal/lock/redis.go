package lock

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Compare-and-delete: only the token owner may release.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Compare-and-expire: only the token owner may extend.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Lock backed by a shared redis server, so jobs are serialized
// across every scheduler process pointing at the same server.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis wraps an existing client. prefix is prepended to every key.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// NewRedisFromURL parses a redis:// or rediss:// URL.
func NewRedisFromURL(url, prefix string) (*Redis, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("lock: redis url required")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "lock: parse redis url")
	}
	return NewRedis(redis.NewClient(opt), prefix), nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return errors.Wrap(r.client.Ping(ctx).Err(), "lock: redis ping")
}

func (r *Redis) Close() error { return r.client.Close() }

func (r *Redis) key(k string) string { return r.prefix + k }

func (r *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	tok := NewToken()
	ok, err := r.client.SetNX(ctx, r.key(key), tok, normalizeTTL(ttl)).Result()
	if err != nil {
		return "", false, errors.Wrapf(err, "lock: acquire %s", key)
	}
	if !ok {
		return "", false, nil
	}
	return tok, true, nil
}

func (r *Redis) Release(ctx context.Context, key, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	n, err := releaseScript.Run(ctx, r.client, []string{r.key(key)}, token).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "lock: release %s", key)
	}
	return n == 1, nil
}

func (r *Redis) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if token == "" {
		return false, nil
	}
	n, err := extendScript.Run(ctx, r.client, []string{r.key(key)}, token, normalizeTTL(ttl).Milliseconds()).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "lock: extend %s", key)
	}
	return n == 1, nil
}

func (r *Redis) IsHeld(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "lock: exists %s", key)
	}
	return n > 0, nil
}
