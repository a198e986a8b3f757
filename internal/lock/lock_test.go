package lock

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestTokenFormat(t *testing.T) {
	t.Parallel()
	re := regexp.MustCompile(`^[^:]+:\d+:\d+:[0-9a-f]{12}$`)
	a, b := NewToken(), NewToken()
	assert.Regexp(t, re, a)
	assert.NotEqual(t, a, b)
}

func TestLockContract(t *testing.T) {
	t.Parallel()

	backends := map[string]func(t *testing.T) Lock{
		"memory": func(t *testing.T) Lock { return NewMemory() },
		"redis": func(t *testing.T) Lock {
			_, client := newTestRedis(t)
			return NewRedis(client, "test:")
		},
	}

	for name, mk := range backends {
		mk := mk
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			l := mk(t)

			tokA, ok, err := l.Acquire(ctx, "job:x", time.Minute)
			require.NoError(t, err)
			require.True(t, ok)
			require.NotEmpty(t, tokA)

			tokB, ok, err := l.Acquire(ctx, "job:x", time.Minute)
			require.NoError(t, err)
			assert.False(t, ok, "second acquire must fail while held")
			assert.Empty(t, tokB)

			held, err := l.IsHeld(ctx, "job:x")
			require.NoError(t, err)
			assert.True(t, held)

			ok, err = l.Extend(ctx, "job:x", tokA, 2*time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = l.Release(ctx, "job:x", "someone-else")
			require.NoError(t, err)
			assert.False(t, ok, "wrong token cannot release")

			ok, err = l.Release(ctx, "job:x", tokA)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = l.Release(ctx, "job:x", tokA)
			require.NoError(t, err)
			assert.False(t, ok, "double release reports false")

			held, err = l.IsHeld(ctx, "job:x")
			require.NoError(t, err)
			assert.False(t, held)
		})
	}
}

func TestRedisNonOwnerCannotRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, client := newTestRedis(t)
	a := NewRedis(client, "")
	b := NewRedis(client, "")

	tok, ok, err := a.Acquire(ctx, "job:y", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = b.Release(ctx, "job:y", "")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = b.Extend(ctx, "job:y", "host:1:2:000000000000", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	held, err := a.IsHeld(ctx, "job:y")
	require.NoError(t, err)
	assert.True(t, held)

	ok, err = b.Release(ctx, "job:y", tok)
	require.NoError(t, err)
	assert.True(t, ok, "the token, not the instance, proves ownership")
}

// A caller whose lock lapsed must not release or extend the lock a later
// caller took on the same key through the same Lock value.
func TestExpiredLockNotReleasedByStaleOwner(t *testing.T) {
	t.Parallel()

	t.Run("memory", func(t *testing.T) {
		ctx := context.Background()
		m := NewMemory()
		now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
		m.now = func() time.Time { return now }

		stale, ok, err := m.Acquire(ctx, "job:z", 20*time.Millisecond)
		require.NoError(t, err)
		require.True(t, ok)

		now = now.Add(50 * time.Millisecond)
		fresh, ok, err := m.Acquire(ctx, "job:z", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = m.Release(ctx, "job:z", stale)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = m.Extend(ctx, "job:z", stale, time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		held, err := m.IsHeld(ctx, "job:z")
		require.NoError(t, err)
		assert.True(t, held)

		ok, err = m.Release(ctx, "job:z", fresh)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("redis", func(t *testing.T) {
		ctx := context.Background()
		mr, client := newTestRedis(t)
		r := NewRedis(client, "")

		stale, ok, err := r.Acquire(ctx, "job:z", time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(2 * time.Second)

		fresh, ok, err := r.Acquire(ctx, "job:z", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = r.Release(ctx, "job:z", stale)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = r.Extend(ctx, "job:z", stale, time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.True(t, mr.Exists("job:z"))

		got, err := mr.Get("job:z")
		require.NoError(t, err)
		assert.Equal(t, fresh, got)
	})
}

func TestRedisFromURL(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	r, err := NewRedisFromURL("redis://"+mr.Addr()+"/0", "pfx:")
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, r.Ping(context.Background()))

	_, ok, err := r.Acquire(context.Background(), "job:q", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("pfx:job:q"))

	_, err = NewRedisFromURL("", "")
	assert.Error(t, err)
}

func TestMemoryExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	tok, ok, _ := m.Acquire(ctx, "k", time.Second)
	require.True(t, ok)

	now = now.Add(2 * time.Second)
	held, _ := m.IsHeld(ctx, "k")
	assert.False(t, held)

	ok, _ = m.Extend(ctx, "k", tok, time.Minute)
	assert.False(t, ok, "expired lock cannot be extended")

	_, ok, _ = m.Acquire(ctx, "k", time.Second)
	assert.True(t, ok)
}

func TestMemoryContention(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := m.Acquire(ctx, "hot", time.Minute); ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}
