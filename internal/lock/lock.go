// Package lock provides the mutual-exclusion primitive used to stop two
// workers (or two processes) from running the same job code at once.
//
// Locks are non-blocking try-locks with a TTL. Acquire hands the caller an
// opaque token generated per acquisition; only a caller presenting the
// current token can release or extend the lock. One Lock value is shared by
// every worker, so the token is the only proof of ownership.
package lock

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Lock is a non-blocking, TTL-bound mutual exclusion keyed by string.
type Lock interface {
	// Acquire reports whether the caller now holds key for ttl. On success
	// token identifies this acquisition.
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	// Release returns true only if token still owned key.
	Release(ctx context.Context, key, token string) (bool, error)
	// Extend pushes the expiry of key if token still owns it.
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// IsHeld reports whether anyone currently holds key.
	IsHeld(ctx context.Context, key string) (bool, error)
}

// DefaultTTL applies when a caller passes ttl <= 0.
const DefaultTTL = 300 * time.Second

// JobKey is the lock key for a job code.
func JobKey(code string) string { return "job:" + code }

var hostname = func() string {
	h, err := os.Hostname()
	if err != nil || strings.TrimSpace(h) == "" {
		return "unknown"
	}
	return h
}()

// NewToken returns a globally unique owner token: host:pid:unixnano:rand.
func NewToken() string {
	id := uuid.NewString()
	return fmt.Sprintf("%s:%d:%d:%s", hostname, os.Getpid(), time.Now().UnixNano(), id[len(id)-12:])
}

func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
