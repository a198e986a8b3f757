package lock

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	token   string
	expires time.Time
}

// Memory is an in-process Lock. It serializes jobs within one scheduler only.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
	now     func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && now.Before(e.expires) {
		return "", false, nil
	}
	tok := NewToken()
	m.entries[key] = memEntry{token: tok, expires: now.Add(normalizeTTL(ttl))}
	return tok, true, nil
}

func (m *Memory) Release(_ context.Context, key, token string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || token == "" || e.token != token {
		return false, nil
	}
	delete(m.entries, key)
	return m.now().Before(e.expires), nil
}

func (m *Memory) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok || token == "" || e.token != token || !now.Before(e.expires) {
		return false, nil
	}
	e.expires = now.Add(normalizeTTL(ttl))
	m.entries[key] = e
	return true, nil
}

func (m *Memory) IsHeld(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	if !m.now().Before(e.expires) {
		delete(m.entries, key)
		return false, nil
	}
	return true, nil
}
