package engine

import (
	"strings"
	"sync"
)

// groupSemaphore is a channel-based semaphore bounding concurrent
// executions of one job code. Tokens are pre-filled up to limit.
type groupSemaphore struct {
	limit int
	ch    chan struct{}
}

func newGroupSemaphore(limit int) *groupSemaphore {
	if limit <= 0 {
		limit = 1
	}
	gs := &groupSemaphore{limit: limit, ch: make(chan struct{}, limit)}
	for i := 0; i < limit; i++ {
		gs.ch <- struct{}{}
	}
	return gs
}

func (g *groupSemaphore) tryAcquire() bool {
	if g == nil {
		return true
	}
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

func (g *groupSemaphore) release() {
	if g == nil {
		return
	}
	// never block on release
	select {
	case g.ch <- struct{}{}:
	default:
	}
}

// groupLimiterStore holds one semaphore per job code.
type groupLimiterStore struct {
	mu     sync.Mutex
	groups map[string]*groupSemaphore
}

// get returns the semaphore for key. A changed limit (job re-registered with
// another max_instances) swaps in a fresh semaphore; holders of the old one
// release into it and it is garbage once drained.
func (s *groupLimiterStore) get(key string, limit int) *groupSemaphore {
	if s == nil || limit <= 0 {
		return nil
	}
	k := strings.TrimSpace(key)
	if k == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groups == nil {
		s.groups = make(map[string]*groupSemaphore)
	}
	gs := s.groups[k]
	if gs == nil || gs.limit != limit {
		gs = newGroupSemaphore(limit)
		s.groups[k] = gs
	}
	return gs
}

func (s *groupLimiterStore) forget(key string) {
	s.mu.Lock()
	delete(s.groups, key)
	s.mu.Unlock()
}
