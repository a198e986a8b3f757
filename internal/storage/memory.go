package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// MemoryJobStore keeps jobs in a map.
type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]StoredJob
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{jobs: map[string]StoredJob{}}
}

func (m *MemoryJobStore) AddJob(_ context.Context, j StoredJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; ok {
		return errors.Wrapf(ErrConflictingID, "id %q", j.ID)
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *MemoryJobStore) UpdateJob(_ context.Context, j StoredJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[j.ID]; !ok {
		return errors.Wrapf(ErrJobNotFound, "id %q", j.ID)
	}
	m.jobs[j.ID] = j
	return nil
}

func (m *MemoryJobStore) RemoveJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return errors.Wrapf(ErrJobNotFound, "id %q", id)
	}
	delete(m.jobs, id)
	return nil
}

func (m *MemoryJobStore) LookupJob(_ context.Context, id string) (*StoredJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func (m *MemoryJobStore) GetDueJobs(ctx context.Context, now time.Time) ([]StoredJob, error) {
	all, _ := m.GetAllJobs(ctx)
	return dueJobs(all, now), nil
}

func (m *MemoryJobStore) GetAllJobs(_ context.Context) ([]StoredJob, error) {
	m.mu.RLock()
	out := make([]StoredJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *MemoryJobStore) GetNextRunTime(ctx context.Context) (*time.Time, error) {
	all, _ := m.GetAllJobs(ctx)
	return nextRunTime(all), nil
}

func (m *MemoryJobStore) Close() error { return nil }

// load replaces the contents without conflict checks.
func (m *MemoryJobStore) load(js map[string]StoredJob) {
	m.mu.Lock()
	m.jobs = js
	m.mu.Unlock()
}

func (m *MemoryJobStore) snapshot() map[string]StoredJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]StoredJob, len(m.jobs))
	for k, v := range m.jobs {
		out[k] = v
	}
	return out
}
