package storage

import (
	"context"
	"sort"
	"time"
)

// JobStore persists job state. AddJob fails with ErrConflictingID on a
// duplicate id; UpdateJob and RemoveJob fail with ErrJobNotFound on a
// missing id. LookupJob returns (nil, nil) when the id is unknown.
type JobStore interface {
	AddJob(ctx context.Context, j StoredJob) error
	UpdateJob(ctx context.Context, j StoredJob) error
	RemoveJob(ctx context.Context, id string) error
	LookupJob(ctx context.Context, id string) (*StoredJob, error)
	// GetDueJobs returns unpaused jobs with a next run time at or before now,
	// earliest first.
	GetDueJobs(ctx context.Context, now time.Time) ([]StoredJob, error)
	GetAllJobs(ctx context.Context) ([]StoredJob, error)
	// GetNextRunTime returns the earliest next run time among unpaused jobs,
	// or nil if none is scheduled.
	GetNextRunTime(ctx context.Context) (*time.Time, error)
	Close() error
}

func dueJobs(all []StoredJob, now time.Time) []StoredJob {
	out := make([]StoredJob, 0)
	for _, j := range all {
		if j.Paused || j.NextRunTime.IsZero() || j.NextRunTime.After(now) {
			continue
		}
		out = append(out, j)
	}
	sortByNextRun(out)
	return out
}

func nextRunTime(all []StoredJob) *time.Time {
	var best time.Time
	for _, j := range all {
		if j.Paused || j.NextRunTime.IsZero() {
			continue
		}
		if best.IsZero() || j.NextRunTime.Before(best) {
			best = j.NextRunTime
		}
	}
	if best.IsZero() {
		return nil
	}
	return &best
}

func sortByNextRun(js []StoredJob) {
	sort.SliceStable(js, func(i, k int) bool {
		if js[i].NextRunTime.Equal(js[k].NextRunTime) {
			return js[i].ID < js[k].ID
		}
		return js[i].NextRunTime.Before(js[k].NextRunTime)
	})
}
