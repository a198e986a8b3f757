package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/eventbus"
	"jobsched/internal/storage"
	"jobsched/internal/task/job"
	"jobsched/pkg/logx"
)

// Store mirroring is best effort: failures are logged and never block
// registration or execution.

func toStored(j job.Job, now time.Time) storage.StoredJob {
	return storage.StoredJob{
		ID:           j.Code,
		JobID:        j.ID,
		Name:         j.Name,
		Description:  j.Description,
		Trigger:      j.TriggerString(),
		ParentCode:   j.ParentCode,
		Paused:       j.Paused,
		NextRunTime:  j.NextRunTime,
		RunCount:     j.RunCount,
		SuccessCount: j.SuccessCount,
		FailCount:    j.FailCount,
		LastRunTime:  j.LastRunTime,
		LastStatus:   string(j.LastStatus),
		UpdatedAt:    now,
	}
}

func (s *Service) upsert(ctx context.Context, sj storage.StoredJob) {
	err := s.store.UpdateJob(ctx, sj)
	if errors.Is(err, storage.ErrJobNotFound) {
		err = s.store.AddJob(ctx, sj)
	}
	if err != nil {
		s.log.Error("job store write failed", logx.String("job", sj.ID), logx.Err(err))
	}
}

// persist mirrors code (and its parent, whose counters aggregate it).
func (s *Service) persist(ctx context.Context, code string) {
	j, ok := s.GetJob(code)
	if !ok {
		return
	}
	s.upsert(ctx, toStored(j, time.Now()))
	if j.ParentCode != "" {
		if p, ok := s.GetJob(j.ParentCode); ok {
			s.upsert(ctx, toStored(p, time.Now()))
		}
	}
}

// persistTree mirrors j and every sub-job of j.
func (s *Service) persistTree(ctx context.Context, j job.Job) {
	s.persist(ctx, j.Code)
	for _, sc := range j.SubJobCodes {
		s.persist(ctx, sc)
	}
}

// persistAllLocked mirrors every registered job. Call with s.mu held.
func (s *Service) persistAllLocked(ctx context.Context) {
	now := time.Now()
	for _, j := range s.reg.List() {
		j.NextRunTime, _ = s.nextRunLocked(j.Code)
		s.upsert(ctx, toStored(j, now))
	}
}

func (s *Service) unpersist(ctx context.Context, code string) {
	if err := s.store.RemoveJob(ctx, code); err != nil && !errors.Is(err, storage.ErrJobNotFound) {
		s.log.Error("job store remove failed", logx.String("job", code), logx.Err(err))
	}
}

// onOutcome keeps stored counters current after every attempt.
func (s *Service) onOutcome(e eventbus.Event) error {
	s.persist(context.Background(), e.JobCode)
	return nil
}
