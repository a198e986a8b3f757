package scheduler

import (
	"context"
	"time"

	"jobsched/pkg/logx"
)

const defaultCleanupInterval = 24 * time.Hour

// cleanupLoop deletes history older than the retention window, once at
// start and then every cleanup interval.
func (s *Service) cleanupLoop(ctx context.Context) error {
	s.mu.Lock()
	every := s.cfg.HistoryCleanupInterval
	s.mu.Unlock()
	if every <= 0 {
		every = defaultCleanupInterval
	}

	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if _, _, err := s.CleanupHistory(ctx, 0); err != nil && ctx.Err() == nil {
			s.log.Error("history cleanup failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// CleanupHistory deletes executions and stats older than days. days <= 0
// uses the configured retention.
func (s *Service) CleanupHistory(ctx context.Context, days int) (executions, stats int64, err error) {
	if days <= 0 {
		s.mu.Lock()
		days = s.cfg.HistoryRetentionDays
		s.mu.Unlock()
	}
	if days <= 0 {
		return 0, 0, nil
	}
	executions, err = s.history.CleanupOldHistory(ctx, days)
	if err != nil {
		return 0, 0, err
	}
	stats, err = s.history.CleanupOldStats(ctx, days)
	if err != nil {
		return executions, 0, err
	}
	if executions > 0 || stats > 0 {
		s.log.Info("history cleaned up", logx.Int("days", days), logx.Int64("executions", executions), logx.Int64("stats", stats))
	}
	return executions, stats, nil
}
