package scheduler

import (
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"jobsched/internal/task/engine"
	"jobsched/pkg/logx"
)

const submitWarnThrottle = 5 * time.Second

func (s *Service) reportSubmitError(code string, err error) {
	if err == nil {
		return
	}
	// coalescing is normal operation when a job runs longer than its period
	if errors.Is(err, engine.ErrCoalesced) {
		s.log.Debug("fire coalesced", logx.String("job", code))
		return
	}

	s.warnMu.Lock()
	lim := s.warnLim[code]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(submitWarnThrottle), 1)
		s.warnLim[code] = lim
	}
	s.warnMu.Unlock()

	if !lim.Allow() {
		return
	}
	s.log.Warn("fire failed to enqueue", logx.String("job", code), logx.Err(err))
}
