package scheduler

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/eventbus"
	"jobsched/internal/task/job"
	"jobsched/internal/task/trigger"
	"jobsched/pkg/logx"
)

var _ job.Registrar = (*Service)(nil)

// AddJob registers fn under code and schedules it when the scheduler runs.
// Jobs without a timeout get the configured default.
func (s *Service) AddJob(code string, fn job.Func, opts job.Options) (string, error) {
	s.mu.Lock()
	if opts.Timeout <= 0 {
		opts.Timeout = s.cfg.DefaultTimeout
	}
	s.mu.Unlock()

	id, err := s.reg.Register(code, fn, opts)
	if err != nil {
		return "", err
	}
	j, _ := s.reg.Get(code)

	s.mu.Lock()
	s.syncLocked()
	s.mu.Unlock()

	s.persistTree(context.Background(), j)
	s.bus.Emit(eventbus.Event{Kind: eventbus.JobAdded, JobID: j.ID, JobCode: j.Code, JobName: j.Name})

	fields := []logx.Field{logx.String("job", j.Code), logx.String("trigger", j.TriggerString())}
	if next, _ := s.nextRun(j.Code); !next.IsZero() {
		fields = append(fields, logx.Time("next", next))
	}
	s.log.Info("job added", fields...)
	return id, nil
}

// Register implements job.Registrar so builders can target the scheduler.
func (s *Service) Register(code string, fn job.Func, opts job.Options) (string, error) {
	return s.AddJob(code, fn, opts)
}

// AddSchedule parses spec in the scheduler timezone and registers fn with it.
func (s *Service) AddSchedule(code, spec string, fn job.Func, opts job.Options) (string, error) {
	t, err := trigger.Parse(spec, s.Location())
	if err != nil {
		return "", errors.Wrapf(err, "job %q", code)
	}
	opts.Trigger, opts.Triggers = t, nil
	return s.AddJob(code, fn, opts)
}

// RunJob submits a manual run and returns its run id. It does not wait for
// the run.
func (s *Service) RunJob(code string) (string, error) {
	j, ok := s.reg.Get(code)
	if !ok {
		return "", errors.Wrapf(job.ErrJobNotFound, "code %q", code)
	}
	ec := job.NewContext(j, job.TriggerManual, time.Time{}, time.Now())
	if err := s.eng.Submit(ec); err != nil {
		return "", err
	}
	s.log.Info("job run requested", logx.String("job", code), logx.String("run_id", ec.RunID))
	return ec.RunID, nil
}

// PauseJob stops future fires of code until resumed. Manual runs still work.
func (s *Service) PauseJob(code string) bool {
	if !s.reg.Pause(code) {
		return false
	}
	s.afterToggle(code, eventbus.JobPaused)
	return true
}

func (s *Service) ResumeJob(code string) bool {
	if !s.reg.Resume(code) {
		return false
	}
	s.afterToggle(code, eventbus.JobResumed)
	return true
}

func (s *Service) afterToggle(code string, kind eventbus.Kind) {
	j, ok := s.reg.Get(code)
	if !ok {
		return
	}
	s.persistTree(context.Background(), j)
	s.bus.Emit(eventbus.Event{Kind: kind, JobID: j.ID, JobCode: j.Code, JobName: j.Name})
	s.log.Info("job "+string(kind)[len("job."):], logx.String("job", code))
}

// RemoveJob removes code and its sub-jobs. False if code is unknown.
func (s *Service) RemoveJob(code string) bool {
	j, ok := s.reg.Get(code)
	if !ok {
		return false
	}
	removed := s.reg.Remove(code)
	if len(removed) == 0 {
		return false
	}

	s.mu.Lock()
	s.syncLocked()
	s.mu.Unlock()

	ctx := context.Background()
	for _, c := range removed {
		s.pipe.Forget(c)
		s.unpersist(ctx, c)
	}
	if j.ParentCode != "" {
		s.persist(ctx, j.ParentCode)
	}
	s.bus.Emit(eventbus.Event{Kind: eventbus.JobRemoved, JobID: j.ID, JobCode: j.Code, JobName: j.Name})
	s.log.Info("job removed", logx.String("job", code), logx.Int("removed", len(removed)))
	return true
}

// GetJob returns a snapshot of code, including its next run time while the
// cron loop runs.
func (s *Service) GetJob(code string) (job.Job, bool) {
	j, ok := s.reg.Get(code)
	if !ok {
		return job.Job{}, false
	}
	s.fillNext(&j)
	return j, true
}

// ListJobs returns top-level jobs sorted by code.
func (s *Service) ListJobs() []job.Job {
	js := s.reg.ListActive()
	for i := range js {
		s.fillNext(&js[i])
	}
	return js
}

// fillNext sets NextRunTime; a multi-trigger parent gets the earliest of its
// sub-jobs.
func (s *Service) fillNext(j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !j.IsMultiTrigger {
		j.NextRunTime, _ = s.nextRunLocked(j.Code)
		return
	}
	for _, sc := range j.SubJobCodes {
		next, _ := s.nextRunLocked(sc)
		if next.IsZero() {
			continue
		}
		if j.NextRunTime.IsZero() || next.Before(j.NextRunTime) {
			j.NextRunTime = next
		}
	}
}
