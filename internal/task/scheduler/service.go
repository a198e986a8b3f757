package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"jobsched/internal/eventbus"
	"jobsched/internal/history"
	"jobsched/internal/lock"
	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/job"
	"jobsched/pkg/logx"
)

func New(cfg Config, d Deps) *Service {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Bus == nil {
		d.Bus = eventbus.New(d.Log)
	}
	if d.Lock == nil {
		d.Lock = lock.NewMemory()
	}
	if d.History == nil {
		d.History = history.Nop{}
	}
	if d.Store == nil {
		d.Store = storage.NewMemoryJobStore()
	}
	log := d.Log.With(logx.String("comp", "scheduler"))
	reg := job.NewRegistry()
	pipe := engine.NewPipeline(reg, engine.Deps{
		Log:         d.Log,
		Bus:         d.Bus,
		Lock:        d.Lock,
		History:     d.History,
		LockTimeout: cfg.LockTimeout,
		Tracer:      d.Tracer,
	})
	s := &Service{
		cfg:     cfg,
		log:     log,
		bus:     d.Bus,
		history: d.History,
		store:   d.Store,
		reg:     reg,
		pipe:    pipe,
		eng:     engine.New(cfg.engineConfig(), d.Log, d.Bus, pipe),
		entries: map[string]entryRef{},
		warnLim: map[string]*rate.Limiter{},
	}
	s.loc = s.loadLocation(cfg.Timezone)
	return s
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Bus() *eventbus.Bus { return s.bus }

func (s *Service) History() history.Manager { return s.history }

// Location is the scheduler timezone used to parse schedule strings.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// Start starts the engine and, when enabled, the cron loop. Start is
// idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	cfg := s.cfg

	s.unsub = append(s.unsub,
		s.bus.On(eventbus.JobExecuted, s.onOutcome),
		s.bus.On(eventbus.JobError, s.onOutcome),
	)
	s.eng.Start(ctx)

	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	if s.history.Enabled() && cfg.HistoryRetentionDays > 0 {
		s.sup.GoRestart("history.cleanup", s.cleanupLoop)
	}

	if cfg.Enabled {
		s.startCronLocked()
	}
	s.persistAllLocked(ctx)
	s.log.Info("scheduler started",
		logx.Bool("enabled", cfg.Enabled),
		logx.String("tz", s.loc.String()),
		logx.Int("jobs", s.reg.Len()),
	)
}

// Shutdown stops triggering, then drains the engine bounded by ctx.
// Shutdown is idempotent.
func (s *Service) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	start := time.Now()
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	c := s.c
	s.c = nil
	s.entries = map[string]entryRef{}
	sup := s.sup
	s.sup = nil
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	err := s.eng.Stop(ctx)
	if sup != nil {
		_ = sup.Stop(ctx)
	}
	for _, u := range unsub {
		u()
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	return err
}

// Apply swaps the config. A timezone change rebuilds the cron loop; pool
// and dispatch changes go to the engine.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone) {
		s.loc = s.loadLocation(cfg.Timezone)
	}
	if s.started {
		switch {
		case prev.Enabled && !cfg.Enabled:
			s.stopCronLocked()
		case !prev.Enabled && cfg.Enabled:
			s.startCronLocked()
		case cfg.Enabled && strings.TrimSpace(prev.Timezone) != strings.TrimSpace(cfg.Timezone):
			s.stopCronLocked()
			s.startCronLocked()
			s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("entries", len(s.entries)))
		}
	}
	s.mu.Unlock()

	s.eng.Apply(ctx, cfg.engineConfig())
}

func (s *Service) startCronLocked() {
	s.c = cron.New(cron.WithLocation(s.loc))
	s.entries = map[string]entryRef{}
	s.syncLocked()
	s.c.Start()
}

func (s *Service) stopCronLocked() {
	if s.c == nil {
		return
	}
	// fires still running finish on their own; waiting here under s.mu
	// would deadlock with fire -> persist
	s.c.Stop()
	s.c = nil
	s.entries = map[string]entryRef{}
}

// syncLocked reconciles cron entries with the registry: one entry per job
// that owns a trigger. Replaced jobs (new id) get a fresh entry. Call with
// s.mu held.
func (s *Service) syncLocked() {
	if s.c == nil {
		return
	}
	want := map[string]job.Job{}
	for _, j := range s.reg.Schedulable() {
		want[j.Code] = j
	}
	for code, ref := range s.entries {
		if j, ok := want[code]; !ok || j.ID != ref.jobID {
			s.c.Remove(ref.id)
			delete(s.entries, code)
		}
	}
	for code, j := range want {
		if _, ok := s.entries[code]; ok {
			continue
		}
		code := code
		id := s.c.Schedule(j.Trigger, cron.FuncJob(func() { s.fire(code) }))
		s.entries[code] = entryRef{id: id, jobID: j.ID}
		s.log.Debug("job scheduled", logx.String("job", code), logx.String("trigger", j.Trigger.String()), logx.Time("next", s.c.Entry(id).Next))
	}
}

// fire runs on the cron goroutine and must not block.
func (s *Service) fire(code string) {
	j, ok := s.reg.Get(code)
	if !ok {
		return
	}
	if j.Paused {
		s.log.Debug("fire skipped: job paused", logx.String("job", code))
		return
	}
	now := time.Now()
	ec := job.NewContext(j, job.TriggerScheduled, now, now)
	if err := s.eng.Submit(ec); err != nil {
		s.reportSubmitError(code, err)
	}
	s.persist(context.Background(), code)
}

func (s *Service) nextRun(code string) (next, prev time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextRunLocked(code)
}

func (s *Service) nextRunLocked(code string) (next, prev time.Time) {
	if s.c == nil {
		return time.Time{}, time.Time{}
	}
	ref, ok := s.entries[code]
	if !ok {
		return time.Time{}, time.Time{}
	}
	e := s.c.Entry(ref.id)
	return e.Next, e.Prev
}

func (s *Service) loadLocation(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
