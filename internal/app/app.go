// Package app wires configuration, storage, locking, history, the scheduler
// and the admin API into one runnable process.
package app

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"jobsched/internal/api"
	"jobsched/internal/config"
	"jobsched/internal/eventbus"
	"jobsched/internal/history"
	"jobsched/internal/lock"
	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/task/scheduler"
	"jobsched/internal/task/trigger"
	"jobsched/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  *eventbus.Bus

	store   storage.JobStore
	closers []func() error // closed in reverse order on Stop

	sched  *scheduler.Service
	api    *api.Server
	client *http.Client

	jobsMu sync.Mutex
	jobs   map[string]config.JobConfig // config-declared jobs by code

	stopOnce sync.Once
}

// New loads the config at cfgPath and builds every component. Nothing runs
// until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (a *App, err error) {
	logs, root := logx.New(mapLogConfig(cfg))
	a = &App{
		cfgm:   cfgm,
		log:    root.With(logx.String("comp", "app")),
		logs:   logs,
		client: newHTTPClient(),
		jobs:   map[string]config.JobConfig{},
	}
	defer func() {
		if err != nil {
			a.closeAll()
			_ = logs.Close()
		}
	}()
	a.bus = eventbus.New(root.With(logx.String("comp", "eventbus")))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, db, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, errors.Wrap(err, "open job store")
	}
	a.store = store
	a.closers = append(a.closers, store.Close)
	if db != nil {
		a.closers = append(a.closers, db.Close)
	}
	a.log.Info("job store ready", logx.String("driver", storeDriver(sc.Driver)))

	hist, err := a.openHistory(cfg, sc, db, root)
	if err != nil {
		return nil, err
	}

	lk, err := a.openLock(cfg)
	if err != nil {
		return nil, err
	}

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	var tracer trace.Tracer
	if !cfg.Tracing.Enabled {
		tracer = noop.NewTracerProvider().Tracer("jobsched")
	}
	a.sched = scheduler.New(schedCfg, scheduler.Deps{
		Log:     root.With(logx.String("comp", "scheduler")),
		Bus:     a.bus,
		Lock:    lk,
		History: hist,
		Store:   store,
		Tracer:  tracer,
	})

	apiCfg, err := mapAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.api = api.NewServer(apiCfg, a.sched, root)

	ctx := context.Background()
	for _, jc := range cfg.Jobs {
		if err := a.registerJob(ctx, jc, false); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func storeDriver(d string) string {
	if d == "" {
		return "memory"
	}
	return d
}

// openHistory reuses the store's sqlite handle when both point at the same
// file.
func (a *App) openHistory(cfg *config.Config, sc storage.Config, storeDB *storage.DB, root logx.Logger) (history.Manager, error) {
	if !cfg.History.Enabled {
		return history.Nop{}, nil
	}
	path := cfg.HistoryPath()
	if storeDB != nil && path == sc.Path {
		return history.NewSQL(storeDB), nil
	}
	db, err := storage.OpenDB(path, sc.BusyTimeout, root.With(logx.String("comp", "history")))
	if err != nil {
		return nil, errors.Wrap(err, "open history db")
	}
	a.closers = append(a.closers, db.Close)
	return history.NewSQL(db), nil
}

func (a *App) openLock(cfg *config.Config) (lock.Lock, error) {
	if !cfg.Lock.Distributed {
		return lock.NewMemory(), nil
	}
	prefix := cfg.Lock.KeyPrefix
	if prefix == "" {
		prefix = "jobsched:"
	}
	r, err := lock.NewRedisFromURL(strings.TrimSpace(cfg.Lock.RedisURL), prefix)
	if err != nil {
		return nil, errors.Wrap(err, "open redis lock")
	}
	a.closers = append(a.closers, r.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Ping(ctx); err != nil {
		return nil, errors.Wrap(err, "redis lock ping")
	}
	a.log.Info("distributed lock ready", logx.String("prefix", prefix))
	return r, nil
}

func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) API() *api.Server { return a.api }

// ShutdownTimeout bounds Stop when the caller has no deadline of its own.
func (a *App) ShutdownTimeout() time.Duration {
	if cfg := a.cfgm.Get(); cfg != nil {
		return shutdownTimeout(cfg)
	}
	return defaultShutdownTimeout
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		loc := time.Local
		if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
			l, err := time.LoadLocation(tz)
			if err != nil {
				return err
			}
			loc = l
		}
		for _, jc := range cfg.Jobs {
			for _, raw := range jc.Schedules {
				if _, err := trigger.Parse(raw, loc); err != nil {
					return errors.Wrapf(err, "jobs.%s", jc.Code)
				}
			}
		}
		if _, err := mapSchedulerConfig(cfg); err != nil {
			return err
		}
		_, err := mapAPIConfig(cfg)
		return err
	})

	a.sched.Start(a.sup.Context())
	a.api.Start(a.sup.Context())

	events, unsub := a.bus.Subscribe(128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("kind", string(e.Kind)), logx.String("job", e.JobCode), logx.String("run_id", e.RunID))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// coalesce bursts: only the newest config matters
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started", logx.Int("jobs", len(a.sched.ListJobs())))
	return nil
}

// applyConfig hot-applies a validated config. Store, lock and history
// backends need a restart.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs, jobCodes := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	for _, s := range []string{"store", "lock", "tracing"} {
		if slices.Contains(sections, s) {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}
	if prev != nil && (prev.History.Enabled != next.History.Enabled || prev.HistoryPath() != next.HistoryPath()) {
		a.log.Warn("history backend changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(next))

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else {
		a.sched.Apply(ctx, sc)
	}

	if ac, err := mapAPIConfig(next); err != nil {
		a.log.Warn("invalid api config; keeping previous", logx.Err(err))
	} else {
		a.api.Apply(ctx, ac)
	}

	a.jobsMu.Lock()
	// cron triggers are bound to a zone, so a timezone change re-registers every job
	if prev == nil || prev.Scheduler.Timezone != next.Scheduler.Timezone {
		jobCodes = mergeCodes(jobCodes, a.managedCodes())
	}
	a.syncJobs(ctx, next, jobCodes)
	a.jobsMu.Unlock()

	a.log.Info("config reloaded", fields...)
}

func mergeCodes(a, b []string) []string {
	out := append(slices.Clone(a), b...)
	slices.Sort(out)
	return slices.Compact(out)
}

// Stop shuts everything down in dependency order. Safe to call more than
// once.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() { err = a.stop(ctx, reason) })
	return err
}

func (a *App) stop(ctx context.Context, reason StopReason) error {
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if a.sup != nil {
		a.sup.Cancel()
	}

	// step runs fn bounded by max and never extends the caller's deadline.
	step := func(name string, max time.Duration, fn func(context.Context) error) error {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			max = min(max, time.Until(dl))
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- errors.Newf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
			return err
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			return stepCtx.Err()
		}
	}

	var errs error
	errs = errors.CombineErrors(errs, step("api", 2*time.Second, func(c context.Context) error { a.api.Stop(c); return nil }))
	errs = errors.CombineErrors(errs, step("scheduler", a.ShutdownTimeout(), a.sched.Shutdown))
	if a.sup != nil {
		errs = errors.CombineErrors(errs, step("supervisor", 2*time.Second, a.sup.Wait))
	}
	a.closeAll()

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errs
}

func (a *App) closeAll() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("close failed", logx.Err(err))
		}
	}
	a.closers = nil
}
