package job

import (
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/task/retry"
	"jobsched/internal/task/trigger"
)

// Builder assembles a registration fluently:
//
//	job.New("report").
//		Name("Nightly report").
//		Cron("0 2 * * *").
//		Cron("0 14 * * *").
//		Timeout(time.Minute).
//		Retry(retry.Exponential(3, 10*time.Second, 2, 5*time.Minute, 0.1)).
//		Func(run).
//		Register(sched)
//
// Each Trigger/Cron/Every/At call adds one trigger; more than one makes a
// multi-trigger job.
type Builder struct {
	code string
	fn   Func
	opts Options
	loc  *time.Location
	err  error
}

func New(code string) *Builder { return &Builder{code: code} }

func (b *Builder) Name(v string) *Builder        { b.opts.Name = v; return b }
func (b *Builder) Description(v string) *Builder { b.opts.Description = v; return b }

// In sets the location used by subsequent Cron calls.
func (b *Builder) In(loc *time.Location) *Builder { b.loc = loc; return b }

func (b *Builder) Trigger(t trigger.Trigger) *Builder {
	if t == nil {
		b.fail(ErrMissingTrigger)
		return b
	}
	b.opts.Triggers = append(b.opts.Triggers, t)
	return b
}

func (b *Builder) Cron(expr string) *Builder {
	t, err := trigger.Cron(expr, b.loc)
	if err != nil {
		b.fail(err)
		return b
	}
	return b.Trigger(t)
}

func (b *Builder) Every(d time.Duration, opts ...trigger.IntervalOption) *Builder {
	t, err := trigger.Interval(d, opts...)
	if err != nil {
		b.fail(err)
		return b
	}
	return b.Trigger(t)
}

func (b *Builder) At(at time.Time) *Builder {
	t, err := trigger.Date(at)
	if err != nil {
		b.fail(err)
		return b
	}
	return b.Trigger(t)
}

// Schedule parses a schedule string (see trigger.ParseSchedule).
func (b *Builder) Schedule(spec string) *Builder {
	t, err := trigger.Parse(spec, b.loc)
	if err != nil {
		b.fail(err)
		return b
	}
	return b.Trigger(t)
}

func (b *Builder) Timeout(d time.Duration) *Builder { b.opts.Timeout = d; return b }

func (b *Builder) Retry(s *retry.Strategy) *Builder { b.opts.Retry = s; return b }

func (b *Builder) MaxRetries(n int, delay time.Duration) *Builder {
	b.opts.MaxRetries = n
	b.opts.RetryDelay = delay
	return b
}

func (b *Builder) Concurrent(v bool) *Builder { b.opts.Concurrent = &v; return b }

func (b *Builder) MaxInstances(n int) *Builder { b.opts.MaxInstances = n; return b }

func (b *Builder) Paused() *Builder { b.opts.Paused = true; return b }

func (b *Builder) Replace() *Builder { b.opts.ReplaceExisting = true; return b }

func (b *Builder) Merge() *Builder { b.opts.Merge = true; return b }

func (b *Builder) Func(fn Func) *Builder { b.fn = fn; return b }

func (b *Builder) fail(err error) {
	if b.err == nil {
		b.err = err
	}
}

// Options returns the accumulated options or the first builder error.
func (b *Builder) Options() (Options, error) {
	if b.err != nil {
		return Options{}, errors.Wrapf(b.err, "job %q", b.code)
	}
	return b.opts, nil
}

// Register hands the built job to r.
func (b *Builder) Register(r Registrar) (string, error) {
	opts, err := b.Options()
	if err != nil {
		return "", err
	}
	return r.Register(b.code, b.fn, opts)
}
