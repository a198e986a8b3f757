package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"jobsched/internal/eventbus"
	"jobsched/internal/history"
	"jobsched/internal/lock"
	"jobsched/internal/task/job"
	"jobsched/pkg/logx"
)

// State is the terminal state of a run chain.
type State string

const (
	StateSuccess State = "success"
	StateFailed  State = "failed"
	StateTimeout State = "timeout"
	StateSkipped State = "skipped"
)

// Outcome summarizes one Pipeline.Run call.
type Outcome struct {
	State    State
	RunID    string // run id of the last attempt
	Attempts int
	Result   any
	Err      error
}

// Deps are the pipeline collaborators. Zero values fall back to null objects.
type Deps struct {
	Log         logx.Logger
	Bus         *eventbus.Bus
	Lock        lock.Lock
	History     history.Manager
	LockTimeout time.Duration
	Tracer      trace.Tracer
}

// Pipeline runs one job attempt chain: lock, history, body under timeout,
// counters, events, then retries while the job's strategy allows.
type Pipeline struct {
	reg         *job.Registry
	log         logx.Logger
	bus         *eventbus.Bus
	lock        lock.Lock
	history     history.Manager
	lockTimeout time.Duration
	tracer      trace.Tracer

	groups groupLimiterStore
	now    func() time.Time
}

func NewPipeline(reg *job.Registry, d Deps) *Pipeline {
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
	if d.LockTimeout <= 0 {
		d.LockTimeout = lock.DefaultTTL
	}
	if d.Tracer == nil {
		d.Tracer = otel.Tracer("jobsched/engine")
	}
	return &Pipeline{
		reg:         reg,
		log:         d.Log.With(logx.String("comp", "pipeline")),
		bus:         d.Bus,
		lock:        d.Lock,
		history:     d.History,
		lockTimeout: d.LockTimeout,
		tracer:      d.Tracer,
		now:         time.Now,
	}
}

// Forget drops per-code state kept for a removed job.
func (p *Pipeline) Forget(code string) { p.groups.forget(code) }

// Run executes ec and any retries it earns. It blocks for the whole chain,
// including back-off sleeps; cancelling ctx aborts the chain. The engine
// uses Step instead so that waiting retries do not hold a worker.
func (p *Pipeline) Run(ctx context.Context, ec job.ExecutionContext) Outcome {
	var out Outcome
	for {
		step, delay, again := p.Step(ctx, ec)
		attempts := out.Attempts + step.Attempts
		out = step
		out.Attempts = attempts
		if !again {
			return out
		}
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return out
			case <-t.C:
			}
		}
		ec = ec.Retry(p.now())
	}
}

// Step executes a single attempt of ec. When the failure earns another
// attempt, JobRetry has been emitted and again is true; the caller builds the
// next context with ec.Retry once delay has passed.
func (p *Pipeline) Step(ctx context.Context, ec job.ExecutionContext) (out Outcome, delay time.Duration, again bool) {
	j, ok := p.reg.Get(ec.JobCode)
	if !ok {
		out.State = StateSkipped
		out.RunID = ec.RunID
		out.Err = errors.Wrapf(job.ErrJobNotFound, "code %q", ec.JobCode)
		return out, 0, false
	}

	res := p.attempt(ctx, j, ec)
	out.RunID = ec.RunID
	out.State, out.Result, out.Err = res.state, res.result, res.err
	if res.state == StateSkipped {
		return out, 0, false
	}
	out.Attempts = 1
	if res.err == nil {
		return out, 0, false
	}

	if !j.Retry.ShouldRetry(res.err, ec.Attempt-1) || ctx.Err() != nil {
		return out, 0, false
	}
	delay = j.Retry.DelayFor(res.err, ec.Attempt)
	ev := baseEvent(eventbus.JobRetry, j, ec)
	ev.Error = res.err.Error()
	ev.NextRetryTime = p.now().Add(delay)
	p.bus.Emit(ev)
	p.log.Info("job retry scheduled",
		logx.String("job", j.Code),
		logx.String("run_id", ec.RunID),
		logx.Int("attempt", ec.Attempt+1),
		logx.Duration("delay", delay),
	)
	return out, delay, true
}

type attemptResult struct {
	state  State
	result any
	err    error
}

func (p *Pipeline) attempt(ctx context.Context, j job.Job, ec job.ExecutionContext) attemptResult {
	if !j.Concurrent {
		key := lock.JobKey(j.Code)
		ttl := j.Timeout
		if ttl <= 0 {
			ttl = p.lockTimeout
		}
		token, ok, err := p.lock.Acquire(ctx, key, ttl)
		if err != nil || !ok {
			fields := []logx.Field{logx.String("job", j.Code), logx.String("run_id", ec.RunID)}
			if err != nil {
				fields = append(fields, logx.Err(err))
			}
			p.log.Info("job skipped: lock not acquired", fields...)
			return attemptResult{state: StateSkipped, err: ErrSkipped}
		}
		stopKeepalive := p.keepLock(ctx, j.Code, key, token, ttl)
		defer func() {
			stopKeepalive()
			if _, err := p.lock.Release(context.WithoutCancel(ctx), key, token); err != nil {
				p.log.Error("lock release failed", logx.String("job", j.Code), logx.Err(err))
			}
		}()
	} else if gs := p.groups.get(j.Code, j.MaxInstances); gs != nil {
		if !gs.tryAcquire() {
			ev := baseEvent(eventbus.JobMissed, j, ec)
			ev.Reason = eventbus.ReasonMaxInstances
			p.bus.Emit(ev)
			p.log.Debug("job skipped: max instances reached", logx.String("job", j.Code), logx.Int("max_instances", j.MaxInstances))
			return attemptResult{state: StateSkipped, err: errors.Newf("max instances (%d) reached", j.MaxInstances)}
		}
		defer gs.release()
	}

	start := p.now()
	ec.StartTime = start
	hctx := context.WithoutCancel(ctx)
	if err := p.history.RecordStart(hctx, ec); err != nil {
		p.log.Error("history record start failed", logx.String("job", j.Code), logx.String("run_id", ec.RunID), logx.Err(err))
	}
	p.reg.MarkStarted(j.Code, ec.RunID, start)

	sctx, span := p.tracer.Start(ctx, "job.attempt", trace.WithAttributes(
		attribute.String("job.code", j.Code),
		attribute.String("job.run_id", ec.RunID),
		attribute.Int("job.attempt", ec.Attempt),
		attribute.String("job.trigger_type", string(ec.TriggerType)),
	))
	result, err := p.invoke(sctx, j, ec)
	end := p.now()
	dur := end.Sub(start)

	if err == nil {
		span.End()
		p.reg.MarkFinished(j.Code, job.StatusSuccess)
		if herr := p.history.RecordSuccess(hctx, ec, result, dur.Milliseconds()); herr != nil {
			p.log.Error("history record success failed", logx.String("job", j.Code), logx.String("run_id", ec.RunID), logx.Err(herr))
		}
		ev := baseEvent(eventbus.JobExecuted, j, ec)
		ev.StartTime, ev.EndTime, ev.Duration = start, end, dur
		ev.Result = result
		ev.Status = string(job.StatusSuccess)
		p.bus.Emit(ev)
		if dur >= 750*time.Millisecond {
			p.log.Info("job executed", logx.String("job", j.Code), logx.String("run_id", ec.RunID), logx.Int("attempt", ec.Attempt), logx.Duration("dur", dur))
		} else {
			p.log.Debug("job executed", logx.String("job", j.Code), logx.String("run_id", ec.RunID), logx.Int("attempt", ec.Attempt), logx.Duration("dur", dur))
		}
		return attemptResult{state: StateSuccess, result: result}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.End()

	status, state := job.StatusFailed, StateFailed
	if IsTimeout(err) {
		status, state = job.StatusTimeout, StateTimeout
	}
	traceback := fmt.Sprintf("%+v", err)
	p.reg.MarkFinished(j.Code, status)
	if herr := p.history.RecordFailure(hctx, ec, status, err.Error(), traceback, dur.Milliseconds()); herr != nil {
		p.log.Error("history record failure failed", logx.String("job", j.Code), logx.String("run_id", ec.RunID), logx.Err(herr))
	}
	ev := baseEvent(eventbus.JobError, j, ec)
	ev.StartTime, ev.EndTime, ev.Duration = start, end, dur
	ev.Error = err.Error()
	ev.Traceback = traceback
	ev.Status = string(status)
	p.bus.Emit(ev)
	p.log.Warn("job failed",
		logx.String("job", j.Code),
		logx.String("run_id", ec.RunID),
		logx.Int("attempt", ec.Attempt),
		logx.Duration("dur", dur),
		logx.Err(err),
	)
	return attemptResult{state: state, err: err}
}

// keepLock extends a held job lock every ttl/3 until stop is called. The
// lock covers the whole attempt, outcome recording included, not just the
// body.
func (p *Pipeline) keepLock(ctx context.Context, code, key, token string, ttl time.Duration) (stop func()) {
	every := ttl / 3
	if every < time.Millisecond {
		every = time.Millisecond
	}
	kctx := context.WithoutCancel(ctx)
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
			}
			ok, err := p.lock.Extend(kctx, key, token, ttl)
			switch {
			case err != nil:
				p.log.Warn("lock extend failed", logx.String("job", code), logx.Err(err))
			case !ok:
				p.log.Warn("lock lost while job running", logx.String("job", code))
				return
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// invoke runs the body in its own goroutine so the timeout can fire while
// the body is still blocked. The body context is cancelled either way.
func (p *Pipeline) invoke(ctx context.Context, j job.Job, ec job.ExecutionContext) (any, error) {
	if j.Func == nil {
		return nil, job.ErrMissingFunc
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type ret struct {
		v   any
		err error
	}
	done := make(chan ret, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("job panicked", logx.String("job", j.Code), logx.String("run_id", ec.RunID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				done <- ret{err: errors.Newf("panic: %v", r)}
			}
		}()
		v, err := j.Func(runCtx, ec)
		done <- ret{v: v, err: err}
	}()

	var timeout <-chan time.Time
	if j.Timeout > 0 {
		t := time.NewTimer(j.Timeout)
		defer t.Stop()
		timeout = t.C
	}
	select {
	case r := <-done:
		return r.v, r.err
	case <-timeout:
		return nil, errors.WithStack(&TimeoutError{Limit: j.Timeout})
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "job aborted")
	}
}

func baseEvent(kind eventbus.Kind, j job.Job, ec job.ExecutionContext) eventbus.Event {
	return eventbus.Event{
		Kind:          kind,
		JobID:         j.ID,
		JobCode:       j.Code,
		JobName:       j.Name,
		RunID:         ec.RunID,
		ScheduledTime: ec.ScheduledTime,
		StartTime:     ec.StartTime,
		Attempt:       ec.Attempt,
		TriggerType:   string(ec.TriggerType),
		RetryOf:       ec.RetryOf,
	}
}
