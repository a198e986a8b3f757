package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/eventbus"
	"jobsched/internal/history"
	"jobsched/internal/lock"
	"jobsched/internal/task/job"
	"jobsched/internal/task/retry"
	"jobsched/internal/task/trigger"
	"jobsched/pkg/logx"
)

type recordingHistory struct {
	history.Nop

	mu       sync.Mutex
	starts   []job.ExecutionContext
	success  int
	failures []job.Status
}

func (h *recordingHistory) RecordStart(_ context.Context, ec job.ExecutionContext) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts = append(h.starts, ec)
	return nil
}

func (h *recordingHistory) RecordSuccess(context.Context, job.ExecutionContext, any, int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.success++
	return nil
}

func (h *recordingHistory) RecordFailure(_ context.Context, _ job.ExecutionContext, status job.Status, _, _ string, _ int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = append(h.failures, status)
	return nil
}

func (h *recordingHistory) startCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.starts)
}

type countingLock struct {
	lock.Lock
	releases atomic.Int32
}

func (l *countingLock) Release(ctx context.Context, key, token string) (bool, error) {
	l.releases.Add(1)
	return l.Lock.Release(ctx, key, token)
}

// failingHistory fails every terminal record and can stall RecordFailure.
type failingHistory struct {
	history.Nop
	entered chan struct{}
	stall   chan struct{}
}

func (h *failingHistory) RecordSuccess(context.Context, job.ExecutionContext, any, int64) error {
	return errors.New("disk full")
}

func (h *failingHistory) RecordFailure(context.Context, job.ExecutionContext, job.Status, string, string, int64) error {
	if h.entered != nil {
		close(h.entered)
	}
	if h.stall != nil {
		<-h.stall
	}
	return errors.New("disk full")
}

type eventLog struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (l *eventLog) listen(bus *eventbus.Bus) {
	bus.OnAny(func(e eventbus.Event) error {
		l.mu.Lock()
		l.events = append(l.events, e)
		l.mu.Unlock()
		return nil
	})
}

func (l *eventLog) of(kind eventbus.Kind) []eventbus.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []eventbus.Event
	for _, e := range l.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func hourly(t *testing.T) trigger.Trigger {
	t.Helper()
	tr, err := trigger.Interval(time.Hour)
	require.NoError(t, err)
	return tr
}

func ctxFor(t *testing.T, reg *job.Registry, code string) job.ExecutionContext {
	t.Helper()
	j, ok := reg.Get(code)
	require.True(t, ok)
	return job.NewContext(j, job.TriggerManual, time.Time{}, time.Now())
}

func TestPipelineSkipsWhenLockHeld(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry()
	hist := &recordingHistory{}
	lk := &countingLock{Lock: lock.NewMemory()}
	pipe := NewPipeline(reg, Deps{Lock: lk, History: hist})

	started := make(chan struct{})
	unblock := make(chan struct{})
	no := false
	_, err := reg.Register("report", func(context.Context, job.ExecutionContext) (any, error) {
		close(started)
		<-unblock
		return "ok", nil
	}, job.Options{Trigger: hourly(t), Concurrent: &no})
	require.NoError(t, err)

	first := make(chan Outcome, 1)
	ec := ctxFor(t, reg, "report")
	go func() { first <- pipe.Run(context.Background(), ec) }()
	<-started

	second := pipe.Run(context.Background(), ctxFor(t, reg, "report"))
	assert.Equal(t, StateSkipped, second.State)
	assert.ErrorIs(t, second.Err, ErrSkipped)
	assert.Zero(t, second.Attempts)

	j, _ := reg.Get("report")
	assert.Equal(t, int64(1), j.RunCount)
	assert.Equal(t, 1, hist.startCount())

	close(unblock)
	out := <-first
	assert.Equal(t, StateSuccess, out.State)
	assert.Equal(t, "ok", out.Result)
	assert.Equal(t, int32(1), lk.releases.Load())

	held, err := lk.IsHeld(context.Background(), lock.JobKey("report"))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestPipelineTimeout(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry()
	bus := eventbus.New(logx.Nop())
	events := &eventLog{}
	events.listen(bus)
	hist := &recordingHistory{}
	pipe := NewPipeline(reg, Deps{Bus: bus, History: hist})

	_, err := reg.Register("slow", func(ctx context.Context, _ job.ExecutionContext) (any, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
			return nil, nil
		}
	}, job.Options{Trigger: hourly(t), Timeout: 100 * time.Millisecond})
	require.NoError(t, err)

	out := pipe.Run(context.Background(), ctxFor(t, reg, "slow"))
	assert.Equal(t, StateTimeout, out.State)
	assert.True(t, IsTimeout(out.Err))
	assert.Equal(t, "Job timed out after 0.1s", out.Err.Error())

	errs := events.of(eventbus.JobError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error, "timed out")
	assert.Equal(t, string(job.StatusTimeout), errs[0].Status)

	j, _ := reg.Get("slow")
	assert.Equal(t, job.StatusTimeout, j.LastStatus)
	assert.Equal(t, int64(1), j.FailCount)
	assert.Equal(t, []job.Status{job.StatusTimeout}, hist.failures)
}

func TestPipelineRetriesUntilExhausted(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry()
	bus := eventbus.New(logx.Nop())
	events := &eventLog{}
	events.listen(bus)
	pipe := NewPipeline(reg, Deps{Bus: bus})

	var attempts []int
	var mu sync.Mutex
	_, err := reg.Register("flaky", func(_ context.Context, ec job.ExecutionContext) (any, error) {
		mu.Lock()
		attempts = append(attempts, ec.Attempt)
		mu.Unlock()
		return nil, errors.New("upstream down")
	}, job.Options{Trigger: hourly(t), MaxRetries: 2, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	out := pipe.Run(context.Background(), ctxFor(t, reg, "flaky"))
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, 3, out.Attempts)
	assert.Equal(t, []int{1, 2, 3}, attempts)

	retries := events.of(eventbus.JobRetry)
	require.Len(t, retries, 2)
	for _, r := range retries {
		assert.False(t, r.NextRetryTime.IsZero())
	}

	errs := events.of(eventbus.JobError)
	require.Len(t, errs, 3)
	last := errs[2]
	assert.Equal(t, 3, last.Attempt)
	assert.Equal(t, string(job.TriggerRetry), last.TriggerType)
	assert.Equal(t, errs[1].RunID, last.RetryOf)

	j, _ := reg.Get("flaky")
	assert.Equal(t, int64(3), j.RunCount)
	assert.Equal(t, int64(3), j.FailCount)
	assert.Equal(t, int64(0), j.SuccessCount)
}

func TestPipelineHonoursNoRetryAndRecoversPanics(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry()
	pipe := NewPipeline(reg, Deps{})

	_, err := reg.Register("bad-input", func(context.Context, job.ExecutionContext) (any, error) {
		return nil, retry.NoRetry(errors.New("invalid payload"))
	}, job.Options{Trigger: hourly(t), MaxRetries: 5})
	require.NoError(t, err)
	out := pipe.Run(context.Background(), ctxFor(t, reg, "bad-input"))
	assert.Equal(t, 1, out.Attempts)
	assert.True(t, retry.IsNoRetry(out.Err))

	_, err = reg.Register("boom", func(context.Context, job.ExecutionContext) (any, error) {
		panic("nil map")
	}, job.Options{Trigger: hourly(t)})
	require.NoError(t, err)
	out = pipe.Run(context.Background(), ctxFor(t, reg, "boom"))
	assert.Equal(t, StateFailed, out.State)
	assert.Contains(t, out.Err.Error(), "panic: nil map")
}

func TestPipelineMaxInstances(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry()
	bus := eventbus.New(logx.Nop())
	events := &eventLog{}
	events.listen(bus)
	pipe := NewPipeline(reg, Deps{Bus: bus})

	started := make(chan struct{})
	unblock := make(chan struct{})
	var once sync.Once
	_, err := reg.Register("fanout", func(context.Context, job.ExecutionContext) (any, error) {
		once.Do(func() { close(started) })
		<-unblock
		return nil, nil
	}, job.Options{Trigger: hourly(t), MaxInstances: 1})
	require.NoError(t, err)

	done := make(chan Outcome, 1)
	ec := ctxFor(t, reg, "fanout")
	go func() { done <- pipe.Run(context.Background(), ec) }()
	<-started

	out := pipe.Run(context.Background(), ctxFor(t, reg, "fanout"))
	assert.Equal(t, StateSkipped, out.State)
	missed := events.of(eventbus.JobMissed)
	require.Len(t, missed, 1)
	assert.Equal(t, eventbus.ReasonMaxInstances, missed[0].Reason)

	close(unblock)
	assert.Equal(t, StateSuccess, (<-done).State)
}

func TestPipelineStopsRetryingOnCancel(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry()
	pipe := NewPipeline(reg, Deps{})

	_, err := reg.Register("patient", func(context.Context, job.ExecutionContext) (any, error) {
		return nil, errors.New("nope")
	}, job.Options{Trigger: hourly(t), MaxRetries: 3, RetryDelay: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	out := pipe.Run(ctx, ctxFor(t, reg, "patient"))
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, StateFailed, out.State)
}

func TestPipelineReleasesLockWhenHooksFail(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry()
	bus := eventbus.New(logx.Nop())
	var listenerCalls atomic.Int32
	bus.On(eventbus.JobError, func(eventbus.Event) error {
		listenerCalls.Add(1)
		panic("listener bug")
	})
	bus.On(eventbus.JobExecuted, func(eventbus.Event) error {
		listenerCalls.Add(1)
		panic("listener bug")
	})
	lk := &countingLock{Lock: lock.NewMemory()}
	pipe := NewPipeline(reg, Deps{Bus: bus, Lock: lk, History: &failingHistory{}})

	no := false
	fail := true
	_, err := reg.Register("ledger", func(context.Context, job.ExecutionContext) (any, error) {
		if fail {
			return nil, errors.New("bad row")
		}
		return "ok", nil
	}, job.Options{Trigger: hourly(t), Concurrent: &no})
	require.NoError(t, err)

	out := pipe.Run(context.Background(), ctxFor(t, reg, "ledger"))
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, int32(1), lk.releases.Load())

	fail = false
	out = pipe.Run(context.Background(), ctxFor(t, reg, "ledger"))
	assert.Equal(t, StateSuccess, out.State)
	assert.Equal(t, int32(2), lk.releases.Load())
	assert.Equal(t, int32(2), listenerCalls.Load())

	held, err := lk.IsHeld(context.Background(), lock.JobKey("ledger"))
	require.NoError(t, err)
	assert.False(t, held)
}

func TestPipelineHoldsLockUntilOutcomeRecorded(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry()
	hist := &failingHistory{entered: make(chan struct{}), stall: make(chan struct{})}
	lk := &countingLock{Lock: lock.NewMemory()}
	pipe := NewPipeline(reg, Deps{Lock: lk, History: hist})

	no := false
	var bodies atomic.Int32
	_, err := reg.Register("export", func(ctx context.Context, _ job.ExecutionContext) (any, error) {
		bodies.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}, job.Options{Trigger: hourly(t), Concurrent: &no, Timeout: 90 * time.Millisecond})
	require.NoError(t, err)

	first := make(chan Outcome, 1)
	ec := ctxFor(t, reg, "export")
	go func() { first <- pipe.Run(context.Background(), ec) }()
	<-hist.entered

	// well past the lock ttl while the timed-out attempt is still recording
	time.Sleep(300 * time.Millisecond)
	second := pipe.Run(context.Background(), ctxFor(t, reg, "export"))
	assert.Equal(t, StateSkipped, second.State)
	assert.Equal(t, int32(1), bodies.Load())

	close(hist.stall)
	assert.Equal(t, StateTimeout, (<-first).State)
	assert.Equal(t, int32(1), lk.releases.Load())

	held, err := lk.IsHeld(context.Background(), lock.JobKey("export"))
	require.NoError(t, err)
	assert.False(t, held)
}
