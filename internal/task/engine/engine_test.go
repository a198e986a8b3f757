package engine

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/eventbus"
	"jobsched/internal/task/job"
	"jobsched/pkg/logx"
)

type engineFixture struct {
	reg    *job.Registry
	bus    *eventbus.Bus
	events *eventLog
	eng    *Engine
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	reg := job.NewRegistry()
	bus := eventbus.New(logx.Nop())
	events := &eventLog{}
	events.listen(bus)
	eng := New(cfg, logx.Nop(), bus, NewPipeline(reg, Deps{Bus: bus}))
	eng.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = eng.Stop(ctx)
	})
	return &engineFixture{reg: reg, bus: bus, events: events, eng: eng}
}

func (f *engineFixture) scheduled(t *testing.T, code string, at time.Time) job.ExecutionContext {
	t.Helper()
	j, ok := f.reg.Get(code)
	require.True(t, ok)
	return job.NewContext(j, job.TriggerScheduled, at, time.Now())
}

// blocker registers code with a body that signals on started and waits for
// release.
func (f *engineFixture) blocker(t *testing.T, code string) (started chan struct{}, release chan struct{}) {
	t.Helper()
	started = make(chan struct{}, 16)
	release = make(chan struct{})
	_, err := f.reg.Register(code, func(ctx context.Context, _ job.ExecutionContext) (any, error) {
		started <- struct{}{}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	}, job.Options{Trigger: hourly(t), MaxInstances: 4})
	require.NoError(t, err)
	return started, release
}

func TestEngineRunsSubmittedJobs(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t, Config{Workers: 2, QueueSize: 8})

	var runs atomic.Int32
	done := make(chan struct{}, 3)
	_, err := f.reg.Register("tick", func(context.Context, job.ExecutionContext) (any, error) {
		runs.Add(1)
		done <- struct{}{}
		return nil, nil
	}, job.Options{Trigger: hourly(t), MaxInstances: 3})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.eng.Submit(f.scheduled(t, "tick", time.Now())))
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("job did not run")
		}
	}
	assert.Equal(t, int32(3), runs.Load())
	assert.Equal(t, uint64(3), f.eng.Snapshot().Submitted)
}

func TestEngineQueueFull(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t, Config{Workers: 1, QueueSize: 1})
	started, release := f.blocker(t, "busy")
	defer close(release)

	j, _ := f.reg.Get("busy")
	manual := func() job.ExecutionContext { return job.NewContext(j, job.TriggerManual, time.Time{}, time.Now()) }

	require.NoError(t, f.eng.Submit(manual()))
	<-started
	require.NoError(t, f.eng.Submit(manual()))
	assert.ErrorIs(t, f.eng.Submit(manual()), ErrQueueFull)

	missed := f.events.of(eventbus.JobMissed)
	require.Len(t, missed, 1)
	assert.Equal(t, eventbus.ReasonQueueFull, missed[0].Reason)
	assert.Equal(t, uint64(1), f.eng.Snapshot().DroppedQueueFull)
}

func TestEngineCoalescesQueuedScheduledRuns(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t, Config{Workers: 1, QueueSize: 4, Coalesce: true})
	started, release := f.blocker(t, "sync")
	defer close(release)

	require.NoError(t, f.eng.Submit(f.scheduled(t, "sync", time.Now())))
	<-started
	require.NoError(t, f.eng.Submit(f.scheduled(t, "sync", time.Now())))
	assert.ErrorIs(t, f.eng.Submit(f.scheduled(t, "sync", time.Now())), ErrCoalesced)

	j, _ := f.reg.Get("sync")
	assert.NoError(t, f.eng.Submit(job.NewContext(j, job.TriggerManual, time.Time{}, time.Now())), "manual runs are never coalesced")

	missed := f.events.of(eventbus.JobMissed)
	require.Len(t, missed, 1)
	assert.Equal(t, eventbus.ReasonCoalesced, missed[0].Reason)
}

func TestEngineDropsMisfires(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t, Config{Workers: 1, QueueSize: 4, MisfireGraceTime: 10 * time.Millisecond})

	var runs atomic.Int32
	_, err := f.reg.Register("late", func(context.Context, job.ExecutionContext) (any, error) {
		runs.Add(1)
		return nil, nil
	}, job.Options{Trigger: hourly(t)})
	require.NoError(t, err)

	missedCh := make(chan eventbus.Event, 1)
	f.bus.On(eventbus.JobMissed, func(e eventbus.Event) error {
		missedCh <- e
		return nil
	})

	require.NoError(t, f.eng.Submit(f.scheduled(t, "late", time.Now().Add(-time.Second))))
	select {
	case e := <-missedCh:
		assert.Equal(t, eventbus.ReasonMisfire, e.Reason)
		assert.Equal(t, "late", e.JobCode)
	case <-time.After(2 * time.Second):
		t.Fatal("no missed event")
	}
	assert.Zero(t, runs.Load())
}

func TestEngineStop(t *testing.T) {
	t.Parallel()
	reg := job.NewRegistry()
	bus := eventbus.New(logx.Nop())
	eng := New(Config{Workers: 1}, logx.Nop(), bus, NewPipeline(reg, Deps{Bus: bus}))
	_, err := reg.Register("noop", func(context.Context, job.ExecutionContext) (any, error) { return nil, nil }, job.Options{Trigger: hourly(t)})
	require.NoError(t, err)
	j, _ := reg.Get("noop")

	assert.ErrorIs(t, eng.Submit(job.NewContext(j, job.TriggerManual, time.Time{}, time.Now())), ErrStopped)

	eng.Start(context.Background())
	assert.True(t, eng.Snapshot().Running)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, eng.Stop(ctx))
	require.NoError(t, eng.Stop(ctx))
	assert.False(t, eng.Snapshot().Running)
	assert.ErrorIs(t, eng.Submit(job.NewContext(j, job.TriggerManual, time.Time{}, time.Now())), ErrStopped)
}

func TestEngineRetryWaitDoesNotHoldWorker(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t, Config{Workers: 1, QueueSize: 4})

	retried := make(chan eventbus.Event, 1)
	f.bus.On(eventbus.JobRetry, func(e eventbus.Event) error {
		retried <- e
		return nil
	})

	_, err := f.reg.Register("flaky", func(context.Context, job.ExecutionContext) (any, error) {
		return nil, errors.New("upstream down")
	}, job.Options{Trigger: hourly(t), MaxRetries: 1, RetryDelay: time.Hour})
	require.NoError(t, err)
	quick := make(chan struct{})
	_, err = f.reg.Register("quick", func(context.Context, job.ExecutionContext) (any, error) {
		close(quick)
		return nil, nil
	}, job.Options{Trigger: hourly(t)})
	require.NoError(t, err)

	flaky, _ := f.reg.Get("flaky")
	require.NoError(t, f.eng.Submit(job.NewContext(flaky, job.TriggerManual, time.Time{}, time.Now())))
	var ev eventbus.Event
	select {
	case ev = <-retried:
	case <-time.After(2 * time.Second):
		t.Fatal("no retry scheduled")
	}
	assert.Equal(t, "flaky", ev.JobCode)

	q, _ := f.reg.Get("quick")
	require.NoError(t, f.eng.Submit(job.NewContext(q, job.TriggerManual, time.Time{}, time.Now())))
	select {
	case <-quick:
	case <-time.After(time.Second):
		t.Fatal("worker still held by the retry wait")
	}
	require.Eventually(t, func() bool { return f.eng.Snapshot().PendingRetries == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.eng.Stop(ctx))
	assert.Zero(t, f.eng.Snapshot().PendingRetries)

	var stopped []eventbus.Event
	for _, m := range f.events.of(eventbus.JobMissed) {
		if m.Reason == eventbus.ReasonStopped {
			stopped = append(stopped, m)
		}
	}
	require.Len(t, stopped, 1)
	assert.Equal(t, "flaky", stopped[0].JobCode)
	assert.Equal(t, 2, stopped[0].Attempt)
	assert.Equal(t, string(job.TriggerRetry), stopped[0].TriggerType)
}

func TestEngineRetriesThroughQueue(t *testing.T) {
	t.Parallel()
	f := newEngineFixture(t, Config{Workers: 1, QueueSize: 4, Coalesce: true, MisfireGraceTime: time.Nanosecond})

	_, err := f.reg.Register("flaky", func(context.Context, job.ExecutionContext) (any, error) {
		return nil, errors.New("upstream down")
	}, job.Options{Trigger: hourly(t), MaxRetries: 2, RetryDelay: time.Millisecond})
	require.NoError(t, err)

	j, _ := f.reg.Get("flaky")
	require.NoError(t, f.eng.Submit(job.NewContext(j, job.TriggerManual, time.Time{}, time.Now())))
	require.Eventually(t, func() bool { return len(f.events.of(eventbus.JobError)) == 3 }, 2*time.Second, 5*time.Millisecond)

	errs := f.events.of(eventbus.JobError)
	for i, e := range errs {
		assert.Equal(t, i+1, e.Attempt)
	}
	assert.Equal(t, string(job.TriggerRetry), errs[2].TriggerType)
	assert.Equal(t, errs[1].RunID, errs[2].RetryOf)
	assert.Len(t, f.events.of(eventbus.JobRetry), 2)
	assert.Empty(t, f.events.of(eventbus.JobMissed), "retries bypass misfire and coalesce")

	j, _ = f.reg.Get("flaky")
	assert.Equal(t, int64(3), j.RunCount)
	assert.Equal(t, int64(3), j.FailCount)
}
