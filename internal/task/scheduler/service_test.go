package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/eventbus"
	"jobsched/internal/storage"
	"jobsched/internal/task/job"
	"jobsched/internal/task/trigger"
)

func every(t *testing.T, d time.Duration) trigger.Trigger {
	t.Helper()
	tr, err := trigger.Interval(d)
	require.NoError(t, err)
	return tr
}

func noop(context.Context, job.ExecutionContext) (any, error) { return nil, nil }

func startService(t *testing.T, cfg Config, d Deps) *Service {
	t.Helper()
	s := New(cfg, d)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s
}

func collect(bus *eventbus.Bus, kind eventbus.Kind) chan eventbus.Event {
	ch := make(chan eventbus.Event, 64)
	bus.On(kind, func(e eventbus.Event) error {
		select {
		case ch <- e:
		default:
		}
		return nil
	})
	return ch
}

func waitEvent(t *testing.T, ch chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		return eventbus.Event{}
	}
}

func TestAddJobAndDuplicates(t *testing.T) {
	t.Parallel()
	s := New(Config{DefaultTimeout: time.Minute}, Deps{})
	added := collect(s.Bus(), eventbus.JobAdded)

	id, err := s.AddJob("cleanup", noop, job.Options{Trigger: every(t, time.Hour), Name: "Cleanup"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, "cleanup", waitEvent(t, added).JobCode)

	j, ok := s.GetJob("cleanup")
	require.True(t, ok)
	assert.Equal(t, "Cleanup", j.Name)
	assert.Equal(t, time.Minute, j.Timeout)

	_, err = s.AddJob("cleanup", noop, job.Options{Trigger: every(t, time.Hour)})
	var dup *job.DuplicateJobError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "cleanup", dup.Code)

	_, ok = s.GetJob("missing")
	assert.False(t, ok)
}

func TestBuilderRegistersMultiTriggerJob(t *testing.T) {
	t.Parallel()
	s := startService(t, Config{Enabled: true}, Deps{})

	_, err := job.New("report").
		Every(time.Hour).
		Every(2 * time.Hour).
		Func(noop).
		Register(s)
	require.NoError(t, err)

	parent, ok := s.GetJob("report")
	require.True(t, ok)
	assert.True(t, parent.IsMultiTrigger)
	assert.Equal(t, []string{"report#1", "report#2"}, parent.SubJobCodes)
	assert.False(t, parent.NextRunTime.IsZero())

	sub, ok := s.GetJob("report#2")
	require.True(t, ok)
	assert.Equal(t, "report", sub.ParentCode)

	codes := []string{}
	for _, j := range s.ListJobs() {
		codes = append(codes, j.Code)
	}
	assert.Equal(t, []string{"report"}, codes)
}

func TestRunJobManually(t *testing.T) {
	t.Parallel()
	s := startService(t, Config{Enabled: false}, Deps{})
	executed := collect(s.Bus(), eventbus.JobExecuted)

	_, err := s.AddJob("ping", func(_ context.Context, ec job.ExecutionContext) (any, error) {
		return string(ec.TriggerType), nil
	}, job.Options{Trigger: every(t, time.Hour)})
	require.NoError(t, err)

	runID, err := s.RunJob("ping")
	require.NoError(t, err)
	assert.Regexp(t, `^run_\d{8}_\d{6}_[a-z0-9]{6}$`, runID)

	e := waitEvent(t, executed)
	assert.Equal(t, runID, e.RunID)
	assert.Equal(t, "manual", e.Result)

	_, err = s.RunJob("nope")
	assert.ErrorIs(t, err, job.ErrJobNotFound)
}

func TestPauseResumeRemoveMirrorsStore(t *testing.T) {
	t.Parallel()
	store := storage.NewMemoryJobStore()
	s := startService(t, Config{}, Deps{Store: store})
	paused := collect(s.Bus(), eventbus.JobPaused)
	resumed := collect(s.Bus(), eventbus.JobResumed)
	removed := collect(s.Bus(), eventbus.JobRemoved)

	_, err := s.AddJob("sync", noop, job.Options{Trigger: every(t, time.Hour)})
	require.NoError(t, err)

	ctx := context.Background()
	sj, err := store.LookupJob(ctx, "sync")
	require.NoError(t, err)
	require.NotNil(t, sj)
	assert.False(t, sj.Paused)

	require.True(t, s.PauseJob("sync"))
	waitEvent(t, paused)
	sj, _ = store.LookupJob(ctx, "sync")
	assert.True(t, sj.Paused)

	require.True(t, s.ResumeJob("sync"))
	waitEvent(t, resumed)
	j, _ := s.GetJob("sync")
	assert.False(t, j.Paused)

	assert.False(t, s.PauseJob("ghost"))
	assert.False(t, s.ResumeJob("ghost"))

	require.True(t, s.RemoveJob("sync"))
	assert.Equal(t, "sync", waitEvent(t, removed).JobCode)
	sj, err = store.LookupJob(ctx, "sync")
	require.NoError(t, err)
	assert.Nil(t, sj)
	assert.False(t, s.RemoveJob("sync"))
}

func TestCronFiresAndSkipsPausedJobs(t *testing.T) {
	t.Parallel()
	s := startService(t, Config{Enabled: true, Workers: 2}, Deps{})

	var fast, paused atomic.Int32
	_, err := s.AddJob("fast", func(context.Context, job.ExecutionContext) (any, error) {
		fast.Add(1)
		return nil, nil
	}, job.Options{Trigger: every(t, 50*time.Millisecond)})
	require.NoError(t, err)
	_, err = s.AddJob("sleepy", func(context.Context, job.ExecutionContext) (any, error) {
		paused.Add(1)
		return nil, nil
	}, job.Options{Trigger: every(t, 50*time.Millisecond), Paused: true})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return fast.Load() >= 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, paused.Load())

	j, _ := s.GetJob("fast")
	assert.GreaterOrEqual(t, j.RunCount, int64(2))
	assert.Equal(t, job.StatusSuccess, j.LastStatus)

	snap := s.Snapshot()
	assert.True(t, snap.Running)
	assert.Equal(t, 2, snap.ActiveJobs)
	assert.Equal(t, 1, snap.PausedJobs)
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true}, Deps{})
	s.Start(context.Background())
	s.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, s.Shutdown(ctx))
	assert.False(t, s.Snapshot().Running)

	_, err := s.AddJob("late", noop, job.Options{Trigger: every(t, time.Hour)})
	require.NoError(t, err)
	_, err = s.RunJob("late")
	assert.Error(t, err)
}

func TestApplyChangesTimezone(t *testing.T) {
	t.Parallel()
	s := startService(t, Config{Enabled: true, Timezone: "UTC"}, Deps{})
	_, err := s.AddSchedule("nightly", "0 2 * * *", noop, job.Options{})
	require.NoError(t, err)

	s.Apply(context.Background(), Config{Enabled: true, Timezone: "Asia/Jakarta"})
	assert.Equal(t, "Asia/Jakarta", s.Location().String())
	assert.Equal(t, "Asia/Jakarta", s.Snapshot().Timezone)

	j, ok := s.GetJob("nightly")
	require.True(t, ok)
	assert.False(t, j.NextRunTime.IsZero())
}
