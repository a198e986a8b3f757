package history

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobsched/internal/storage"
	"jobsched/internal/task/job"
	"jobsched/pkg/logx"
)

func openSQL(t *testing.T) *SQL {
	t.Helper()
	db, err := storage.OpenDB(filepath.Join(t.TempDir(), "history.db"), 0, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQL(db)
}

func execCtx(code string, attempt int, start time.Time) job.ExecutionContext {
	return job.ExecutionContext{
		JobID:         "id-" + code,
		JobCode:       code,
		JobName:       code,
		RunID:         job.NewRunID(start),
		ScheduledTime: start,
		StartTime:     start,
		Attempt:       attempt,
		TriggerType:   job.TriggerScheduled,
	}
}

func TestRecordLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openSQL(t)
	start := time.Now().Add(-time.Minute).Truncate(time.Millisecond)

	ok := execCtx("a", 1, start)
	require.NoError(t, h.RecordStart(ctx, ok))
	e, err := h.GetExecution(ctx, ok.RunID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusRunning, e.Status)
	assert.True(t, e.EndTime.IsZero())

	require.NoError(t, h.RecordSuccess(ctx, ok, map[string]int{"rows": 3}, 120))
	e, err = h.GetExecution(ctx, ok.RunID)
	require.NoError(t, err)
	assert.Equal(t, job.StatusSuccess, e.Status)
	assert.JSONEq(t, `{"rows":3}`, e.Result)
	assert.Equal(t, int64(120), e.DurationMS)
	assert.True(t, e.StartTime.Equal(start))

	bad := execCtx("a", 1, start.Add(time.Second))
	require.NoError(t, h.RecordStart(ctx, bad))
	require.NoError(t, h.RecordFailure(ctx, bad, job.StatusTimeout, "Job timed out after 1s", "trace", 1000))

	other := execCtx("b", 2, start.Add(2*time.Second))
	other.TriggerType = job.TriggerRetry
	require.NoError(t, h.RecordFailure(ctx, other, job.StatusFailed, "boom", "", 5))

	page, err := h.GetExecutions(ctx, Filter{JobCode: "a"}, Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, bad.RunID, page.Items[0].RunID, "newest first")
	assert.Equal(t, DefaultPageSize, page.PageSize)

	page, err = h.GetExecutions(ctx, Filter{TriggerType: "retry"}, Page{Page: 1, PageSize: 1000})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "boom", page.Items[0].Error)
	assert.Equal(t, MaxPageSize, page.PageSize)

	n, err := h.CountExecutions(ctx, Filter{Status: string(job.StatusTimeout)})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := h.GetStats(ctx, StatsFilter{JobCode: "a"})
	require.NoError(t, err)
	require.Len(t, stats, 1)
	assert.Equal(t, int64(2), stats[0].Total)
	assert.Equal(t, int64(1), stats[0].Success)
	assert.Equal(t, int64(1), stats[0].Timeout)
	assert.Equal(t, int64(1000), stats[0].MaxDurationMS)
	assert.InDelta(t, 560.0, stats[0].AvgDurationMS, 0.01)
}

func TestGetExecutionNotFound(t *testing.T) {
	t.Parallel()
	h := openSQL(t)
	_, err := h.GetExecution(context.Background(), "run_nope")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestCleanup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := openSQL(t)
	now := time.Now()

	old := execCtx("a", 1, now.AddDate(0, 0, -40))
	recent := execCtx("a", 1, now.Add(-time.Hour))
	require.NoError(t, h.RecordSuccess(ctx, old, nil, 1))
	require.NoError(t, h.RecordSuccess(ctx, recent, nil, 1))

	n, err := h.CleanupOldHistory(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = h.CleanupOldStats(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = h.CleanupOldHistory(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.GetExecution(ctx, recent.RunID)
	assert.NoError(t, err)
}

func newMock(t *testing.T) (*SQL, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewSQL(storage.NewDB(db, logx.Nop())), mock
}

func TestRecordStartError(t *testing.T) {
	t.Parallel()
	h, mock := newMock(t)
	mock.ExpectExec("INSERT INTO job_executions").WillReturnError(errors.New("disk full"))

	err := h.RecordStart(context.Background(), execCtx("a", 1, time.Now()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRollsBackOnStatsError(t *testing.T) {
	t.Parallel()
	h, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO job_executions").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO job_stats").WillReturnError(errors.New("locked"))
	mock.ExpectRollback()

	err := h.RecordFailure(context.Background(), execCtx("a", 1, time.Now()), job.StatusFailed, "x", "", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update stats")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListCountError(t *testing.T) {
	t.Parallel()
	h, mock := newMock(t)
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("gone"))

	_, err := h.GetExecutions(context.Background(), Filter{}, Page{})
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNop(t *testing.T) {
	t.Parallel()
	var h Manager = Nop{}
	ctx := context.Background()
	assert.False(t, h.Enabled())
	assert.NoError(t, h.RecordStart(ctx, job.ExecutionContext{}))
	_, err := h.GetExecution(ctx, "x")
	assert.ErrorIs(t, err, ErrDisabled)
	page, err := h.GetExecutions(ctx, Filter{}, Page{})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
	assert.Equal(t, 1, page.Page)
}

func TestEncodeResultTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()
	// the quote makes every 2-byte rune start at an odd offset, so the cut
	// at maxResultLen lands inside a rune
	big := strings.Repeat("é", maxResultLen)
	enc := encodeResult(big)

	assert.True(t, json.Valid([]byte(enc)))
	assert.True(t, utf8.ValidString(enc))
	assert.LessOrEqual(t, len(enc), maxResultLen+len(truncatedMark)+8)

	var got string
	require.NoError(t, json.Unmarshal([]byte(enc), &got))
	assert.True(t, strings.HasSuffix(got, truncatedMark))
	assert.True(t, strings.HasPrefix(got, `"éé`))

	small := encodeResult(map[string]int{"rows": 3})
	assert.JSONEq(t, `{"rows":3}`, small)
	assert.Empty(t, encodeResult(nil))
}
