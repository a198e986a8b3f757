package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cockroachdb/errors"

	"jobsched/internal/storage"
	"jobsched/internal/task/job"
	"jobsched/pkg/logx"
)

const statDateLayout = "2006-01-02"

// maxResultLen bounds the stored JSON result. An oversized result is stored
// as a JSON string holding its cut encoding plus truncatedMark.
const (
	maxResultLen  = 64 * 1024
	truncatedMark = "...(truncated)"
)

// SQL stores history in the job_executions and job_stats tables.
type SQL struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func NewSQL(db *storage.DB) *SQL {
	return &SQL{db: db.SQL(), log: db.Logger().With(logx.String("comp", "history")), now: time.Now}
}

var _ Manager = (*SQL)(nil)

func (h *SQL) Enabled() bool { return true }

const upsertExecution = `INSERT INTO job_executions(run_id, job_id, job_code, job_name, status, trigger_type, attempt, retry_of,
	scheduled_time, start_time, end_time, duration_ms, result, error, traceback)
	VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	ON CONFLICT(run_id) DO UPDATE SET status=excluded.status, end_time=excluded.end_time,
	duration_ms=excluded.duration_ms, result=excluded.result, error=excluded.error, traceback=excluded.traceback`

const upsertStat = `INSERT INTO job_stats(job_code, stat_date, total, success, failed, timeout, total_duration_ms, max_duration_ms)
	VALUES(?,?,1,?,?,?,?,?)
	ON CONFLICT(job_code, stat_date) DO UPDATE SET total=total+1, success=success+excluded.success,
	failed=failed+excluded.failed, timeout=timeout+excluded.timeout,
	total_duration_ms=total_duration_ms+excluded.total_duration_ms,
	max_duration_ms=MAX(max_duration_ms, excluded.max_duration_ms)`

func startOf(ec job.ExecutionContext, now time.Time) time.Time {
	if !ec.StartTime.IsZero() {
		return ec.StartTime
	}
	return now
}

func (h *SQL) RecordStart(ctx context.Context, ec job.ExecutionContext) error {
	start := startOf(ec, h.now())
	_, err := h.db.ExecContext(ctx, upsertExecution,
		ec.RunID, ec.JobID, ec.JobCode, ec.JobName, string(job.StatusRunning), string(ec.TriggerType), ec.Attempt, ec.RetryOf,
		storage.NullMillis(ec.ScheduledTime), start.UnixMilli(), nil, nil, nil, nil, nil,
	)
	return errors.Wrapf(err, "history: record start %s", ec.RunID)
}

func (h *SQL) RecordSuccess(ctx context.Context, ec job.ExecutionContext, result any, durMS int64) error {
	return h.finish(ctx, ec, job.StatusSuccess, encodeResult(result), "", "", durMS)
}

func (h *SQL) RecordFailure(ctx context.Context, ec job.ExecutionContext, status job.Status, errMsg, traceback string, durMS int64) error {
	if status != job.StatusTimeout {
		status = job.StatusFailed
	}
	return h.finish(ctx, ec, status, "", errMsg, traceback, durMS)
}

func (h *SQL) finish(ctx context.Context, ec job.ExecutionContext, status job.Status, result, errMsg, traceback string, durMS int64) (err error) {
	now := h.now()
	start := startOf(ec, now)

	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "history: begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx, upsertExecution,
		ec.RunID, ec.JobID, ec.JobCode, ec.JobName, string(status), string(ec.TriggerType), ec.Attempt, ec.RetryOf,
		storage.NullMillis(ec.ScheduledTime), start.UnixMilli(), now.UnixMilli(), durMS,
		nullStr(result), nullStr(errMsg), nullStr(traceback),
	)
	if err != nil {
		return errors.Wrapf(err, "history: record %s %s", status, ec.RunID)
	}

	var success, failed, timeout int
	switch status {
	case job.StatusSuccess:
		success = 1
	case job.StatusTimeout:
		timeout = 1
	default:
		failed = 1
	}
	_, err = tx.ExecContext(ctx, upsertStat,
		ec.JobCode, start.UTC().Format(statDateLayout), success, failed, timeout, durMS, durMS,
	)
	if err != nil {
		return errors.Wrapf(err, "history: update stats %s", ec.JobCode)
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "history: commit")
	}
	return nil
}

const executionColumns = `run_id, job_id, job_code, job_name, status, trigger_type, attempt, retry_of,
	scheduled_time, start_time, end_time, duration_ms, result, error, traceback`

func (h *SQL) GetExecution(ctx context.Context, runID string) (*Execution, error) {
	row := h.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM job_executions WHERE run_id=?`, runID)
	e, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrExecutionNotFound, "run %q", runID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "history: get %s", runID)
	}
	return &e, nil
}

func (h *SQL) GetExecutions(ctx context.Context, f Filter, p Page) (ExecutionPage, error) {
	p = p.normalize()
	total, err := h.CountExecutions(ctx, f)
	if err != nil {
		return ExecutionPage{}, err
	}
	where, args := f.where()
	args = append(args, p.PageSize, (p.Page-1)*p.PageSize)
	rows, err := h.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM job_executions`+where+` ORDER BY start_time DESC, run_id DESC LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return ExecutionPage{}, errors.Wrap(err, "history: list")
	}
	defer rows.Close()

	items := make([]Execution, 0, p.PageSize)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return ExecutionPage{}, errors.Wrap(err, "history: scan")
		}
		items = append(items, e)
	}
	if err := rows.Err(); err != nil {
		return ExecutionPage{}, errors.Wrap(err, "history: iterate")
	}
	return ExecutionPage{Items: items, Total: total, Page: p.Page, PageSize: p.PageSize}, nil
}

func (h *SQL) CountExecutions(ctx context.Context, f Filter) (int64, error) {
	where, args := f.where()
	var n int64
	if err := h.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM job_executions`+where, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "history: count")
	}
	return n, nil
}

func (f Filter) where() (string, []any) {
	var conds []string
	var args []any
	if f.JobCode != "" {
		conds = append(conds, "job_code=?")
		args = append(args, f.JobCode)
	}
	if f.Status != "" {
		conds = append(conds, "status=?")
		args = append(args, f.Status)
	}
	if f.TriggerType != "" {
		conds = append(conds, "trigger_type=?")
		args = append(args, f.TriggerType)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "start_time>=?")
		args = append(args, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		conds = append(conds, "start_time<?")
		args = append(args, f.Until.UnixMilli())
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (h *SQL) GetStats(ctx context.Context, f StatsFilter) ([]Stat, error) {
	var conds []string
	var args []any
	if f.JobCode != "" {
		conds = append(conds, "job_code=?")
		args = append(args, f.JobCode)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "stat_date>=?")
		args = append(args, f.Since.UTC().Format(statDateLayout))
	}
	if !f.Until.IsZero() {
		conds = append(conds, "stat_date<=?")
		args = append(args, f.Until.UTC().Format(statDateLayout))
	}
	q := `SELECT job_code, stat_date, total, success, failed, timeout, total_duration_ms, max_duration_ms FROM job_stats`
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY stat_date DESC, job_code ASC"

	rows, err := h.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "history: stats")
	}
	defer rows.Close()
	out := []Stat{}
	for rows.Next() {
		var s Stat
		if err := rows.Scan(&s.JobCode, &s.Date, &s.Total, &s.Success, &s.Failed, &s.Timeout, &s.TotalDurationMS, &s.MaxDurationMS); err != nil {
			return nil, errors.Wrap(err, "history: scan stats")
		}
		if s.Total > 0 {
			s.AvgDurationMS = float64(s.TotalDurationMS) / float64(s.Total)
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "history: iterate stats")
}

func (h *SQL) CleanupOldHistory(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := h.now().AddDate(0, 0, -days)
	res, err := h.db.ExecContext(ctx, `DELETE FROM job_executions WHERE start_time<?`, cutoff.UnixMilli())
	if err != nil {
		return 0, errors.Wrap(err, "history: cleanup executions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (h *SQL) CleanupOldStats(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := h.now().AddDate(0, 0, -days).UTC().Format(statDateLayout)
	res, err := h.db.ExecContext(ctx, `DELETE FROM job_stats WHERE stat_date<?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "history: cleanup stats")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(sc scanner) (Execution, error) {
	var e Execution
	var status string
	var scheduled, end, dur sql.NullInt64
	var start int64
	var result, errMsg, tb sql.NullString
	err := sc.Scan(&e.RunID, &e.JobID, &e.JobCode, &e.JobName, &status, &e.TriggerType, &e.Attempt, &e.RetryOf,
		&scheduled, &start, &end, &dur, &result, &errMsg, &tb)
	if err != nil {
		return Execution{}, err
	}
	e.Status = job.Status(status)
	e.ScheduledTime = storage.FromNullMillis(scheduled)
	e.StartTime = time.UnixMilli(start)
	e.EndTime = storage.FromNullMillis(end)
	e.DurationMS = dur.Int64
	e.Result = result.String
	e.Error = errMsg.String
	e.Traceback = tb.String
	return e, nil
}

func encodeResult(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprint(v))
	}
	if len(b) > maxResultLen {
		cut := maxResultLen
		for cut > 0 && !utf8.RuneStart(b[cut]) {
			cut--
		}
		b, _ = json.Marshal(string(b[:cut]) + truncatedMark)
	}
	return string(b)
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
