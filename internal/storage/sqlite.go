package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"jobsched/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// DB is the shared sqlite handle used by SQLiteJobStore and the execution history.
type DB struct {
	db  *sql.DB
	log logx.Logger
}

// OpenDB opens (creating if needed) the sqlite file at path and applies migrations.
func OpenDB(path string, busyTimeout time.Duration, log logx.Logger) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "create sqlite dir")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	d := NewDB(db, log)
	if err := d.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// NewDB wraps an already-open handle without running migrations.
func NewDB(db *sql.DB, log logx.Logger) *DB {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DB{db: db, log: log.With(logx.String("comp", "sqlite"))}
}

func (d *DB) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return errors.Wrap(err, "read migrations")
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrap(err, "apply migrations")
		}
	}
	return nil
}

// SQL exposes the underlying handle.
func (d *DB) SQL() *sql.DB { return d.db }

func (d *DB) Logger() logx.Logger { return d.log }

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// SQLiteJobStore keeps jobs in the jobs table.
type SQLiteJobStore struct {
	db *DB
}

func NewSQLiteJobStore(db *DB) *SQLiteJobStore { return &SQLiteJobStore{db: db} }

const jobColumns = `id, job_id, name, description, trigger_spec, parent_code, paused, next_run_time,
	run_count, success_count, fail_count, last_run_time, last_status, updated_at`

func (s *SQLiteJobStore) AddJob(ctx context.Context, j StoredJob) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = time.Now()
	}
	res, err := s.db.db.ExecContext(ctx,
		`INSERT INTO jobs(`+jobColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		j.ID, j.JobID, j.Name, j.Description, j.Trigger, j.ParentCode, j.Paused, nullMillis(j.NextRunTime),
		j.RunCount, j.SuccessCount, j.FailCount, nullMillis(j.LastRunTime), j.LastStatus, j.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return errors.Wrapf(err, "insert job %q", j.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrConflictingID, "id %q", j.ID)
	}
	return nil
}

func (s *SQLiteJobStore) UpdateJob(ctx context.Context, j StoredJob) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = time.Now()
	}
	res, err := s.db.db.ExecContext(ctx,
		`UPDATE jobs SET job_id=?, name=?, description=?, trigger_spec=?, parent_code=?, paused=?, next_run_time=?,
		 run_count=?, success_count=?, fail_count=?, last_run_time=?, last_status=?, updated_at=? WHERE id=?`,
		j.JobID, j.Name, j.Description, j.Trigger, j.ParentCode, j.Paused, nullMillis(j.NextRunTime),
		j.RunCount, j.SuccessCount, j.FailCount, nullMillis(j.LastRunTime), j.LastStatus, j.UpdatedAt.UnixMilli(), j.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "update job %q", j.ID)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrJobNotFound, "id %q", j.ID)
	}
	return nil
}

func (s *SQLiteJobStore) RemoveJob(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	res, err := s.db.db.ExecContext(ctx, `DELETE FROM jobs WHERE id=?`, id)
	if err != nil {
		return errors.Wrapf(err, "delete job %q", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrJobNotFound, "id %q", id)
	}
	return nil
}

func (s *SQLiteJobStore) LookupJob(ctx context.Context, id string) (*StoredJob, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	row := s.db.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "lookup job %q", id)
	}
	return &j, nil
}

func (s *SQLiteJobStore) GetDueJobs(ctx context.Context, now time.Time) ([]StoredJob, error) {
	return s.query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE paused=0 AND next_run_time IS NOT NULL AND next_run_time<=?
		 ORDER BY next_run_time ASC, id ASC`, now.UnixMilli())
}

func (s *SQLiteJobStore) GetAllJobs(ctx context.Context) ([]StoredJob, error) {
	return s.query(ctx, `SELECT `+jobColumns+` FROM jobs ORDER BY id ASC`)
}

func (s *SQLiteJobStore) GetNextRunTime(ctx context.Context) (*time.Time, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var ms sql.NullInt64
	err := s.db.db.QueryRowContext(ctx,
		`SELECT MIN(next_run_time) FROM jobs WHERE paused=0 AND next_run_time IS NOT NULL`).Scan(&ms)
	if err != nil {
		return nil, errors.Wrap(err, "next run time")
	}
	if !ms.Valid {
		return nil, nil
	}
	t := time.UnixMilli(ms.Int64)
	return &t, nil
}

// Close is a no-op; the DB handle is shared and closed by its owner.
func (s *SQLiteJobStore) Close() error { return nil }

func (s *SQLiteJobStore) query(ctx context.Context, q string, args ...any) ([]StoredJob, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query jobs")
	}
	defer rows.Close()
	var out []StoredJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan job")
		}
		out = append(out, j)
	}
	return out, errors.Wrap(rows.Err(), "iterate jobs")
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (StoredJob, error) {
	var j StoredJob
	var next, last sql.NullInt64
	var updated int64
	err := sc.Scan(&j.ID, &j.JobID, &j.Name, &j.Description, &j.Trigger, &j.ParentCode, &j.Paused, &next,
		&j.RunCount, &j.SuccessCount, &j.FailCount, &last, &j.LastStatus, &updated)
	if err != nil {
		return StoredJob{}, err
	}
	if next.Valid {
		j.NextRunTime = time.UnixMilli(next.Int64)
	}
	if last.Valid {
		j.LastRunTime = time.UnixMilli(last.Int64)
	}
	j.UpdatedAt = time.UnixMilli(updated)
	return j, nil
}

func nullMillis(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

// NullMillis converts a time into a nullable unix-millis column value.
func NullMillis(t time.Time) any { return nullMillis(t) }

// FromNullMillis is the inverse of NullMillis.
func FromNullMillis(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64)
}
