// Package history records job executions and daily per-job statistics.
package history

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/task/job"
)

var (
	ErrDisabled          = errors.New("history disabled")
	ErrExecutionNotFound = errors.New("execution not found")
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// Execution is one recorded attempt.
type Execution struct {
	RunID         string     `json:"run_id"`
	JobID         string     `json:"job_id"`
	JobCode       string     `json:"job_code"`
	JobName       string     `json:"job_name"`
	Status        job.Status `json:"status"`
	TriggerType   string     `json:"trigger_type"`
	Attempt       int        `json:"attempt"`
	RetryOf       string     `json:"retry_of,omitempty"`
	ScheduledTime time.Time  `json:"scheduled_time,omitempty"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       time.Time  `json:"end_time,omitempty"`
	DurationMS    int64      `json:"duration_ms"`
	Result        string     `json:"result,omitempty"`
	Error         string     `json:"error,omitempty"`
	Traceback     string     `json:"traceback,omitempty"`
}

type Filter struct {
	JobCode     string
	Status      string
	TriggerType string
	Since       time.Time
	Until       time.Time
}

// Page is 1-based.
type Page struct {
	Page     int
	PageSize int
}

func (p Page) normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = DefaultPageSize
	}
	if p.PageSize > MaxPageSize {
		p.PageSize = MaxPageSize
	}
	return p
}

type ExecutionPage struct {
	Items    []Execution `json:"items"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
}

type StatsFilter struct {
	JobCode string
	Since   time.Time
	Until   time.Time
}

// Stat is one (job, day) aggregate.
type Stat struct {
	JobCode         string  `json:"job_code"`
	Date            string  `json:"date"`
	Total           int64   `json:"total"`
	Success         int64   `json:"success"`
	Failed          int64   `json:"failed"`
	Timeout         int64   `json:"timeout"`
	TotalDurationMS int64   `json:"total_duration_ms"`
	MaxDurationMS   int64   `json:"max_duration_ms"`
	AvgDurationMS   float64 `json:"avg_duration_ms"`
}

// Manager is the execution history backend used by the pipeline and the
// admin API. Every method is safe for concurrent use.
type Manager interface {
	Enabled() bool
	RecordStart(ctx context.Context, ec job.ExecutionContext) error
	RecordSuccess(ctx context.Context, ec job.ExecutionContext, result any, durMS int64) error
	RecordFailure(ctx context.Context, ec job.ExecutionContext, status job.Status, errMsg, traceback string, durMS int64) error
	GetExecution(ctx context.Context, runID string) (*Execution, error)
	GetExecutions(ctx context.Context, f Filter, p Page) (ExecutionPage, error)
	CountExecutions(ctx context.Context, f Filter) (int64, error)
	GetStats(ctx context.Context, f StatsFilter) ([]Stat, error)
	CleanupOldHistory(ctx context.Context, days int) (int64, error)
	CleanupOldStats(ctx context.Context, days int) (int64, error)
}

// Nop records nothing.
type Nop struct{}

func (Nop) Enabled() bool { return false }

func (Nop) RecordStart(context.Context, job.ExecutionContext) error { return nil }

func (Nop) RecordSuccess(context.Context, job.ExecutionContext, any, int64) error { return nil }

func (Nop) RecordFailure(context.Context, job.ExecutionContext, job.Status, string, string, int64) error {
	return nil
}

func (Nop) GetExecution(context.Context, string) (*Execution, error) { return nil, ErrDisabled }

func (Nop) GetExecutions(_ context.Context, _ Filter, p Page) (ExecutionPage, error) {
	p = p.normalize()
	return ExecutionPage{Items: []Execution{}, Page: p.Page, PageSize: p.PageSize}, nil
}

func (Nop) CountExecutions(context.Context, Filter) (int64, error) { return 0, nil }

func (Nop) GetStats(context.Context, StatsFilter) ([]Stat, error) { return []Stat{}, nil }

func (Nop) CleanupOldHistory(context.Context, int) (int64, error) { return 0, nil }

func (Nop) CleanupOldStats(context.Context, int) (int64, error) { return 0, nil }

var _ Manager = Nop{}
