// Package job holds the job model: definitions, per-run execution context,
// run ids, and the registry that owns every registered job.
package job

import (
	"context"
	"time"

	"jobsched/internal/task/retry"
	"jobsched/internal/task/trigger"
)

// Func is a job body. ctx is cancelled when the attempt times out or the
// scheduler shuts down. The returned value is recorded as the run result.
type Func func(ctx context.Context, ec ExecutionContext) (any, error)

type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

// SubCodeSep separates a multi-trigger parent code from the sub-job index.
const SubCodeSep = "#"

// Options configure a registration.
type Options struct {
	Name        string
	Description string

	// Trigger or Triggers (len > 1 registers a multi-trigger job).
	Trigger  trigger.Trigger
	Triggers []trigger.Trigger

	Concurrent   *bool // default true
	MaxInstances int   // default 1
	Timeout      time.Duration

	// MaxRetries/RetryDelay build a fixed strategy. A non-nil Retry wins and
	// overwrites both.
	MaxRetries int
	RetryDelay time.Duration
	Retry      *retry.Strategy

	ReplaceExisting bool
	// Merge adds the given trigger(s) to an existing job as new sub-jobs.
	Merge  bool
	Paused bool
}

// Job is an immutable snapshot of a registered job.
type Job struct {
	Code        string `json:"code"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Trigger      trigger.Trigger   `json:"-"`
	Triggers     []trigger.Trigger `json:"-"`
	TriggerSpecs []string          `json:"triggers"`

	Paused       bool           `json:"paused"`
	Concurrent   bool           `json:"concurrent"`
	MaxInstances int            `json:"max_instances"`
	Timeout      time.Duration  `json:"timeout"`
	MaxRetries   int            `json:"max_retries"`
	RetryDelay   time.Duration  `json:"retry_delay"`
	Retry        *retry.Strategy `json:"-"`

	RunCount     int64     `json:"run_count"`
	SuccessCount int64     `json:"success_count"`
	FailCount    int64     `json:"fail_count"`
	LastRunTime  time.Time `json:"last_run_time,omitempty"`
	LastRunID    string    `json:"last_run_id,omitempty"`
	LastStatus   Status    `json:"last_status,omitempty"`

	ParentCode     string   `json:"parent_code,omitempty"`
	IsMultiTrigger bool     `json:"is_multi_trigger"`
	SubJobCodes    []string `json:"sub_job_codes,omitempty"`

	NextRunTime time.Time `json:"next_run_time,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	Func Func `json:"-"`
}

// TriggerString describes the job's trigger(s) for logs and storage.
func (j Job) TriggerString() string {
	if j.Trigger != nil {
		return j.Trigger.String()
	}
	if len(j.TriggerSpecs) == 0 {
		return ""
	}
	out := j.TriggerSpecs[0]
	for _, s := range j.TriggerSpecs[1:] {
		out += "," + s
	}
	return out
}
