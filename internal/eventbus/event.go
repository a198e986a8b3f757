package eventbus

import "time"

type Kind string

const (
	JobExecuted Kind = "job.executed"
	JobError    Kind = "job.error"
	JobRetry    Kind = "job.retry"
	JobMissed   Kind = "job.missed"
	JobPaused   Kind = "job.paused"
	JobResumed  Kind = "job.resumed"
	JobAdded    Kind = "job.added"
	JobRemoved  Kind = "job.removed"
)

// Missed reasons.
const (
	ReasonMisfire      = "misfire"
	ReasonCoalesced    = "coalesced"
	ReasonQueueFull    = "queue_full"
	ReasonMaxInstances = "max_instances"
	ReasonStopped      = "stopped"
)

// Event is an immutable snapshot of a job lifecycle moment. Fields that do
// not apply to a kind are left zero.
type Event struct {
	Kind Kind      `json:"kind"`
	Time time.Time `json:"time"`

	JobID         string    `json:"job_id,omitempty"`
	JobCode       string    `json:"job_code"`
	JobName       string    `json:"job_name,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
	ScheduledTime time.Time `json:"scheduled_time,omitempty"`
	StartTime     time.Time `json:"start_time,omitempty"`
	EndTime       time.Time `json:"end_time,omitempty"`
	Attempt       int       `json:"attempt,omitempty"`
	TriggerType   string    `json:"trigger_type,omitempty"`
	RetryOf       string    `json:"retry_of,omitempty"`

	Duration      time.Duration `json:"duration,omitempty"`
	Result        any           `json:"result,omitempty"`
	Error         string        `json:"error,omitempty"`
	Traceback     string        `json:"traceback,omitempty"`
	Status        string        `json:"status,omitempty"`
	NextRetryTime time.Time     `json:"next_retry_time,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}
