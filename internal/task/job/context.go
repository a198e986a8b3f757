package job

import (
	"crypto/rand"
	"math/big"
	"sync/atomic"
	"time"
)

type TriggerType string

const (
	TriggerScheduled TriggerType = "scheduled"
	TriggerManual    TriggerType = "manual"
	TriggerRetry     TriggerType = "retry"
)

// ExecutionContext describes one attempt of one job.
type ExecutionContext struct {
	JobID         string      `json:"job_id"`
	JobCode       string      `json:"job_code"`
	JobName       string      `json:"job_name"`
	Description   string      `json:"description,omitempty"`
	RunID         string      `json:"run_id"`
	ScheduledTime time.Time   `json:"scheduled_time"`
	StartTime     time.Time   `json:"start_time"`
	Attempt       int         `json:"attempt"`
	TriggerType   TriggerType `json:"trigger_type"`
	RetryOf       string      `json:"retry_of,omitempty"`
}

// NewContext builds the context for the first attempt of a run.
func NewContext(j Job, tt TriggerType, scheduled, now time.Time) ExecutionContext {
	if scheduled.IsZero() {
		scheduled = now
	}
	return ExecutionContext{
		JobID:         j.ID,
		JobCode:       j.Code,
		JobName:       j.Name,
		Description:   j.Description,
		RunID:         NewRunID(now),
		ScheduledTime: scheduled,
		Attempt:       1,
		TriggerType:   tt,
	}
}

// Retry derives the context for the next attempt.
func (ec ExecutionContext) Retry(now time.Time) ExecutionContext {
	next := ec
	next.RunID = NewRunID(now)
	next.ScheduledTime = now
	next.StartTime = time.Time{}
	next.Attempt = ec.Attempt + 1
	next.TriggerType = TriggerRetry
	next.RetryOf = ec.RunID
	return next
}

const runIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

var runIDSeq uint64

// NewRunID returns run_<YYYYMMDD>_<HHMMSS>_<6 chars>. The first three suffix
// chars come from a process-wide counter, so ids generated in the same
// second never collide within a process.
func NewRunID(now time.Time) string {
	var suf [6]byte
	n := atomic.AddUint64(&runIDSeq, 1)
	base := uint64(len(runIDAlphabet))
	for i := 2; i >= 0; i-- {
		suf[i] = runIDAlphabet[n%base]
		n /= base
	}
	for i := 3; i < 6; i++ {
		suf[i] = runIDAlphabet[randIndex(len(runIDAlphabet))]
	}
	return "run_" + now.Format("20060102_150405") + "_" + string(suf[:])
}

func randIndex(n int) int {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return int(time.Now().UnixNano() % int64(n))
	}
	return int(v.Int64())
}
