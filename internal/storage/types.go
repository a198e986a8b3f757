package storage

import (
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrConflictingID = errors.New("conflicting job id")
	ErrJobNotFound   = errors.New("job not found in store")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): process-local map, nothing survives a restart
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// StoredJob is the persisted view of a registered job. ID is the job code.
type StoredJob struct {
	ID           string    `json:"id"`
	JobID        string    `json:"job_id,omitempty"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Trigger      string    `json:"trigger"`
	ParentCode   string    `json:"parent_code,omitempty"`
	Paused       bool      `json:"paused"`
	NextRunTime  time.Time `json:"next_run_time,omitempty"`
	RunCount     int64     `json:"run_count"`
	SuccessCount int64     `json:"success_count"`
	FailCount    int64     `json:"fail_count"`
	LastRunTime  time.Time `json:"last_run_time,omitempty"`
	LastStatus   string    `json:"last_status,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
