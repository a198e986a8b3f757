package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/task/httpjob"
	"jobsched/internal/task/retry"
)

// Config is the file-backed runtime configuration.
//
// Durations are Go duration strings ("500ms", "10s", "1m"). Empty means the
// component default.
type Config struct {
	Scheduler SchedulerConfig `json:"scheduler"`
	Store     StoreConfig     `json:"store"`
	Lock      LockConfig      `json:"lock"`
	History   HistoryConfig   `json:"history"`
	Logging   LoggingConfig   `json:"logging"`
	API       APIConfig       `json:"api"`
	Tracing   TracingConfig   `json:"tracing"`
	Jobs      []JobConfig     `json:"jobs,omitempty"`
}

// SchedulerConfig controls dispatch and execution.
//
// Defaults (when fields are omitted/zero):
//   - max_workers: 10
//   - queue_size: 256
//   - misfire_grace_time: "" (late runs always execute)
//   - default_timeout: "" (no timeout)
//   - shutdown_timeout: "30s"
type SchedulerConfig struct {
	Enabled          bool   `json:"enabled"`
	Timezone         string `json:"timezone,omitempty"`
	MaxWorkers       int    `json:"max_workers,omitempty"`
	QueueSize        int    `json:"queue_size,omitempty"`
	Coalesce         bool   `json:"coalesce,omitempty"`
	MisfireGraceTime string `json:"misfire_grace_time,omitempty"`
	DefaultTimeout   string `json:"default_timeout,omitempty"`
	ShutdownTimeout  string `json:"shutdown_timeout,omitempty"`
}

// StoreConfig selects the job store.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./data/jobsched.db" }
type StoreConfig struct {
	Driver      string `json:"driver,omitempty"` // memory | file | sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// LockConfig selects the execution lock backend. Distributed requires
// RedisURL; otherwise the in-process lock is used.
type LockConfig struct {
	Distributed bool   `json:"distributed,omitempty"`
	RedisURL    string `json:"redis_url,omitempty"` // may carry a password (do not log)
	Timeout     string `json:"timeout,omitempty"`
	KeyPrefix   string `json:"key_prefix,omitempty"`
}

type HistoryConfig struct {
	Enabled         bool   `json:"enabled"`
	Path            string `json:"path,omitempty"` // defaults to store.path for sqlite stores
	RetentionDays   int    `json:"retention_days,omitempty"`
	CleanupInterval string `json:"cleanup_interval,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"` // raw JSON lines on the console
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// APIConfig controls the admin HTTP server.
//
// Security note: binding to a non-loopback address requires a token or
// allow_insecure.
type APIConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:8080"
	Debug         bool   `json:"debug,omitempty"`
	Token         string `json:"token,omitempty"` // bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type TracingConfig struct {
	Enabled bool `json:"enabled"`
}

// JobConfig declares an HTTP job. More than one schedule registers a
// multi-trigger job.
type JobConfig struct {
	Code         string        `json:"code"`
	Name         string        `json:"name,omitempty"`
	Description  string        `json:"description,omitempty"`
	Schedules    []string      `json:"schedules"`
	Paused       bool          `json:"paused,omitempty"`
	Concurrent   *bool         `json:"concurrent,omitempty"`
	MaxInstances int           `json:"max_instances,omitempty"`
	Timeout      string        `json:"timeout,omitempty"`
	Retry        *RetryConfig  `json:"retry,omitempty"`
	HTTP         HTTPJobConfig `json:"http"`
}

type RetryConfig struct {
	Kind       string  `json:"kind,omitempty"` // fixed | linear | exponential
	MaxRetries int     `json:"max_retries"`
	Delay      string  `json:"delay,omitempty"`
	Increment  string  `json:"increment,omitempty"`
	Factor     float64 `json:"factor,omitempty"`
	MaxDelay   string  `json:"max_delay,omitempty"`
	Jitter     float64 `json:"jitter,omitempty"`
}

type HTTPJobConfig struct {
	URL          string            `json:"url"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         string            `json:"body,omitempty"`
	Timeout      string            `json:"timeout,omitempty"`
	ExpectStatus []int             `json:"expect_status,omitempty"`
}

// RetrySpec converts the retry block. ok is false when the block is absent.
func (j JobConfig) RetrySpec() (sp retry.Spec, ok bool, err error) {
	if j.Retry == nil {
		return retry.Spec{}, false, nil
	}
	r := *j.Retry
	path := "jobs." + j.Code + ".retry"
	sp = retry.Spec{Kind: r.Kind, MaxRetries: r.MaxRetries, Factor: r.Factor, Jitter: r.Jitter}
	if sp.Delay, err = ParseDurationField(path+".delay", r.Delay); err != nil {
		return retry.Spec{}, false, err
	}
	if sp.Increment, err = ParseDurationField(path+".increment", r.Increment); err != nil {
		return retry.Spec{}, false, err
	}
	if sp.MaxDelay, err = ParseDurationField(path+".max_delay", r.MaxDelay); err != nil {
		return retry.Spec{}, false, err
	}
	return sp, true, nil
}

// HTTPSpec converts the http block.
func (j JobConfig) HTTPSpec() (httpjob.Spec, error) {
	h := j.HTTP
	timeout, err := ParseDurationOrDefault("jobs."+j.Code+".http.timeout", h.Timeout, httpjob.DefaultTimeout)
	if err != nil {
		return httpjob.Spec{}, err
	}
	sp := httpjob.Spec{
		URL:          strings.TrimSpace(h.URL),
		Method:       h.Method,
		Headers:      h.Headers,
		Body:         h.Body,
		Timeout:      timeout,
		ExpectStatus: h.ExpectStatus,
	}
	if err := sp.Validate(); err != nil {
		return httpjob.Spec{}, errors.Wrapf(err, "jobs.%s.http", j.Code)
	}
	return sp, nil
}

// JobTimeout is the per-run limit for the job (0 = scheduler default).
func (j JobConfig) JobTimeout() (time.Duration, error) {
	return ParseDurationField("jobs."+j.Code+".timeout", j.Timeout)
}
