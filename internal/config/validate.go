package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"jobsched/internal/task/job"
	"jobsched/internal/task/trigger"
)

// Validate checks everything that can be checked without opening resources.
// It returns the first problem found.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	s := c.Scheduler
	if tz := strings.TrimSpace(s.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return errors.Wrapf(err, "scheduler.timezone: unknown zone %q", tz)
		}
	}
	if s.MaxWorkers < 0 {
		return errors.New("scheduler.max_workers must be >= 0")
	}
	if s.QueueSize < 0 {
		return errors.New("scheduler.queue_size must be >= 0")
	}
	for path, raw := range map[string]string{
		"scheduler.misfire_grace_time": s.MisfireGraceTime,
		"scheduler.default_timeout":    s.DefaultTimeout,
		"scheduler.shutdown_timeout":   s.ShutdownTimeout,
		"store.busy_timeout":           c.Store.BusyTimeout,
		"lock.timeout":                 c.Lock.Timeout,
		"history.cleanup_interval":     c.History.CleanupInterval,
		"api.read_timeout":             c.API.ReadTimeout,
		"api.write_timeout":            c.API.WriteTimeout,
		"api.idle_timeout":             c.API.IdleTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			return err
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Store.Driver)) {
	case "", "memory":
	case "file", "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			return errors.Newf("store.path is required for driver %q", c.Store.Driver)
		}
	default:
		return errors.Newf("store.driver: unknown driver %q (use memory, file or sqlite)", c.Store.Driver)
	}

	if c.Lock.Distributed && strings.TrimSpace(c.Lock.RedisURL) == "" {
		return errors.New("lock.redis_url is required when lock.distributed is true")
	}
	if c.History.RetentionDays < 0 {
		return errors.New("history.retention_days must be >= 0")
	}
	if c.History.Enabled && c.HistoryPath() == "" {
		return errors.New("history.path is required unless store.driver is sqlite")
	}

	seen := make(map[string]struct{}, len(c.Jobs))
	for i, j := range c.Jobs {
		if err := job.ValidateCode(j.Code); err != nil {
			return errors.Wrapf(err, "jobs[%d].code", i)
		}
		if _, dup := seen[j.Code]; dup {
			return errors.Newf("jobs[%d]: duplicate code %q", i, j.Code)
		}
		seen[j.Code] = struct{}{}
		if err := j.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (j JobConfig) validate() error {
	if len(j.Schedules) == 0 {
		return errors.Newf("jobs.%s: at least one schedule is required", j.Code)
	}
	for _, raw := range j.Schedules {
		if _, err := trigger.Parse(raw, time.UTC); err != nil {
			return errors.Wrapf(err, "jobs.%s.schedules", j.Code)
		}
	}
	if j.MaxInstances < 0 {
		return errors.Newf("jobs.%s.max_instances must be >= 0", j.Code)
	}
	if _, err := j.JobTimeout(); err != nil {
		return err
	}
	if sp, ok, err := j.RetrySpec(); err != nil {
		return err
	} else if ok {
		if _, err := sp.Build(); err != nil {
			return errors.Wrapf(err, "jobs.%s.retry", j.Code)
		}
	}
	_, err := j.HTTPSpec()
	return err
}

// HistoryPath is the sqlite file holding history.
func (c *Config) HistoryPath() string {
	if p := strings.TrimSpace(c.History.Path); p != "" {
		return p
	}
	if strings.EqualFold(strings.TrimSpace(c.Store.Driver), "sqlite") {
		return strings.TrimSpace(c.Store.Path)
	}
	return ""
}
