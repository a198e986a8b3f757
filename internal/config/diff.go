package config

import (
	"reflect"
	"sort"
	"strings"

	"jobsched/pkg/logx"
)

// SummarizeConfigChange returns (1) the changed sections, (2) safe
// structured attrs for logging (never tokens or redis credentials) and
// (3) the codes of jobs that were added, removed or changed.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if oldCfg.Scheduler != newCfg.Scheduler {
		s := newCfg.Scheduler
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", s.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(s.Timezone)),
			logx.Int("scheduler.max_workers", s.MaxWorkers),
			logx.Int("scheduler.queue_size", s.QueueSize),
			logx.Bool("scheduler.coalesce", s.Coalesce),
			logx.String("scheduler.misfire_grace_time", strings.TrimSpace(s.MisfireGraceTime)),
			logx.String("scheduler.default_timeout", strings.TrimSpace(s.DefaultTimeout)),
		)
	}

	if oldCfg.Store != newCfg.Store {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", newCfg.Store.Driver),
			logx.String("store.path", newCfg.Store.Path),
		)
	}

	if oldCfg.Lock != newCfg.Lock {
		changed = append(changed, "lock")
		attrs = append(attrs,
			logx.Bool("lock.distributed", newCfg.Lock.Distributed),
			logx.Bool("lock.redis_url_set", strings.TrimSpace(newCfg.Lock.RedisURL) != ""),
			logx.String("lock.timeout", strings.TrimSpace(newCfg.Lock.Timeout)),
			logx.String("lock.key_prefix", newCfg.Lock.KeyPrefix),
		)
	}

	if oldCfg.History != newCfg.History {
		changed = append(changed, "history")
		attrs = append(attrs,
			logx.Bool("history.enabled", newCfg.History.Enabled),
			logx.Int("history.retention_days", newCfg.History.RetentionDays),
			logx.String("history.cleanup_interval", strings.TrimSpace(newCfg.History.CleanupInterval)),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// api (never log token)
	oa, na := oldCfg.API, newCfg.API
	oa.Token, na.Token = tokenMarker(oa.Token), tokenMarker(na.Token)
	if oa != na || oldCfg.API.Token != newCfg.API.Token {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", na.Enabled),
			logx.String("api.addr", strings.TrimSpace(na.Addr)),
			logx.Bool("api.debug", na.Debug),
			logx.Bool("api.token_set", na.Token != ""),
			logx.Bool("api.allow_insecure", na.AllowInsecure),
		)
	}

	if oldCfg.Tracing != newCfg.Tracing {
		changed = append(changed, "tracing")
		attrs = append(attrs, logx.Bool("tracing.enabled", newCfg.Tracing.Enabled))
	}

	jobs := changedJobs(oldCfg.Jobs, newCfg.Jobs)
	if len(jobs) > 0 {
		changed = append(changed, "jobs")
		attrs = append(attrs,
			logx.Int("jobs.count", len(newCfg.Jobs)),
			logx.String("jobs.changed", strings.Join(jobs, ",")),
		)
	}
	return changed, attrs, jobs
}

func tokenMarker(tok string) string {
	if strings.TrimSpace(tok) == "" {
		return ""
	}
	return "set"
}

func changedJobs(a, b []JobConfig) []string {
	prev := make(map[string]JobConfig, len(a))
	for _, j := range a {
		prev[j.Code] = j
	}
	out := make([]string, 0)
	for _, j := range b {
		old, ok := prev[j.Code]
		delete(prev, j.Code)
		if !ok || !reflect.DeepEqual(old, j) {
			out = append(out, j.Code)
		}
	}
	for code := range prev {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}
