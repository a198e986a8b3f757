package app

import (
	"strings"
	"time"

	"jobsched/internal/api"
	"jobsched/internal/config"
	"jobsched/internal/storage"
	"jobsched/internal/task/scheduler"
	"jobsched/pkg/logx"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	defaultBusyTimeout     = time.Second
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Store
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", sc.BusyTimeout, defaultBusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	s := cfg.Scheduler
	misfire, err := config.ParseDurationField("scheduler.misfire_grace_time", s.MisfireGraceTime)
	if err != nil {
		return scheduler.Config{}, err
	}
	defTimeout, err := config.ParseDurationField("scheduler.default_timeout", s.DefaultTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	lockTimeout, err := config.ParseDurationField("lock.timeout", cfg.Lock.Timeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	cleanup, err := config.ParseDurationField("history.cleanup_interval", cfg.History.CleanupInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	retention := 0
	if cfg.History.Enabled {
		retention = cfg.History.RetentionDays
	}
	return scheduler.Config{
		Enabled:                s.Enabled,
		Timezone:               strings.TrimSpace(s.Timezone),
		Workers:                s.MaxWorkers,
		QueueSize:              s.QueueSize,
		Coalesce:               s.Coalesce,
		MisfireGraceTime:       misfire,
		DefaultTimeout:         defTimeout,
		LockTimeout:            lockTimeout,
		HistoryRetentionDays:   retention,
		HistoryCleanupInterval: cleanup,
	}, nil
}

func mapAPIConfig(cfg *config.Config) (api.Config, error) {
	a := cfg.API
	read, err := config.ParseDurationOrDefault("api.read_timeout", a.ReadTimeout, 10*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	// profile endpoints stream for 30s+, so writes are unbounded by default
	write, err := config.ParseDurationField("api.write_timeout", a.WriteTimeout)
	if err != nil {
		return api.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("api.idle_timeout", a.IdleTimeout, 60*time.Second)
	if err != nil {
		return api.Config{}, err
	}
	return api.Config{
		Enabled:       a.Enabled,
		Addr:          strings.TrimSpace(a.Addr),
		Debug:         a.Debug,
		Token:         strings.TrimSpace(a.Token),
		AllowInsecure: a.AllowInsecure,
		ReadTimeout:   read,
		WriteTimeout:  write,
		IdleTimeout:   idle,
	}, nil
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	d, err := config.ParseDurationOrDefault("scheduler.shutdown_timeout", cfg.Scheduler.ShutdownTimeout, defaultShutdownTimeout)
	if err != nil {
		return defaultShutdownTimeout
	}
	return d
}
