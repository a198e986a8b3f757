package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"jobsched/internal/eventbus"
	"jobsched/internal/history"
	"jobsched/internal/lock"
	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/internal/storage"
	"jobsched/internal/task/engine"
	"jobsched/internal/task/job"
	"jobsched/pkg/logx"
)

// Config controls triggering and dispatch.
type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "Asia/Jakarta"

	Workers          int
	QueueSize        int
	Coalesce         bool
	MisfireGraceTime time.Duration

	// DefaultTimeout applies to jobs registered without a timeout.
	DefaultTimeout time.Duration
	// LockTimeout is the lock ttl for non-concurrent jobs without a timeout.
	LockTimeout time.Duration

	// HistoryRetentionDays <= 0 disables the cleanup loop.
	HistoryRetentionDays   int
	HistoryCleanupInterval time.Duration
}

func (c Config) engineConfig() engine.Config {
	return engine.Config{
		Workers:          c.Workers,
		QueueSize:        c.QueueSize,
		Coalesce:         c.Coalesce,
		MisfireGraceTime: c.MisfireGraceTime,
	}
}

// Deps are the scheduler collaborators. Nil values get null-object defaults.
type Deps struct {
	Log     logx.Logger
	Bus     *eventbus.Bus
	Lock    lock.Lock
	History history.Manager
	Store   storage.JobStore
	Tracer  trace.Tracer
}

type entryRef struct {
	id    cron.EntryID
	jobID string
}

type Service struct {
	mu sync.Mutex

	cfg     Config
	log     logx.Logger
	bus     *eventbus.Bus
	history history.Manager
	store   storage.JobStore

	reg  *job.Registry
	pipe *engine.Pipeline
	eng  *engine.Engine

	loc     *time.Location
	c       *cron.Cron
	entries map[string]entryRef // job code -> cron entry
	sup     *rtsup.Supervisor
	started bool
	unsub   []func()

	// Submit error throttling, keyed by job code.
	warnMu  sync.Mutex
	warnLim map[string]*rate.Limiter
}

// JobInfo is one row of the dashboard snapshot.
type JobInfo struct {
	Code       string     `json:"code"`
	Name       string     `json:"name"`
	Trigger    string     `json:"trigger"`
	ParentCode string     `json:"parent_code,omitempty"`
	Paused     bool       `json:"paused"`
	Next       time.Time  `json:"next,omitempty"`
	Prev       time.Time  `json:"prev,omitempty"`
	RunCount   int64      `json:"run_count"`
	LastStatus job.Status `json:"last_status,omitempty"`
}

// Snapshot is the scheduler dashboard.
type Snapshot struct {
	Enabled      bool            `json:"enabled"`
	Running      bool            `json:"running"`
	Timezone     string          `json:"timezone"`
	TotalJobs    int             `json:"total_jobs"`
	ActiveJobs   int             `json:"active_jobs"`
	PausedJobs   int             `json:"paused_jobs"`
	TotalRuns    int64           `json:"total_runs"`
	TotalSuccess int64           `json:"total_success"`
	TotalFailed  int64           `json:"total_failed"`
	Engine       engine.Snapshot `json:"engine"`
	Bus          eventbus.Stats  `json:"bus"`
	Jobs         []JobInfo       `json:"jobs"`
}
