// Package engine executes job runs: a bounded dispatch queue drained by a
// pool of supervised workers, each running the execution pipeline.
package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"jobsched/internal/eventbus"
	rtsup "jobsched/internal/runtime/supervisor"
	"jobsched/internal/task/job"
	"jobsched/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Config controls the worker pool and dispatch policy.
type Config struct {
	Workers   int
	QueueSize int

	// Coalesce drops a scheduled fire while another scheduled fire of the same
	// code is still waiting in the queue.
	Coalesce bool
	// MisfireGraceTime drops scheduled fires that start later than this after
	// their scheduled time. 0 disables.
	MisfireGraceTime time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.MisfireGraceTime < 0 {
		c.MisfireGraceTime = 0
	}
	return c
}

type Snapshot struct {
	Running          bool           `json:"running"`
	Workers          int            `json:"workers"`
	QueueLen         int            `json:"queue_len"`
	QueueCap         int            `json:"queue_cap"`
	InFlight         int            `json:"in_flight"`
	PendingRetries   int            `json:"pending_retries"`
	Submitted        uint64         `json:"submitted"`
	DroppedQueueFull uint64         `json:"dropped_queue_full"`
	DroppedMisfire   uint64         `json:"dropped_misfire"`
	DroppedCoalesced uint64         `json:"dropped_coalesced"`
	DroppedStopped   uint64         `json:"dropped_stopped"`
	Coalesce         bool           `json:"coalesce"`
	MisfireGraceTime time.Duration  `json:"misfire_grace_time"`
	Supervisor       rtsup.Snapshot `json:"supervisor"`
}

type queuedRun struct {
	ec         job.ExecutionContext
	enqueuedAt time.Time
}

// pendingRetry is a back-off wait that holds no worker.
type pendingRetry struct {
	timer *time.Timer
	prev  job.ExecutionContext
}

// Engine owns the dispatch queue and workers. Submit never blocks.
type Engine struct {
	mu   sync.Mutex
	cfg  Config
	log  logx.Logger
	bus  *eventbus.Bus
	pipe *Pipeline

	parent  context.Context
	q       chan queuedRun
	sup     *rtsup.Supervisor
	stopCh  chan struct{}
	pending map[string]int           // queued scheduled runs per code
	retries map[string]*pendingRetry // keyed by the failed attempt's run id

	inFlight         atomic.Int32
	submitted        atomic.Uint64
	droppedQueueFull atomic.Uint64
	droppedMisfire   atomic.Uint64
	droppedCoalesced atomic.Uint64
	droppedStopped   atomic.Uint64

	lastQueueFullWarnAt atomic.Int64
	lastMisfireWarnAt   atomic.Int64
}

func New(cfg Config, log logx.Logger, bus *eventbus.Bus, pipe *Pipeline) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = pipe.bus
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		log:     log.With(logx.String("comp", "engine")),
		bus:     bus,
		pipe:    pipe,
		pending: make(map[string]int),
		retries: make(map[string]*pendingRetry),
	}
}

func (e *Engine) Pipeline() *Pipeline { return e.pipe }

// Start launches the workers. Start is idempotent.
func (e *Engine) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopCh != nil {
		return
	}
	cfg := e.cfg
	e.parent = ctx
	e.q = make(chan queuedRun, cfg.QueueSize)
	e.stopCh = make(chan struct{})
	e.pending = make(map[string]int)
	e.sup = rtsup.New(ctx,
		rtsup.WithLogger(e.log),
		// a crashing worker is restarted, never fatal to the scheduler
		rtsup.WithCancelOnError(false),
	)

	stopCh, queue := e.stopCh, e.q
	for i := 0; i < cfg.Workers; i++ {
		e.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			e.worker(c, stopCh, queue)
			return nil
		})
	}
	e.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop stops accepting runs, lets in-flight runs finish until ctx is done,
// then cancels them. Runs still queued and retries still waiting are
// reported as missed.
func (e *Engine) Stop(ctx context.Context) error { return e.stop(ctx, true) }

func (e *Engine) stop(ctx context.Context, dropRetries bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.stopCh == nil {
		e.mu.Unlock()
		return nil
	}
	close(e.stopCh)
	sup, queue := e.sup, e.q
	e.stopCh, e.sup, e.q = nil, nil, nil
	var dropped []job.ExecutionContext
	if dropRetries {
		for id, pr := range e.retries {
			// a timer that already fired finds its entry gone and submits nothing
			pr.timer.Stop()
			dropped = append(dropped, pr.prev)
			delete(e.retries, id)
		}
	}
	e.mu.Unlock()

	for _, prev := range dropped {
		e.droppedStopped.Add(1)
		e.missed(prev.Retry(time.Now()), eventbus.ReasonStopped)
	}

	var err error
	if werr := sup.Wait(ctx); werr != nil && ctx.Err() != nil {
		e.log.Warn("engine stop timed out, cancelling running jobs", logx.Int("in_flight", int(e.inFlight.Load())))
		sup.Cancel()
		err = ctx.Err()
	}

drain:
	for {
		select {
		case qr := <-queue:
			e.droppedStopped.Add(1)
			e.missed(qr.ec, eventbus.ReasonStopped)
		default:
			break drain
		}
	}
	e.log.Info("engine stopped")
	return err
}

// Apply updates dispatch policy. A changed pool or queue size restarts the
// workers.
func (e *Engine) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	e.mu.Lock()
	prev := e.cfg
	e.cfg = cfg
	running := e.stopCh != nil
	parent := e.parent
	e.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize) {
		// waiting retries survive the pool restart
		_ = e.stop(ctx, false)
		e.Start(parent)
	}
}

// Submit enqueues ec without blocking.
func (e *Engine) Submit(ec job.ExecutionContext) error {
	now := time.Now()
	e.mu.Lock()
	if e.stopCh == nil {
		e.mu.Unlock()
		e.droppedStopped.Add(1)
		e.missed(ec, eventbus.ReasonStopped)
		return ErrStopped
	}
	scheduled := ec.TriggerType == job.TriggerScheduled
	if scheduled && e.cfg.Coalesce && e.pending[ec.JobCode] > 0 {
		e.mu.Unlock()
		e.droppedCoalesced.Add(1)
		e.missed(ec, eventbus.ReasonCoalesced)
		e.log.Debug("scheduled run coalesced", logx.String("job", ec.JobCode), logx.String("run_id", ec.RunID))
		return ErrCoalesced
	}
	select {
	case e.q <- queuedRun{ec: ec, enqueuedAt: now}:
		if scheduled {
			e.pending[ec.JobCode]++
		}
		e.mu.Unlock()
		e.submitted.Add(1)
		return nil
	default:
	}
	ql, qc := len(e.q), cap(e.q)
	e.mu.Unlock()

	e.droppedQueueFull.Add(1)
	e.missed(ec, eventbus.ReasonQueueFull)
	if shouldWarn(&e.lastQueueFullWarnAt, now) {
		e.log.Warn("run dropped: queue full",
			logx.String("job", ec.JobCode),
			logx.String("run_id", ec.RunID),
			logx.Int("queue_len", ql),
			logx.Int("queue_cap", qc),
			logx.Uint64("dropped_queue_full", e.droppedQueueFull.Load()),
		)
	}
	return ErrQueueFull
}

func (e *Engine) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedRun) {
	for {
		// a closed stopCh wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qr := <-queue:
			e.run(ctx, qr)
		}
	}
}

func (e *Engine) run(ctx context.Context, qr queuedRun) {
	ec := qr.ec
	if ec.TriggerType == job.TriggerScheduled {
		e.mu.Lock()
		if e.pending[ec.JobCode] > 1 {
			e.pending[ec.JobCode]--
		} else {
			delete(e.pending, ec.JobCode)
		}
		grace := e.cfg.MisfireGraceTime
		e.mu.Unlock()

		now := time.Now()
		if late := now.Sub(ec.ScheduledTime); grace > 0 && late > grace {
			e.droppedMisfire.Add(1)
			e.missed(ec, eventbus.ReasonMisfire)
			if shouldWarn(&e.lastMisfireWarnAt, now) {
				e.log.Warn("run dropped: misfire",
					logx.String("job", ec.JobCode),
					logx.Duration("late", late),
					logx.Duration("grace", grace),
					logx.Duration("queue_delay", now.Sub(qr.enqueuedAt)),
				)
			}
			return
		}
	}

	e.inFlight.Add(1)
	_, delay, again := e.pipe.Step(ctx, ec)
	e.inFlight.Add(-1)
	if again {
		e.scheduleRetry(ec, delay)
	}
}

// scheduleRetry submits the next attempt of prev after delay. The wait runs
// on a timer, so the worker is free for other jobs meanwhile. Retries skip
// the coalesce and misfire checks like manual runs do.
func (e *Engine) scheduleRetry(prev job.ExecutionContext, delay time.Duration) {
	id := prev.RunID
	e.mu.Lock()
	if e.stopCh == nil {
		e.mu.Unlock()
		e.droppedStopped.Add(1)
		e.missed(prev.Retry(time.Now()), eventbus.ReasonStopped)
		return
	}
	pr := &pendingRetry{prev: prev}
	pr.timer = time.AfterFunc(delay, func() {
		e.mu.Lock()
		cur, live := e.retries[id]
		if live && cur == pr {
			delete(e.retries, id)
		}
		e.mu.Unlock()
		if !live || cur != pr {
			return
		}
		next := prev.Retry(time.Now())
		if err := e.Submit(next); err != nil {
			e.log.Warn("retry not queued",
				logx.String("job", next.JobCode),
				logx.String("run_id", next.RunID),
				logx.String("retry_of", id),
				logx.Err(err),
			)
		}
	})
	e.retries[id] = pr
	e.mu.Unlock()
}

func (e *Engine) missed(ec job.ExecutionContext, reason string) {
	e.bus.Emit(eventbus.Event{
		Kind:          eventbus.JobMissed,
		JobID:         ec.JobID,
		JobCode:       ec.JobCode,
		JobName:       ec.JobName,
		RunID:         ec.RunID,
		ScheduledTime: ec.ScheduledTime,
		Attempt:       ec.Attempt,
		TriggerType:   string(ec.TriggerType),
		Reason:        reason,
	})
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	cfg := e.cfg
	running := e.stopCh != nil
	sup := e.sup
	ql, qc := 0, 0
	if e.q != nil {
		ql, qc = len(e.q), cap(e.q)
	}
	retries := len(e.retries)
	e.mu.Unlock()

	return Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		QueueLen:         ql,
		QueueCap:         qc,
		InFlight:         int(e.inFlight.Load()),
		PendingRetries:   retries,
		Submitted:        e.submitted.Load(),
		DroppedQueueFull: e.droppedQueueFull.Load(),
		DroppedMisfire:   e.droppedMisfire.Load(),
		DroppedCoalesced: e.droppedCoalesced.Load(),
		DroppedStopped:   e.droppedStopped.Load(),
		Coalesce:         cfg.Coalesce,
		MisfireGraceTime: cfg.MisfireGraceTime,
		Supervisor:       sup.Snapshot(),
	}
}

func shouldWarn(last *atomic.Int64, now time.Time) bool {
	prev := last.Load()
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return last.CompareAndSwap(prev, n)
}
