package job

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"jobsched/internal/task/retry"
	"jobsched/internal/task/trigger"
)

// definition is the registry-owned mutable state of one job.
type definition struct {
	code        string
	id          string
	name        string
	description string
	fn          Func

	trigger trigger.Trigger // nil for multi-trigger parents

	concurrent   bool
	maxInstances int
	timeout      time.Duration
	maxRetries   int
	retryDelay   time.Duration
	strategy     *retry.Strategy

	parentCode string
	isMulti    bool
	subCodes   []string
	createdAt  time.Time

	mu           sync.Mutex // guards fields below
	paused       bool
	runCount     int64
	successCount int64
	failCount    int64
	lastRunTime  time.Time
	lastRunID    string
	lastStatus   Status
}

func (d *definition) snapshot() Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	j := Job{
		Code:           d.code,
		ID:             d.id,
		Name:           d.name,
		Description:    d.description,
		Trigger:        d.trigger,
		Paused:         d.paused,
		Concurrent:     d.concurrent,
		MaxInstances:   d.maxInstances,
		Timeout:        d.timeout,
		MaxRetries:     d.maxRetries,
		RetryDelay:     d.retryDelay,
		Retry:          d.strategy,
		RunCount:       d.runCount,
		SuccessCount:   d.successCount,
		FailCount:      d.failCount,
		LastRunTime:    d.lastRunTime,
		LastRunID:      d.lastRunID,
		LastStatus:     d.lastStatus,
		ParentCode:     d.parentCode,
		IsMultiTrigger: d.isMulti,
		SubJobCodes:    append([]string(nil), d.subCodes...),
		CreatedAt:      d.createdAt,
		Func:           d.fn,
	}
	if d.trigger != nil {
		j.Triggers = []trigger.Trigger{d.trigger}
		j.TriggerSpecs = []string{d.trigger.String()}
	}
	return j
}

// Registry is the in-memory map of job code to definition. It owns
// registration, merge, pause/resume, removal and the runtime counters.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*definition
	now  func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*definition), now: time.Now}
}

// Registrar is implemented by anything jobs can be registered with.
type Registrar interface {
	Register(code string, fn Func, opts Options) (string, error)
}

// ValidateCode rejects empty codes and codes using the sub-job separator.
func ValidateCode(code string) error {
	if strings.TrimSpace(code) == "" || strings.Contains(code, SubCodeSep) {
		return errors.Wrapf(ErrInvalidCode, "code %q", code)
	}
	return nil
}

// Register adds a job and returns its id.
func (r *Registry) Register(code string, fn Func, opts Options) (string, error) {
	code = strings.TrimSpace(code)
	if err := ValidateCode(code); err != nil {
		return "", err
	}
	triggers := opts.Triggers
	if len(triggers) == 0 && opts.Trigger != nil {
		triggers = []trigger.Trigger{opts.Trigger}
	}
	for _, t := range triggers {
		if t == nil {
			return "", ErrMissingTrigger
		}
	}
	if len(triggers) == 0 {
		return "", ErrMissingTrigger
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.defs[code]
	if exists && opts.Merge {
		if existing.parentCode != "" {
			return "", errors.Newf("cannot merge into sub-job %q", code)
		}
		for _, t := range triggers {
			r.addTriggerLocked(existing, t)
		}
		return existing.id, nil
	}
	if fn == nil {
		return "", ErrMissingFunc
	}
	if exists {
		if !opts.ReplaceExisting {
			return "", &DuplicateJobError{Code: code}
		}
		r.removeLocked(code)
	}

	d := r.newDefinition(code, fn, opts)
	if len(triggers) == 1 {
		d.trigger = triggers[0]
		r.defs[code] = d
		return d.id, nil
	}
	d.isMulti = true
	r.defs[code] = d
	for _, t := range triggers {
		r.addTriggerLocked(d, t)
	}
	return d.id, nil
}

// AddTrigger merges one more trigger into an existing job and returns the
// new sub-job code.
func (r *Registry) AddTrigger(code string, t trigger.Trigger) (string, error) {
	if t == nil {
		return "", ErrMissingTrigger
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.defs[code]
	if !ok {
		return "", errors.Wrapf(ErrJobNotFound, "code %q", code)
	}
	if d.parentCode != "" {
		return "", errors.Newf("cannot merge into sub-job %q", code)
	}
	return r.addTriggerLocked(d, t), nil
}

func (r *Registry) newDefinition(code string, fn Func, opts Options) *definition {
	concurrent := true
	if opts.Concurrent != nil {
		concurrent = *opts.Concurrent
	}
	maxInstances := opts.MaxInstances
	if maxInstances <= 0 {
		maxInstances = 1
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = code
	}

	maxRetries, retryDelay, strategy := opts.MaxRetries, opts.RetryDelay, opts.Retry
	if strategy != nil {
		maxRetries = strategy.MaxRetries()
		retryDelay = strategy.InitialDelay()
	} else if maxRetries > 0 {
		strategy = retry.Fixed(maxRetries, retryDelay)
	}

	return &definition{
		code:         code,
		id:           uuid.NewString(),
		name:         name,
		description:  opts.Description,
		fn:           fn,
		concurrent:   concurrent,
		maxInstances: maxInstances,
		timeout:      opts.Timeout,
		maxRetries:   maxRetries,
		retryDelay:   retryDelay,
		strategy:     strategy,
		paused:       opts.Paused,
		createdAt:    r.now(),
	}
}

// addTriggerLocked converts d into a multi-trigger parent if needed and
// spawns sub-job code#N for t. Caller holds r.mu.
func (r *Registry) addTriggerLocked(d *definition, t trigger.Trigger) string {
	if !d.isMulti {
		d.isMulti = true
		first := d.trigger
		d.trigger = nil
		if first != nil {
			r.spawnSubLocked(d, first)
		}
	}
	return r.spawnSubLocked(d, t)
}

func (r *Registry) spawnSubLocked(parent *definition, t trigger.Trigger) string {
	n := len(parent.subCodes) + 1
	code := parent.code + SubCodeSep + strconv.Itoa(n)
	for {
		if _, taken := r.defs[code]; !taken {
			break
		}
		n++
		code = parent.code + SubCodeSep + strconv.Itoa(n)
	}
	parent.mu.Lock()
	paused := parent.paused
	parent.mu.Unlock()

	sub := &definition{
		code:         code,
		id:           uuid.NewString(),
		name:         parent.name,
		description:  parent.description,
		fn:           parent.fn,
		trigger:      t,
		concurrent:   parent.concurrent,
		maxInstances: parent.maxInstances,
		timeout:      parent.timeout,
		maxRetries:   parent.maxRetries,
		retryDelay:   parent.retryDelay,
		strategy:     parent.strategy,
		parentCode:   parent.code,
		paused:       paused,
		createdAt:    r.now(),
	}
	r.defs[code] = sub
	parent.subCodes = append(parent.subCodes, code)
	return code
}

// Pause marks the job (and its sub-jobs) paused. False if code is unknown.
func (r *Registry) Pause(code string) bool { return r.setPaused(code, true) }

// Resume clears the paused flag (cascading to sub-jobs). False if code is unknown.
func (r *Registry) Resume(code string) bool { return r.setPaused(code, false) }

func (r *Registry) setPaused(code string, paused bool) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[code]
	if !ok {
		return false
	}
	d.mu.Lock()
	d.paused = paused
	d.mu.Unlock()
	for _, sc := range d.subCodes {
		if sd, ok := r.defs[sc]; ok {
			sd.mu.Lock()
			sd.paused = paused
			sd.mu.Unlock()
		}
	}
	return true
}

// Remove deletes the job and its sub-jobs, returning every removed code.
// A nil result means code was unknown.
func (r *Registry) Remove(code string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(code)
}

func (r *Registry) removeLocked(code string) []string {
	d, ok := r.defs[code]
	if !ok {
		return nil
	}
	removed := []string{code}
	for _, sc := range d.subCodes {
		if _, ok := r.defs[sc]; ok {
			delete(r.defs, sc)
			removed = append(removed, sc)
		}
	}
	delete(r.defs, code)
	if d.parentCode != "" {
		if p, ok := r.defs[d.parentCode]; ok {
			kept := p.subCodes[:0:0]
			for _, sc := range p.subCodes {
				if sc != code {
					kept = append(kept, sc)
				}
			}
			p.subCodes = kept
		}
	}
	return removed
}

// Get returns a snapshot of the job. For multi-trigger parents the counters
// are the parent's own plus every sub-job's, and the last_* fields follow
// the most recent run among them.
func (r *Registry) Get(code string) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[code]
	if !ok {
		return Job{}, false
	}
	return r.snapshotLocked(d), true
}

func (r *Registry) snapshotLocked(d *definition) Job {
	j := d.snapshot()
	if !d.isMulti {
		return j
	}
	for _, sc := range d.subCodes {
		sd, ok := r.defs[sc]
		if !ok {
			continue
		}
		s := sd.snapshot()
		j.RunCount += s.RunCount
		j.SuccessCount += s.SuccessCount
		j.FailCount += s.FailCount
		if s.LastRunTime.After(j.LastRunTime) {
			j.LastRunTime = s.LastRunTime
			j.LastRunID = s.LastRunID
			j.LastStatus = s.LastStatus
		}
		if s.Trigger != nil {
			j.Triggers = append(j.Triggers, s.Trigger)
			j.TriggerSpecs = append(j.TriggerSpecs, s.Trigger.String())
		}
	}
	return j
}

// ListActive returns every top-level job (sub-jobs excluded), sorted by code.
func (r *Registry) ListActive() []Job {
	return r.list(func(d *definition) bool { return d.parentCode == "" })
}

// List returns every job including sub-jobs, sorted by code.
func (r *Registry) List() []Job {
	return r.list(func(*definition) bool { return true })
}

// Schedulable returns the jobs that own a trigger: single-trigger jobs and sub-jobs.
func (r *Registry) Schedulable() []Job {
	return r.list(func(d *definition) bool { return d.trigger != nil })
}

func (r *Registry) list(keep func(*definition) bool) []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Job, 0, len(r.defs))
	for _, d := range r.defs {
		if keep(d) {
			out = append(out, r.snapshotLocked(d))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Code < out[k].Code })
	return out
}

// Len reports the number of registered jobs including sub-jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.defs)
}

// MarkStarted records the start of an attempt: run_count++, last_run_*.
func (r *Registry) MarkStarted(code, runID string, at time.Time) bool {
	d := r.lookup(code)
	if d == nil {
		return false
	}
	d.mu.Lock()
	d.runCount++
	d.lastRunTime = at
	d.lastRunID = runID
	d.mu.Unlock()
	return true
}

// MarkFinished records the outcome of an attempt.
func (r *Registry) MarkFinished(code string, status Status) bool {
	d := r.lookup(code)
	if d == nil {
		return false
	}
	d.mu.Lock()
	switch status {
	case StatusSuccess:
		d.successCount++
	case StatusFailed, StatusTimeout:
		d.failCount++
	}
	d.lastStatus = status
	d.mu.Unlock()
	return true
}

func (r *Registry) lookup(code string) *definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[code]
}
