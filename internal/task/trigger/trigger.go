// Package trigger computes fire times for jobs (cron, fixed interval, one-shot date).
//
// A Trigger is a superset of cron.Schedule so the scheduler can hand triggers
// straight to the robfig/cron dispatch loop.
package trigger

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
)

type Kind string

const (
	KindCron     Kind = "cron"
	KindInterval Kind = "interval"
	KindDate     Kind = "date"
)

// Trigger produces the next due time after a given instant.
// A zero time means the trigger will not fire again.
type Trigger interface {
	Next(after time.Time) time.Time
	Kind() Kind
	String() string
}

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ---- cron ----

type CronTrigger struct {
	expr  string
	loc   *time.Location
	sched cron.Schedule
}

// Cron parses a crontab expression. loc may be nil (time.Local).
func Cron(expr string, loc *time.Location) (*CronTrigger, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("cron expression required")
	}
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", expr)
	}
	if loc == nil {
		loc = time.Local
	}
	return &CronTrigger{expr: expr, loc: loc, sched: sched}, nil
}

func (c *CronTrigger) Next(after time.Time) time.Time {
	return c.sched.Next(after.In(c.loc))
}

func (c *CronTrigger) Kind() Kind { return KindCron }

func (c *CronTrigger) String() string {
	if c.loc != nil && c.loc != time.Local {
		return fmt.Sprintf("cron[%s %s]", c.expr, c.loc)
	}
	return "cron[" + c.expr + "]"
}

// ---- interval ----

type IntervalTrigger struct {
	every time.Duration
	start time.Time
	end   time.Time

	spread bool
	once   sync.Once
	first  time.Time
	jitter time.Duration
}

type IntervalOption func(*IntervalTrigger)

// StartAt anchors fire times to start + k*every.
func StartAt(t time.Time) IntervalOption { return func(it *IntervalTrigger) { it.start = t } }

// EndAt stops the trigger after t.
func EndAt(t time.Time) IntervalOption { return func(it *IntervalTrigger) { it.end = t } }

// WithStartupSpread delays the first fire by a random amount (bounded by
// min(every, 30s)) so many interval jobs don't all fire together after start.
func WithStartupSpread() IntervalOption { return func(it *IntervalTrigger) { it.spread = true } }

func Interval(every time.Duration, opts ...IntervalOption) (*IntervalTrigger, error) {
	if every <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	it := &IntervalTrigger{every: every}
	for _, o := range opts {
		o(it)
	}
	if !it.end.IsZero() && !it.start.IsZero() && it.end.Before(it.start) {
		return nil, errors.New("interval end is before start")
	}
	return it, nil
}

func (it *IntervalTrigger) Next(after time.Time) time.Time {
	var next time.Time
	switch {
	case !it.start.IsZero():
		if after.Before(it.start) {
			next = it.start
		} else {
			n := after.Sub(it.start)/it.every + 1
			next = it.start.Add(n * it.every)
		}
	case it.spread:
		it.once.Do(func() {
			it.first, it.jitter = spreadFirst(it.every, after, it.String())
		})
		if after.Before(it.first) {
			next = it.first
		} else {
			next = after.Add(it.every)
		}
	default:
		next = after.Add(it.every)
	}
	if !it.end.IsZero() && next.After(it.end) {
		return time.Time{}
	}
	return next
}

func (it *IntervalTrigger) Every() time.Duration { return it.every }

// StartupSpread reports the random first-fire delay (0 until the first Next call).
func (it *IntervalTrigger) StartupSpread() time.Duration { return it.jitter }

func (it *IntervalTrigger) Kind() Kind { return KindInterval }

func (it *IntervalTrigger) String() string { return "interval[" + it.every.String() + "]" }

// ---- date ----

type DateTrigger struct {
	at time.Time
}

// Date fires exactly once at the given instant. Instants already in the past
// when the trigger is armed never fire.
func Date(at time.Time) (*DateTrigger, error) {
	if at.IsZero() {
		return nil, errors.New("date trigger requires a time")
	}
	return &DateTrigger{at: at}, nil
}

func (d *DateTrigger) Next(after time.Time) time.Time {
	if after.Before(d.at) {
		return d.at
	}
	return time.Time{}
}

func (d *DateTrigger) At() time.Time { return d.at }

func (d *DateTrigger) Kind() Kind { return KindDate }

func (d *DateTrigger) String() string { return "date[" + d.at.Format(time.RFC3339) + "]" }

// Preview returns up to n upcoming fire times after from.
func Preview(t Trigger, from time.Time, n int) []time.Time {
	if t == nil || n <= 0 {
		return nil
	}
	out := make([]time.Time, 0, n)
	cur := from
	for i := 0; i < n; i++ {
		cur = t.Next(cur)
		if cur.IsZero() {
			break
		}
		out = append(out, cur)
	}
	return out
}
