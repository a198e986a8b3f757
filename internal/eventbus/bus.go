// Package eventbus delivers job lifecycle events.
//
// Two delivery styles share one bus:
//   - Listeners registered with On/OnAny run synchronously, in registration
//     order, inside Emit. A failing or panicking listener is logged and the
//     remaining listeners still run.
//   - Channel subscribers (Subscribe) receive a non-blocking copy after the
//     listeners ran. Slow subscribers drop events.
package eventbus

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"jobsched/pkg/logx"
)

// Listener handles one event. Returned errors are logged, never propagated.
type Listener func(Event) error

type listenerEntry struct {
	id uint64
	fn Listener
}

type Bus struct {
	log logx.Logger

	mu        sync.RWMutex
	listeners map[Kind][]listenerEntry
	any       []listenerEntry
	subs      map[uint64]chan Event
	seq       atomic.Uint64

	emitted atomic.Uint64
	failed  atomic.Uint64
}

// New returns an in-memory bus. It owns no background goroutines.
func New(log logx.Logger) *Bus {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bus{
		log:       log.With(logx.String("comp", "eventbus")),
		listeners: map[Kind][]listenerEntry{},
		subs:      map[uint64]chan Event{},
	}
}

// On registers fn for one kind and returns its unsubscribe func.
func (b *Bus) On(kind Kind, fn Listener) func() {
	id := b.seq.Add(1)
	b.mu.Lock()
	b.listeners[kind] = append(b.listeners[kind], listenerEntry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.listeners[kind] = without(b.listeners[kind], id)
			b.mu.Unlock()
		})
	}
}

// OnAny registers fn for every kind. It runs after the kind-specific listeners.
func (b *Bus) OnAny(fn Listener) func() {
	id := b.seq.Add(1)
	b.mu.Lock()
	b.any = append(b.any, listenerEntry{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.any = without(b.any, id)
			b.mu.Unlock()
		})
	}
}

func without(in []listenerEntry, id uint64) []listenerEntry {
	out := make([]listenerEntry, 0, len(in))
	for _, e := range in {
		if e.id != id {
			out = append(out, e)
		}
	}
	return out
}

// Emit delivers e to listeners and subscribers. It never panics and never
// returns listener errors.
func (b *Bus) Emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.emitted.Add(1)

	b.mu.RLock()
	ls := make([]listenerEntry, 0, len(b.listeners[e.Kind])+len(b.any))
	ls = append(ls, b.listeners[e.Kind]...)
	ls = append(ls, b.any...)
	b.mu.RUnlock()

	for _, l := range ls {
		b.call(l.fn, e)
	}
	b.Publish(e)
}

func (b *Bus) call(fn Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.failed.Add(1)
			b.log.Error("event listener panic",
				logx.String("kind", string(e.Kind)),
				logx.String("job", e.JobCode),
				logx.String("panic", fmt.Sprint(r)),
				logx.Stack(string(debug.Stack())),
			)
		}
	}()
	if err := fn(e); err != nil {
		b.failed.Add(1)
		b.log.Error("event listener failed",
			logx.String("kind", string(e.Kind)),
			logx.String("job", e.JobCode),
			logx.Err(err),
		)
	}
}

// Publish fans e out to channel subscribers without blocking.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Snapshot subscribers so Publish doesn't hold locks while attempting sends.
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover from the send panic.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
			}
		}()
	}
}

// Subscribe returns a buffered channel of events and its unsubscribe func.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

type Stats struct {
	Emitted          uint64 `json:"emitted"`
	ListenerFailures uint64 `json:"listener_failures"`
	Subscribers      int    `json:"subscribers"`
}

func (b *Bus) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{Emitted: b.emitted.Load(), ListenerFailures: b.failed.Load(), Subscribers: n}
}
