// Package eventbus is Mission Control's in-process pub/sub, onto which
// the registry publishes the ChangeDetector's typed domain events and
// repo lifecycle events (spec.md §4.6). Transport fan-out does not go
// through the bus: the registry hands updates to the hub directly. It generalizes
// Warren's pkg/events Broker — a single fixed EventType enum and plain
// channel subscribers — into wildcard topic matching, priority
// handlers, once-subscriptions, middleware, batching, and a bounded
// history buffer.
package eventbus

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/missioncontrol/internal/obslog"
)

// Event is one bus message. Meta always carries at least "timestamp".
type Event struct {
	Type string
	Data interface{}
	Meta map[string]interface{}
}

// Handler processes an event. A non-nil return is logged but never
// stops other handlers from running.
type Handler func(Event) error

// Middleware inspects an event before it reaches handlers. Returning
// false stops propagation to handlers entirely.
type Middleware func(Event) bool

const (
	// DefaultHistorySize is the bounded ring buffer capacity for late
	// inspection of recently emitted events.
	DefaultHistorySize = 100

	// DefaultBatchWindow is how long emitBatched coalesces
	// equal-typed events before flushing one batched emission.
	DefaultBatchWindow = 50 * time.Millisecond
)

type subscription struct {
	id       uint64
	pattern  string
	handler  Handler
	priority int
	once     bool
}

// Bus is an in-process, wildcard-matching publish/subscribe hub.
type Bus struct {
	mu          sync.Mutex
	subs        []*subscription
	nextID      uint64
	middlewares []Middleware
	history     []Event
	historyCap  int

	paused    bool
	queued    []Event
	batchWin  time.Duration
	pending   map[string]*pendingBatch
	batchMu   sync.Mutex
}

type pendingBatch struct {
	timer *time.Timer
	items []Event
	meta  map[string]interface{}
}

// New creates an empty Bus with default history size and batch window.
func New() *Bus {
	return &Bus{
		historyCap: DefaultHistorySize,
		batchWin:   DefaultBatchWindow,
		pending:    make(map[string]*pendingBatch),
	}
}

// On subscribes handler to an exact type, a namespace wildcard
// ("workeffort:*"), or the global wildcard ("*"). Returns an
// unsubscribe function.
func (b *Bus) On(pattern string, handler Handler) func() {
	return b.subscribe(pattern, handler, 0, false)
}

// OnPriority subscribes with an explicit priority; higher values run
// first among handlers matching the same event.
func (b *Bus) OnPriority(pattern string, priority int, handler Handler) func() {
	return b.subscribe(pattern, handler, priority, false)
}

// Once subscribes handler to fire at most once, then auto-unsubscribe.
func (b *Bus) Once(pattern string, handler Handler) func() {
	return b.subscribe(pattern, handler, 0, true)
}

func (b *Bus) subscribe(pattern string, handler Handler, priority int, once bool) func() {
	b.mu.Lock()
	b.nextID++
	sub := &subscription{id: b.nextID, pattern: pattern, handler: handler, priority: priority, once: once}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Use registers a middleware. Middlewares run in registration order;
// the first to return false stops the event from reaching handlers.
func (b *Bus) Use(mw Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middlewares = append(b.middlewares, mw)
}

// Emit publishes an event immediately, stamping meta["timestamp"].
func (b *Bus) Emit(eventType string, data interface{}, meta map[string]interface{}) {
	b.mu.Lock()
	if b.paused {
		ev := newEvent(eventType, data, meta)
		b.queued = append(b.queued, ev)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	b.dispatch(newEvent(eventType, data, meta))
}

// EmitBatched coalesces successive equal-typed emissions within the
// batch window into a single emission whose payload is
// {batch:true, count, items[]}.
func (b *Bus) EmitBatched(eventType string, data interface{}, meta map[string]interface{}) {
	b.batchMu.Lock()
	defer b.batchMu.Unlock()

	pb, ok := b.pending[eventType]
	if !ok {
		pb = &pendingBatch{meta: meta}
		b.pending[eventType] = pb
		pb.timer = time.AfterFunc(b.batchWin, func() { b.flushBatch(eventType) })
	}
	pb.items = append(pb.items, newEvent(eventType, data, meta))
}

func (b *Bus) flushBatch(eventType string) {
	b.batchMu.Lock()
	pb, ok := b.pending[eventType]
	if !ok {
		b.batchMu.Unlock()
		return
	}
	delete(b.pending, eventType)
	b.batchMu.Unlock()

	payload := map[string]interface{}{
		"batch": true,
		"count": len(pb.items),
		"items": pb.items,
	}
	b.Emit(eventType, payload, pb.meta)
}

// Pause enqueues subsequent emissions instead of dispatching them.
func (b *Bus) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

// Resume replays any events queued while paused, respecting the
// original emission order.
func (b *Bus) Resume() {
	b.mu.Lock()
	b.paused = false
	queued := b.queued
	b.queued = nil
	b.mu.Unlock()

	for _, ev := range queued {
		b.dispatch(ev)
	}
}

// History returns a copy of the most recent emitted events, oldest
// first, up to the bounded history capacity.
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Event, len(b.history))
	copy(out, b.history)
	return out
}

func newEvent(eventType string, data interface{}, meta map[string]interface{}) Event {
	m := make(map[string]interface{}, len(meta)+1)
	for k, v := range meta {
		m[k] = v
	}
	m["timestamp"] = time.Now()
	return Event{Type: eventType, Data: data, Meta: m}
}

func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	for _, mw := range b.middlewares {
		if !mw(ev) {
			b.mu.Unlock()
			return
		}
	}

	b.history = append(b.history, ev)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}

	matched := make([]*subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if matches(s.pattern, ev.Type) {
			matched = append(matched, s)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].priority > matched[j].priority })

	var fired []uint64
	b.mu.Unlock()

	for _, s := range matched {
		if err := s.handler(ev); err != nil {
			obslog.WithComponent("eventbus").Error().Err(err).Str("type", ev.Type).Msg("handler error")
		}
		if s.once {
			fired = append(fired, s.id)
		}
	}

	if len(fired) > 0 {
		b.mu.Lock()
		for _, id := range fired {
			for i, s := range b.subs {
				if s.id == id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
		}
		b.mu.Unlock()
	}
}

// matches reports whether an event of the given type should be
// delivered to a subscription registered under pattern: "*" matches
// everything, "ns:*" matches any type sharing the "ns:" prefix, and
// any other pattern must match exactly.
func matches(pattern, eventType string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(eventType, prefix)
	}
	return pattern == eventType
}
