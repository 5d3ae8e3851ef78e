// Package eventbus is the typed event stream surfaced to external
// collectors: job lifecycle, plugin lifecycle, security, and stream lag
// events, plus the signal path between the Enforcer/Boundary and the
// Plugin Host.
//
// Subscribers never block a publisher: each subscriber owns a bounded
// queue, and a publish to a full queue drops the event and increments a
// counter rather than blocking Publish or the publishing goroutine.
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/autoweaved/autoweaved/internal/logger"
)

// Stable event names (spec §4.10).
const (
	JobAdded         = "job:added"
	JobActive        = "job:active"
	JobCompleted     = "job:completed"
	JobFailed        = "job:failed"
	JobStalled       = "job:stalled"
	WorkersScaled    = "workers:scaled"
	PluginLoaded     = "plugin:loaded"
	PluginStarted    = "plugin:started"
	PluginStopped    = "plugin:stopped"
	PluginBlocked    = "plugin:blocked"
	SecurityViolation = "security:violation"
	SecurityAnomaly  = "security:anomaly"
	StreamLag        = "stream:lag"
	SystemStopped    = "system-stopped"
)

// Event is a single published record. Fields are event-specific; Name
// identifies which.
type Event struct {
	Name   string
	Fields map[string]interface{}
}

const defaultQueueDepth = 64

type subscriber struct {
	filter  string
	queue   chan Event
	dropped atomic.Int64
	done    chan struct{}
}

// Bus is the non-blocking, bounded-queue event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[int]*subscriber
	nextID      int
	queueDepth  int
}

// New builds a Bus whose subscriber queues hold queueDepth events before
// dropping; a queueDepth <= 0 uses the default.
func New(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &Bus{
		subscribers: make(map[int]*subscriber),
		queueDepth:  queueDepth,
	}
}

// Subscription is a handle returned by Subscribe, used to read events and
// to unsubscribe.
type Subscription struct {
	id     int
	bus    *Bus
	events chan Event
}

// Events returns the channel this subscription receives events on.
func (s *Subscription) Events() <-chan Event { return s.events }

// Dropped returns how many events were dropped for this subscription due
// to a full queue.
func (s *Subscription) Dropped() int64 {
	s.bus.mu.RLock()
	defer s.bus.mu.RUnlock()
	sub, ok := s.bus.subscribers[s.id]
	if !ok {
		return 0
	}
	return sub.dropped.Load()
}

// Subscribe registers a new subscription. filter is a prefix match against
// event names ("" matches everything, "job:" matches all job events).
func (b *Bus) Subscribe(filter string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	sub := &subscriber{
		filter: filter,
		queue:  make(chan Event, b.queueDepth),
		done:   make(chan struct{}),
	}
	b.subscribers[id] = sub
	return &Subscription{id: id, bus: b, events: sub.queue}
}

// Unsubscribe removes a subscription. Safe to call more than once.
func (b *Bus) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subscribers[s.id]; ok {
		close(sub.done)
		delete(b.subscribers, s.id)
	}
}

// Publish delivers an event to every matching subscriber without blocking.
// A subscriber whose queue is full has the event dropped and its drop
// counter incremented; Publish itself never blocks on a slow subscriber.
func (b *Bus) Publish(name string, fields map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	evt := Event{Name: name, Fields: fields}
	for _, sub := range b.subscribers {
		if sub.filter != "" && !strings.HasPrefix(name, sub.filter) {
			continue
		}
		select {
		case sub.queue <- evt:
		default:
			sub.dropped.Add(1)
			logger.GetLogger().Warn().Str("event", name).Msg("eventbus: subscriber queue full, event dropped")
		}
	}
}

// enforcerSink and similarly-shaped adapters let other packages publish
// onto the bus without importing eventbus's Event type directly.
type enforcerSink struct{ bus *Bus }

// AsEnforcerSink adapts a Bus to the enforcer.EventSink interface shape
// (Publish(event, pluginID, fields)) without eventbus importing enforcer.
func AsEnforcerSink(b *Bus) interface {
	Publish(event string, pluginID string, fields map[string]interface{})
} {
	return enforcerSink{bus: b}
}

func (s enforcerSink) Publish(event string, pluginID string, fields map[string]interface{}) {
	merged := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	merged["pluginId"] = pluginID
	s.bus.Publish(event, merged)
}
