package hub

import (
	"sync"
	"time"

	"github.com/ethpandaops/dvtoor/pkg/metrics"
	"github.com/ethpandaops/dvtoor/pkg/result"
	"github.com/sirupsen/logrus"
)

// EventType is the kind of lifecycle event.
type EventType string

// Lifecycle events.
const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is a run lifecycle notification.
type Event struct {
	Type      EventType   `json:"type"`
	RunID     string      `json:"run_id"`
	Category  string      `json:"category"`
	SuiteType string      `json:"suite_type"`
	Results   *result.Set `json:"results,omitempty"`
	Error     string      `json:"error,omitempty"`
	ErrorKind string      `json:"error_kind,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Eviction reasons.
const (
	reasonQueueFull = "queue_full"
	reasonClosed    = "closed"
)

// Subscriber is one live listener. Events are delivered on a buffered
// queue; Done is closed once the subscriber is detached for any reason.
type Subscriber struct {
	id       uint64
	events   chan Event
	done     chan struct{}
	once     sync.Once
	attached time.Time
}

// ID identifies the subscriber within its hub.
func (s *Subscriber) ID() uint64 {
	return s.id
}

// Events returns the subscriber's event queue.
func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Done is closed when the subscriber has been detached.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// AttachedAt returns when the subscriber joined.
func (s *Subscriber) AttachedAt() time.Time {
	return s.attached
}

func (s *Subscriber) connected() time.Duration {
	return time.Since(s.attached).Round(time.Millisecond)
}

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscriber) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Hub fans events out to every attached subscriber. Publishing never
// blocks: a subscriber that cannot take an event is evicted.
type Hub struct {
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	buffer  int

	mu     sync.RWMutex
	subs   map[uint64]*Subscriber
	nextID uint64
	closed bool
}

// New creates a hub whose subscribers queue up to buffer events.
func New(log logrus.FieldLogger, m *metrics.Metrics, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 1
	}

	return &Hub{
		log:     log.WithField("component", "hub"),
		metrics: m,
		buffer:  buffer,
		subs:    make(map[uint64]*Subscriber, 16),
	}
}

// Subscribe attaches a new subscriber. It receives only events published
// after this call. On a closed hub the subscriber is returned detached.
func (h *Hub) Subscribe() *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++

	sub := &Subscriber{
		id:       h.nextID,
		events:   make(chan Event, h.buffer),
		done:     make(chan struct{}),
		attached: time.Now(),
	}

	if h.closed {
		sub.close()

		return sub
	}

	h.subs[sub.id] = sub
	h.metrics.SetSubscribers(len(h.subs))

	h.log.WithField("subscriber", sub.id).Debug("Subscriber attached")

	return sub
}

// Unsubscribe detaches sub. Detaching twice is a no-op.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if h.remove(sub) {
		h.log.WithFields(logrus.Fields{
			"subscriber": sub.id,
			"connected":  sub.connected().String(),
		}).Debug("Subscriber detached")
	}
}

// Publish delivers ev to a snapshot of the current subscribers.
func (h *Hub) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()

	if h.closed {
		h.mu.RUnlock()

		return
	}

	targets := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		targets = append(targets, sub)
	}

	h.mu.RUnlock()

	h.metrics.EventPublished(string(ev.Type))

	for _, sub := range targets {
		if sub.closed() {
			h.evict(sub, reasonClosed)

			continue
		}

		select {
		case sub.events <- ev:
		default:
			h.evict(sub, reasonQueueFull)
		}
	}
}

// Count returns the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.subs)
}

// Close detaches every subscriber. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.closed = true

	for id, sub := range h.subs {
		sub.close()
		delete(h.subs, id)
	}

	h.metrics.SetSubscribers(0)
}

func (h *Hub) evict(sub *Subscriber, reason string) {
	if !h.remove(sub) {
		return
	}

	h.metrics.SubscriberEvicted(reason)

	h.log.WithFields(logrus.Fields{
		"subscriber": sub.id,
		"reason":     reason,
		"connected":  sub.connected().String(),
	}).Warn("Evicted subscriber after failed delivery")
}

func (h *Hub) remove(sub *Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; !ok {
		sub.close()

		return false
	}

	delete(h.subs, sub.id)
	sub.close()
	h.metrics.SetSubscribers(len(h.subs))

	return true
}
