package trace

import (
	"errors"
	"strings"
	"sync"

	"github.com/lumenflow/conductor/common/models"
)

// ErrSubscriberLagged is reported by a subscription whose buffer overflowed.
// The subscriber must reattach and catch up from the store.
var ErrSubscriberLagged = errors.New("subscriber lagged")

// Stream selects which event stream a subscription receives
type Stream string

const (
	StreamEvents Stream = "events"
	StreamTrace  Stream = "trace"
	StreamAll    Stream = ""
)

// Envelope is one delivered item. Exactly one of Trace or Event is set.
type Envelope struct {
	Stream Stream
	Trace  *models.TraceEvent
	Event  *models.WorkflowEvent
}

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// DroppedCounter is notified when a subscriber is dropped for lagging
type DroppedCounter interface {
	Inc()
}

// SubscribeOptions filters what a subscription receives
type SubscribeOptions struct {
	RunID      string
	Stream     Stream // StreamAll delivers both streams
	TypePrefix string // optional prefix filter on the event type
}

// Subscription is one consumer's cursor into a run's event flow
type Subscription struct {
	opts SubscribeOptions
	ch   chan Envelope

	mu      sync.Mutex
	dropped bool
	err     error
}

// C returns the delivery channel. It is closed when the subscription is
// dropped or unsubscribed; check Err afterwards.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

// Err reports why the channel closed; ErrSubscriberLagged after an overflow
// drop, nil after a clean unsubscribe
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription) wants(stream Stream, eventType string) bool {
	if s.opts.Stream != StreamAll && s.opts.Stream != stream {
		return false
	}
	if s.opts.TypePrefix != "" && !strings.HasPrefix(eventType, s.opts.TypePrefix) {
		return false
	}
	return true
}

// Hub fans committed events out to subscribers. One producer (the applier's
// commit hook) pushes in sequence order; each subscriber has its own buffer.
// A slow subscriber never blocks the coordinator: on overflow it is dropped
// and its channel closed with ErrSubscriberLagged.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string][]*Subscription // run id -> subscriptions
	bufferSize int
	logger     Logger
	dropped    DroppedCounter
}

// NewHub creates a hub with the given per-subscriber buffer size
func NewHub(bufferSize int, logger Logger, dropped DroppedCounter) *Hub {
	return &Hub{
		subs:       make(map[string][]*Subscription),
		bufferSize: bufferSize,
		logger:     logger,
		dropped:    dropped,
	}
}

// Subscribe registers a new subscription for a run
func (h *Hub) Subscribe(opts SubscribeOptions) *Subscription {
	sub := &Subscription{
		opts: opts,
		ch:   make(chan Envelope, h.bufferSize),
	}

	h.mu.Lock()
	h.subs[opts.RunID] = append(h.subs[opts.RunID], sub)
	h.mu.Unlock()

	h.logger.Debug("subscriber attached", "run_id", opts.RunID, "stream", string(opts.Stream))
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	h.removeLocked(sub)
	h.mu.Unlock()

	sub.mu.Lock()
	if !sub.dropped {
		sub.dropped = true
		close(sub.ch)
	}
	sub.mu.Unlock()
}

// PublishTrace delivers committed trace events to matching subscribers
func (h *Hub) PublishTrace(events []models.TraceEvent) {
	for i := range events {
		ev := events[i]
		h.publish(ev.RunID, Envelope{Stream: StreamTrace, Trace: &ev}, string(ev.Type))
	}
}

// PublishWorkflow delivers committed workflow events to matching subscribers
func (h *Hub) PublishWorkflow(events []models.WorkflowEvent) {
	for i := range events {
		ev := events[i]
		h.publish(ev.RunID, Envelope{Stream: StreamEvents, Event: &ev}, string(ev.Type))
	}
}

// CloseRun drops all subscriptions for a run (run deleted)
func (h *Hub) CloseRun(runID string) {
	h.mu.Lock()
	subs := h.subs[runID]
	delete(h.subs, runID)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		if !sub.dropped {
			sub.dropped = true
			close(sub.ch)
		}
		sub.mu.Unlock()
	}
}

func (h *Hub) publish(runID string, env Envelope, eventType string) {
	h.mu.RLock()
	subs := h.subs[runID]
	h.mu.RUnlock()

	var lagged []*Subscription
	for _, sub := range subs {
		if !sub.wants(env.Stream, eventType) {
			continue
		}

		sub.mu.Lock()
		if sub.dropped {
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.ch <- env:
			sub.mu.Unlock()
		default:
			// Buffer full: drop the subscriber rather than block the
			// coordinator. It must reattach and catch up from the store.
			sub.dropped = true
			sub.err = ErrSubscriberLagged
			close(sub.ch)
			sub.mu.Unlock()
			lagged = append(lagged, sub)
		}
	}

	if len(lagged) > 0 {
		h.mu.Lock()
		for _, sub := range lagged {
			h.removeLocked(sub)
		}
		h.mu.Unlock()

		for range lagged {
			if h.dropped != nil {
				h.dropped.Inc()
			}
		}
		h.logger.Warn("dropped lagged subscribers", "run_id", runID, "count", len(lagged))
	}
}

func (h *Hub) removeLocked(sub *Subscription) {
	subs := h.subs[sub.opts.RunID]
	for i, s := range subs {
		if s == sub {
			h.subs[sub.opts.RunID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(h.subs[sub.opts.RunID]) == 0 {
		delete(h.subs, sub.opts.RunID)
	}
}
