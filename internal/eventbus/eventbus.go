// Package eventbus is an in-process pub/sub keyed by run-id. It delivers
// discovery/identifier events from the run engine and enrichment pipeline
// (C5/C9) to SSE subscribers (C11). Delivery is best-effort: a full
// subscriber queue is dropped, not blocked on, and the drop is counted.
package eventbus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/scholarr/ingestcore/internal/observability"
	"github.com/scholarr/ingestcore/internal/types"
)

// DefaultQueueDepth is the per-subscriber channel capacity used when a
// caller does not specify one.
const DefaultQueueDepth = 64

type subscriber struct {
	id int64
	ch chan types.Event
}

// Bus is the process-wide event bus. Construct one per App/Services
// container; do not use a package-level singleton.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int64][]*subscriber
	nextID      int64
	queueDepth  int
	dropped     int64
	logger      *slog.Logger
}

// New returns an empty Bus with the given per-subscriber queue depth.
func New(queueDepth int, logger *slog.Logger) *Bus {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	return &Bus{
		subscribers: make(map[int64][]*subscriber),
		queueDepth:  queueDepth,
		logger:      logger.With("component", "eventbus"),
	}
}

// Subscription is returned by Subscribe; callers read Events() and must
// call Close() when done to free the subscriber slot.
type Subscription struct {
	bus   *Bus
	runID int64
	sub   *subscriber
}

// Events returns the channel events are delivered on.
func (s *Subscription) Events() <-chan types.Event { return s.sub.ch }

// Close unsubscribes, removing the channel from the bus.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.runID, s.sub.id)
}

// Subscribe registers a new subscriber for runID and returns a
// Subscription whose Events() channel receives every Publish call for
// that run-id until Close is called.
func (b *Bus) Subscribe(runID int64) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &subscriber{id: b.nextID, ch: make(chan types.Event, b.queueDepth)}
	b.subscribers[runID] = append(b.subscribers[runID], sub)
	return &Subscription{bus: b, runID: runID, sub: sub}
}

func (b *Bus) unsubscribe(runID int64, subID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[runID]
	for i, s := range subs {
		if s.id == subID {
			close(s.ch)
			b.subscribers[runID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscribers[runID]) == 0 {
		delete(b.subscribers, runID)
	}
}

// Publish delivers an event to every subscriber of runID. It never
// blocks: a subscriber whose queue is full has the event dropped and a
// counter incremented, per spec §4.11's gap-tolerant design.
func (b *Bus) Publish(runID int64, eventType types.EventType, data any) {
	evt := types.Event{RunID: runID, Type: eventType, Data: data, PublishedAt: time.Now()}
	b.mu.Lock()
	subs := append([]*subscriber(nil), b.subscribers[runID]...)
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- evt:
		default:
			b.mu.Lock()
			b.dropped++
			b.mu.Unlock()
			observability.EventsDropped.Inc()
			b.logger.Warn("dropping event on full subscriber queue", "run_id", runID, "event_type", eventType)
		}
	}
}

// DroppedCount returns the number of events dropped so far due to full
// subscriber queues, for observability.
func (b *Bus) DroppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
