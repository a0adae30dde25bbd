// Package broadcast fans pipeline events out to live subscribers. Each
// subscriber owns a bounded queue; a subscriber that cannot keep up has its
// queue dropped and is forced to resynchronise from a fresh snapshot instead
// of stalling the pipeline or silently missing events.
package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxtail/voxtail/internal/event"
	"github.com/voxtail/voxtail/internal/observe"
)

const (
	defaultQueueSize = 64
	defaultHeartbeat = 30 * time.Second

	// minQueueSize leaves room for the resync pair even with a tiny
	// configured queue.
	minQueueSize = 8
)

// Config assembles a [Hub].
type Config struct {
	// QueueSize is the per-subscriber event queue capacity.
	QueueSize int

	// Heartbeat is the keep-alive publish interval for [Hub.Run].
	Heartbeat time.Duration

	// Snapshot produces the current pipeline state. It is called for every
	// new subscriber and for every forced resync.
	Snapshot func() event.Snapshot

	Metrics *observe.Metrics
	Logger  *slog.Logger
}

// Subscriber is one attached event consumer.
type Subscriber struct {
	ch chan event.Event
}

// Events returns the subscriber's queue. The channel is closed when the
// subscriber is detached or the hub shuts down.
func (s *Subscriber) Events() <-chan event.Event { return s.ch }

// Hub is the event broadcaster. Publish never blocks on a slow subscriber.
type Hub struct {
	queueSize int
	heartbeat time.Duration
	snapshot  func() event.Snapshot
	metrics   *observe.Metrics
	log       *slog.Logger

	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	closed bool
}

var _ event.Publisher = (*Hub)(nil)

// New creates a hub. Call [Hub.Run] to enable heartbeats and shutdown.
func New(cfg Config) *Hub {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if queueSize < minQueueSize {
		queueSize = minQueueSize
	}
	heartbeat := cfg.Heartbeat
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeat
	}
	snapshot := cfg.Snapshot
	if snapshot == nil {
		snapshot = func() event.Snapshot { return event.Snapshot{} }
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		queueSize: queueSize,
		heartbeat: heartbeat,
		snapshot:  snapshot,
		metrics:   metrics,
		log:       log,
		subs:      map[*Subscriber]struct{}{},
	}
}

// Subscribe attaches a new consumer. Its first event is always a snapshot of
// the current state, so a late joiner is consistent without replaying
// history; live events follow in publish order.
func (h *Hub) Subscribe() *Subscriber {
	sub := &Subscriber{ch: make(chan event.Event, h.queueSize)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub
	}
	sub.ch <- h.snapshotEvent()
	h.subs[sub] = struct{}{}
	count := len(h.subs)
	h.mu.Unlock()

	h.metrics.Subscribers.Add(context.Background(), 1)
	h.log.Debug("subscriber attached", "subscribers", count)
	return sub
}

// Unsubscribe detaches sub and closes its queue. Safe to call after the hub
// shut down; detaching twice is a no-op.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	if ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if ok {
		h.metrics.Subscribers.Add(context.Background(), -1)
		h.log.Debug("subscriber detached", "subscribers", count)
	}
}

// Publish implements [event.Publisher]. Events are delivered to every
// subscriber in publish order. A subscriber whose queue is full has the queue
// dropped and receives a resync marker followed by a fresh snapshot.
func (h *Hub) Publish(ev event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for sub := range h.subs {
		select {
		case sub.ch <- ev:
		default:
			h.resyncLocked(sub)
		}
	}
}

// resyncLocked drops sub's queued events and replaces them with a resync
// marker and a fresh snapshot. Caller holds the mutex, which also excludes
// concurrent sends, so the drain cannot race with Publish.
func (h *Hub) resyncLocked(sub *Subscriber) {
	dropped := 0
	for {
		select {
		case <-sub.ch:
			dropped++
		default:
			sub.ch <- event.Event{Type: event.TypeResync, Timestamp: time.Now()}
			sub.ch <- h.snapshotEvent()
			h.metrics.EventsDropped.Add(context.Background(), int64(dropped))
			h.log.Warn("subscriber queue overflowed, forced resync", "dropped", dropped)
			return
		}
	}
}

func (h *Hub) snapshotEvent() event.Event {
	snap := h.snapshot()
	return event.Event{
		Type:      event.TypeSnapshot,
		SessionID: snap.SessionID,
		Timestamp: time.Now(),
		Snapshot:  &snap,
	}
}

// Run publishes heartbeats until ctx is cancelled, then closes every
// subscriber queue. Heartbeats flow regardless of pipeline activity so
// subscribers can detect dead connections.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Publish(event.Event{Type: event.TypeHeartbeat, Timestamp: time.Now()})
		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	h.closed = true
	n := len(h.subs)
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
	h.mu.Unlock()

	if n > 0 {
		h.metrics.Subscribers.Add(context.Background(), -int64(n))
	}
}
