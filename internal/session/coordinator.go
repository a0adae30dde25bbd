// Package session owns the per-session accumulation and processing state
// machine. The coordinator assigns the authoritative sequence numbers, batches
// raw segments, schedules deduplication runs against the engine, and
// guarantees that a failed run never loses a segment. The registry above it
// enforces the single-active-session rule and wires recognizer runners to the
// coordinator.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/voxtail/voxtail/internal/dedupe"
	"github.com/voxtail/voxtail/internal/event"
	"github.com/voxtail/voxtail/internal/observe"
	"github.com/voxtail/voxtail/internal/store"
	"github.com/voxtail/voxtail/internal/stream"
	"github.com/voxtail/voxtail/pkg/types"
)

// TriggerReason labels what started a deduplication run.
type TriggerReason string

const (
	// TriggerManual is an explicit process-now request.
	TriggerManual TriggerReason = "manual"

	// TriggerTimer is the periodic auto-process timer.
	TriggerTimer TriggerReason = "timer"

	// TriggerRetry is a rescheduled run after a failure.
	TriggerRetry TriggerReason = "retry"

	// TriggerFlush is the final synchronous run during session stop.
	TriggerFlush TriggerReason = "flush"
)

// State is the coordinator's lifecycle phase.
type State string

const (
	// StateAccumulating means segments are being collected and no run is
	// outstanding.
	StateAccumulating State = "accumulating"

	// StateProcessing means a deduplication run is in flight.
	StateProcessing State = "processing"

	// StateClosed means the session has stopped.
	StateClosed State = "closed"
)

var (
	// ErrClosed is returned by operations on a stopped coordinator.
	ErrClosed = errors.New("session: closed")

	// ErrNothingPending is returned by a trigger that found no accumulated
	// segments to process.
	ErrNothingPending = errors.New("session: nothing pending")
)

// Config assembles a [Coordinator].
type Config struct {
	Session types.Session
	Engine  *dedupe.Engine
	Store   store.TranscriptStore
	Events  event.Publisher
	Metrics *observe.Metrics
	Logger  *slog.Logger

	// AutoInterval arms the periodic processing timer when positive.
	AutoInterval time.Duration

	// MaxRetries bounds automatic retries of a failed run. After the budget
	// is spent the batch stays pending for the next timer or manual trigger.
	MaxRetries int

	// RetryBackoff is the delay before the first retry; it doubles per
	// consecutive failure.
	RetryBackoff time.Duration
}

// Coordinator is the state machine for one recording session.
//
// The mutex guards bookkeeping only. It is never held across a store write, a
// model call, or an event publish, so a slow model can never stall segment
// ingestion.
type Coordinator struct {
	session types.Session
	engine  *dedupe.Engine
	store   store.TranscriptStore
	events  event.Publisher
	metrics *observe.Metrics
	log     *slog.Logger

	autoInterval time.Duration
	maxRetries   int
	retryBackoff time.Duration

	mu           sync.Mutex
	closed       bool
	stopping     bool
	nextSeq      uint64
	pending      []types.RawSegment
	runDone      chan struct{} // non-nil while a run is in flight
	retrigger    bool
	retriggerWhy TriggerReason
	retries      int
	last         *types.ProcessedTranscript
	processed    []types.ProcessedTranscript
	unsaved      []types.ProcessedTranscript
	autoTimer    *time.Timer
	retryTimer   *time.Timer
}

// New creates a coordinator for one session. Call [Coordinator.Start] before
// appending segments.
func New(cfg Config) *Coordinator {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	events := cfg.Events
	if events == nil {
		events = event.Discard
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Coordinator{
		session:      cfg.Session,
		engine:       cfg.Engine,
		store:        cfg.Store,
		events:       events,
		metrics:      metrics,
		log:          log.With("session_id", cfg.Session.ID),
		autoInterval: cfg.AutoInterval,
		maxRetries:   cfg.MaxRetries,
		retryBackoff: cfg.RetryBackoff,
	}
}

// Start persists the session record, announces it, and arms the auto-process
// timer.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.store.CreateSession(ctx, c.session); err != nil {
		return err
	}
	c.metrics.ActiveSessions.Add(ctx, 1)

	c.mu.Lock()
	c.armAutoLocked()
	c.mu.Unlock()

	c.publish(event.Event{Type: event.TypeSessionOpened})
	c.log.Info("session opened", "mode", c.session.Mode)
	return nil
}

// Append assigns the next sequence number to seg and adds it to the pending
// batch. Sequence numbers are strictly increasing and gapless; membership in
// the pending batch is decided under the same lock, so a concurrent trigger
// sees each segment exactly once.
func (c *Coordinator) Append(ctx context.Context, seg stream.Segment) error {
	c.mu.Lock()
	if c.closed || c.stopping {
		c.mu.Unlock()
		return ErrClosed
	}
	c.nextSeq++
	raw := types.RawSegment{
		SessionID:  c.session.ID,
		Sequence:   c.nextSeq,
		Text:       seg.Text,
		Timestamp:  seg.Timestamp,
		Source:     seg.Source,
		Confidence: seg.Confidence,
	}
	c.pending = append(c.pending, raw)
	count := len(c.pending)
	c.mu.Unlock()

	c.metrics.RecordSegment(ctx, string(raw.Source))

	// A persistence failure does not evict the segment from the batch; the
	// in-memory copy remains the processing input.
	if err := c.store.AppendRawSegment(ctx, raw); err != nil {
		c.log.Error("raw segment persist failed", "sequence", raw.Sequence, "err", err)
		c.publish(event.Event{Type: event.TypePersistenceError, Err: err.Error()})
	}

	c.publish(event.Event{
		Type:             event.TypeSegmentAdded,
		Segment:          &raw,
		AccumulatedCount: count,
	})
	return nil
}

// Trigger requests a deduplication run over the pending batch. At most one
// run is in flight per session: a trigger arriving during a run is remembered
// and honoured once the run completes, never dropped and never stacked.
func (c *Coordinator) Trigger(ctx context.Context, reason TriggerReason) error {
	c.mu.Lock()
	if c.closed || c.stopping {
		c.mu.Unlock()
		return ErrClosed
	}
	if reason == TriggerManual || reason == TriggerTimer {
		c.retries = 0
		c.armAutoLocked()
	}
	if c.runDone != nil {
		c.retrigger = true
		c.retriggerWhy = reason
		c.mu.Unlock()
		return nil
	}
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return ErrNothingPending
	}
	batch := c.pending
	c.pending = nil
	prior := c.last
	done := make(chan struct{})
	c.runDone = done
	c.mu.Unlock()

	c.publish(event.Event{Type: event.TypeProcessingStarted, BatchSize: len(batch)})
	go c.run(context.WithoutCancel(ctx), batch, prior, reason, done)
	return nil
}

// run executes one deduplication attempt off the lock.
func (c *Coordinator) run(ctx context.Context, batch []types.RawSegment, prior *types.ProcessedTranscript, reason TriggerReason, done chan struct{}) {
	defer close(done)

	start := time.Now()
	tr, err := c.engine.Process(ctx, c.session.ID, batch, prior)
	elapsed := time.Since(start).Seconds()

	if err != nil {
		c.metrics.RecordProcessingRun(ctx, "error", string(reason), elapsed)
		c.onRunFailed(batch, err)
		return
	}
	c.metrics.RecordProcessingRun(ctx, "success", string(reason), elapsed)
	c.onRunCompleted(ctx, tr)
}

// onRunFailed restores the failed batch to the front of the pending batch, in
// front of anything appended during the run, so the next run processes a
// superset in original sequence order.
func (c *Coordinator) onRunFailed(batch []types.RawSegment, err error) {
	c.mu.Lock()
	c.pending = append(batch, c.pending...)
	c.runDone = nil
	c.retrigger = false
	c.retries++
	attempt := c.retries
	canRetry := attempt <= c.maxRetries && !c.stopping && !c.closed
	backoff := c.retryBackoff << (attempt - 1)
	c.mu.Unlock()

	c.log.Error("deduplication run failed",
		"attempt", attempt, "batch_size", len(batch), "err", err)
	c.publish(event.Event{
		Type:      event.TypeProcessingError,
		BatchSize: len(batch),
		Err:       err.Error(),
	})

	if !canRetry {
		if attempt > c.maxRetries {
			c.log.Warn("retry budget spent, batch stays pending until the next trigger")
		}
		return
	}

	c.mu.Lock()
	if !c.stopping && !c.closed {
		if c.retryTimer != nil {
			c.retryTimer.Stop()
		}
		c.retryTimer = time.AfterFunc(backoff, func() {
			if err := c.Trigger(context.Background(), TriggerRetry); err != nil &&
				!errors.Is(err, ErrClosed) && !errors.Is(err, ErrNothingPending) {
				c.log.Error("retry trigger failed", "err", err)
			}
		})
	}
	c.mu.Unlock()
}

// onRunCompleted records a successful run, persists its transcript, and
// honours a trigger deferred while the run was in flight.
func (c *Coordinator) onRunCompleted(ctx context.Context, tr *types.ProcessedTranscript) {
	c.mu.Lock()
	c.runDone = nil
	c.retries = 0
	c.last = tr
	c.processed = append(c.processed, *tr)
	again := c.retrigger
	why := c.retriggerWhy
	c.retrigger = false
	c.mu.Unlock()

	c.flushUnsaved(ctx)
	c.persistTranscript(ctx, *tr)

	c.publish(event.Event{
		Type:       event.TypeProcessingCompleted,
		Transcript: tr,
		BatchSize:  len(tr.SourceSegmentIDs),
	})

	if again {
		if err := c.Trigger(ctx, why); err != nil &&
			!errors.Is(err, ErrClosed) && !errors.Is(err, ErrNothingPending) {
			c.log.Error("deferred trigger failed", "err", err)
		}
	}
}

// persistTranscript writes one transcript. A write failure queues the
// transcript for a later rewrite; the model output is never regenerated.
func (c *Coordinator) persistTranscript(ctx context.Context, tr types.ProcessedTranscript) {
	if err := c.store.InsertProcessedTranscript(ctx, tr); err != nil {
		c.mu.Lock()
		c.unsaved = append(c.unsaved, tr)
		c.mu.Unlock()
		c.log.Error("transcript persist failed, queued for rewrite", "err", err)
		c.publish(event.Event{Type: event.TypePersistenceError, Err: err.Error()})
	}
}

// flushUnsaved retries persistence of transcripts whose original write failed.
func (c *Coordinator) flushUnsaved(ctx context.Context) {
	c.mu.Lock()
	queued := c.unsaved
	c.unsaved = nil
	c.mu.Unlock()

	for i, tr := range queued {
		if err := c.store.InsertProcessedTranscript(ctx, tr); err != nil {
			c.mu.Lock()
			c.unsaved = append(c.unsaved, queued[i:]...)
			c.mu.Unlock()
			return
		}
		c.log.Info("queued transcript rewrite succeeded")
	}
}

// Stop ends the session: it disarms the timers, waits for an in-flight run,
// performs one synchronous final flush of the remaining pending batch, closes
// the session record, and generates the end-of-session summary. The final
// flush gets exactly one attempt so stop latency stays bounded.
func (c *Coordinator) Stop(ctx context.Context) (*types.SessionSummary, error) {
	c.mu.Lock()
	if c.closed || c.stopping {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.stopping = true
	if c.autoTimer != nil {
		c.autoTimer.Stop()
	}
	if c.retryTimer != nil {
		c.retryTimer.Stop()
	}
	done := c.runDone
	c.mu.Unlock()

	if done != nil {
		<-done
	}

	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	prior := c.last
	c.mu.Unlock()

	if len(batch) > 0 {
		c.finalFlush(ctx, batch, prior)
	}
	c.flushUnsaved(ctx)

	end := time.Now().UTC()
	if err := c.store.CloseSession(ctx, c.session.ID, end); err != nil {
		c.log.Error("close session persist failed", "err", err)
		c.publish(event.Event{Type: event.TypePersistenceError, Err: err.Error()})
	}

	c.mu.Lock()
	c.closed = true
	c.session.EndTime = end
	processed := make([]types.ProcessedTranscript, len(c.processed))
	copy(processed, c.processed)
	c.mu.Unlock()

	c.metrics.ActiveSessions.Add(ctx, -1)

	summary := c.summarize(ctx, processed)

	c.publish(event.Event{Type: event.TypeSessionClosed})
	c.log.Info("session closed",
		"segments", c.nextSeq, "transcripts", len(processed))
	return summary, nil
}

// finalFlush runs the stop-time deduplication pass. On failure the segments
// stay persisted raw and the session still closes.
func (c *Coordinator) finalFlush(ctx context.Context, batch []types.RawSegment, prior *types.ProcessedTranscript) {
	c.publish(event.Event{Type: event.TypeProcessingStarted, BatchSize: len(batch)})

	start := time.Now()
	tr, err := c.engine.Process(ctx, c.session.ID, batch, prior)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		c.metrics.RecordProcessingRun(ctx, "error", string(TriggerFlush), elapsed)
		c.log.Error("final flush failed, segments remain persisted raw",
			"batch_size", len(batch), "err", err)
		c.publish(event.Event{
			Type:      event.TypeProcessingError,
			BatchSize: len(batch),
			Err:       err.Error(),
		})
		return
	}
	c.metrics.RecordProcessingRun(ctx, "success", string(TriggerFlush), elapsed)

	c.mu.Lock()
	c.last = tr
	c.processed = append(c.processed, *tr)
	c.mu.Unlock()

	c.persistTranscript(ctx, *tr)
	c.publish(event.Event{
		Type:       event.TypeProcessingCompleted,
		Transcript: tr,
		BatchSize:  len(tr.SourceSegmentIDs),
	})
}

// summarize generates and persists the end-of-session summary. A summary
// failure is logged and swallowed; stopping always succeeds.
func (c *Coordinator) summarize(ctx context.Context, processed []types.ProcessedTranscript) *types.SessionSummary {
	if len(processed) == 0 {
		return nil
	}
	sum, err := c.engine.Summarize(ctx, c.session.ID, processed)
	if err != nil {
		c.log.Error("summary generation failed", "err", err)
		return nil
	}
	if err := c.store.InsertSummary(ctx, *sum); err != nil {
		c.log.Error("summary persist failed", "err", err)
		c.publish(event.Event{Type: event.TypePersistenceError, Err: err.Error()})
	}
	c.publish(event.Event{Type: event.TypeSummaryReady, Summary: sum})
	return sum
}

// Session returns a copy of the session record.
func (c *Coordinator) Session() types.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// State returns the coordinator's current lifecycle phase.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return StateClosed
	case c.runDone != nil:
		return StateProcessing
	default:
		return StateAccumulating
	}
}

// Snapshot returns the consistent current-state view delivered to
// late-joining subscribers.
func (c *Coordinator) Snapshot() event.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return event.Snapshot{
		SessionID:        c.session.ID,
		Recording:        !c.closed && !c.stopping,
		AccumulatedCount: len(c.pending),
		InFlight:         c.runDone != nil,
		LastSequence:     c.nextSeq,
		ProcessedCount:   len(c.processed),
	}
}

// armAutoLocked (re)arms the auto-process timer. Caller holds the mutex.
func (c *Coordinator) armAutoLocked() {
	if c.autoInterval <= 0 || c.stopping || c.closed {
		return
	}
	if c.autoTimer != nil {
		c.autoTimer.Stop()
	}
	c.autoTimer = time.AfterFunc(c.autoInterval, func() {
		err := c.Trigger(context.Background(), TriggerTimer)
		if err == nil || errors.Is(err, ErrClosed) {
			return
		}
		if errors.Is(err, ErrNothingPending) {
			// Nothing accumulated this period; keep the timer running.
			c.mu.Lock()
			c.armAutoLocked()
			c.mu.Unlock()
			return
		}
		c.log.Error("auto-process trigger failed", "err", err)
	})
}

// publish stamps the session id and timestamp onto ev and hands it to the
// broadcaster.
func (c *Coordinator) publish(ev event.Event) {
	ev.SessionID = c.session.ID
	ev.Timestamp = time.Now()
	c.events.Publish(ev)
}
