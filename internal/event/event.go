// Package event defines the typed lifecycle events exchanged between the
// pipeline components and delivered to live subscribers.
//
// Components never call each other's rendering code directly: the stream
// parser, session coordinator, and deduplication engine each publish events
// through a [Publisher], and the broadcaster fans them out. This keeps every
// component testable by feeding it scripted input and asserting the events
// it emits.
package event

import (
	"time"

	"github.com/voxtail/voxtail/pkg/types"
)

// Type discriminates the payload of an [Event].
type Type string

const (
	// TypeSessionOpened is published when a recording session starts.
	TypeSessionOpened Type = "session_opened"

	// TypeSessionClosed is published when a recording session has fully
	// stopped, including its final processing flush.
	TypeSessionClosed Type = "session_closed"

	// TypeSegmentAdded is published for every raw segment appended to a
	// session's history.
	TypeSegmentAdded Type = "raw_segment"

	// TypeProcessingStarted is published when a batch is handed to the
	// deduplication engine.
	TypeProcessingStarted Type = "processing_started"

	// TypeProcessingCompleted is published when a deduplication run
	// succeeded and produced a processed transcript.
	TypeProcessingCompleted Type = "processing_completed"

	// TypeProcessingError is published when a deduplication run failed.
	// The batch's segments are restored to the pending batch; nothing is
	// lost.
	TypeProcessingError Type = "processing_error"

	// TypePersistenceError is published when a storage write failed after a
	// successful model call. The transcript is still delivered to
	// subscribers and queued for a best-effort retried write.
	TypePersistenceError Type = "persistence_error"

	// TypeStreamFatal is published when the recognizer subprocess died or
	// produced an unrecoverable I/O failure. The session is degraded.
	TypeStreamFatal Type = "stream_fatal"

	// TypeSummaryReady is published when the end-of-session summary has
	// been generated.
	TypeSummaryReady Type = "summary_ready"

	// TypeHeartbeat is published on a fixed interval independent of
	// pipeline activity so subscribers can detect dead connections.
	TypeHeartbeat Type = "heartbeat"

	// TypeSnapshot carries the synthetic current-state snapshot sent to a
	// subscriber before any live events.
	TypeSnapshot Type = "snapshot"

	// TypeResync tells a subscriber its queue overflowed and was dropped;
	// a fresh snapshot follows immediately.
	TypeResync Type = "resync"
)

// Snapshot is the synthetic current-state view delivered to late-joining
// subscribers so they are consistent without replaying full history.
type Snapshot struct {
	// SessionID is the open session's id, or "" when idle.
	SessionID string `json:"session_id,omitempty"`

	// Recording reports whether a session is currently open.
	Recording bool `json:"recording"`

	// AccumulatedCount is the number of segments in the pending
	// (not yet submitted) batch.
	AccumulatedCount int `json:"accumulated_count"`

	// InFlight reports whether a deduplication run is outstanding.
	InFlight bool `json:"in_flight"`

	// LastSequence is the highest sequence number assigned so far.
	LastSequence uint64 `json:"last_sequence"`

	// ProcessedCount is the number of processed transcripts produced so
	// far in the open session.
	ProcessedCount int `json:"processed_count"`
}

// Event is a single pipeline lifecycle event. Only the fields relevant to
// the Type are populated.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Segment is set for TypeSegmentAdded.
	Segment *types.RawSegment `json:"segment,omitempty"`

	// AccumulatedCount mirrors the pending batch size after the event, for
	// TypeSegmentAdded.
	AccumulatedCount int `json:"accumulated_count,omitempty"`

	// BatchSize is set for the processing events.
	BatchSize int `json:"batch_size,omitempty"`

	// Transcript is set for TypeProcessingCompleted.
	Transcript *types.ProcessedTranscript `json:"transcript,omitempty"`

	// Summary is set for TypeSummaryReady.
	Summary *types.SessionSummary `json:"summary,omitempty"`

	// Snapshot is set for TypeSnapshot.
	Snapshot *Snapshot `json:"snapshot,omitempty"`

	// Err carries the error text for the error-class events.
	Err string `json:"error,omitempty"`
}

// Publisher accepts events for fan-out. Implementations must not block the
// caller on slow consumers.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function to the [Publisher] interface.
type PublisherFunc func(Event)

// Publish implements [Publisher].
func (f PublisherFunc) Publish(ev Event) { f(ev) }

// Discard is a Publisher that drops every event. Useful in tests.
var Discard Publisher = PublisherFunc(func(Event) {})
