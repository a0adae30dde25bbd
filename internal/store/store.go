// Package store defines the persistence contract for sessions, raw segments,
// processed transcripts, and session summaries.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/voxtail/voxtail/pkg/types"
)

// ErrSessionNotFound is returned when a session id does not exist.
var ErrSessionNotFound = errors.New("store: session not found")

// SearchOpts filters a full-text transcript search.
type SearchOpts struct {
	// SessionID restricts the search to one session when non-empty.
	SessionID string

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// SessionHistory is everything persisted for one session.
type SessionHistory struct {
	Session   types.Session
	Raw       []types.RawSegment
	Processed []types.ProcessedTranscript

	// Summary is nil when no end-of-session summary was generated.
	Summary *types.SessionSummary
}

// TranscriptStore is the persistence contract consumed by the pipeline.
// Implementations must be safe for concurrent use.
type TranscriptStore interface {
	// CreateSession records a newly opened session.
	CreateSession(ctx context.Context, s types.Session) error

	// CloseSession sets the end time of an open session.
	CloseSession(ctx context.Context, id string, end time.Time) error

	// GetSession returns one session or [ErrSessionNotFound].
	GetSession(ctx context.Context, id string) (types.Session, error)

	// ListSessions returns all sessions, newest first.
	ListSessions(ctx context.Context) ([]types.Session, error)

	// AppendRawSegment persists one raw segment.
	AppendRawSegment(ctx context.Context, seg types.RawSegment) error

	// InsertProcessedTranscript persists one deduplication result.
	InsertProcessedTranscript(ctx context.Context, tr types.ProcessedTranscript) error

	// InsertSummary persists the end-of-session summary.
	InsertSummary(ctx context.Context, sum types.SessionSummary) error

	// LoadSessionHistory returns the full persisted record of one session,
	// raw segments in sequence order and transcripts in completion order.
	LoadSessionHistory(ctx context.Context, id string) (*SessionHistory, error)

	// SearchTranscripts runs a full-text search over processed transcripts.
	SearchTranscripts(ctx context.Context, query string, opts SearchOpts) ([]types.ProcessedTranscript, error)

	// Close releases the store's resources.
	Close()
}
