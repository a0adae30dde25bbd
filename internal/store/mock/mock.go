// Package mock provides an in-memory store.TranscriptStore for tests and for
// running without a configured database.
package mock

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/voxtail/voxtail/internal/store"
	"github.com/voxtail/voxtail/pkg/types"
)

// Store is an in-memory [store.TranscriptStore]. Set the *Err fields to
// inject failures; every write is recorded so tests can assert persistence
// order. Safe for concurrent use.
type Store struct {
	mu sync.Mutex

	sessions    map[string]types.Session
	rawSegments map[string][]types.RawSegment
	processed   map[string][]types.ProcessedTranscript
	summaries   map[string]types.SessionSummary

	// Error injection. When set, the corresponding method fails.
	CreateSessionErr error
	CloseSessionErr  error
	AppendRawErr     error
	InsertErr        error
	SummaryErr       error

	// AppendedRaw records every AppendRawSegment call, in order.
	AppendedRaw []types.RawSegment

	// Inserted records every InsertProcessedTranscript call, in order.
	Inserted []types.ProcessedTranscript
}

var _ store.TranscriptStore = (*Store)(nil)

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		sessions:    map[string]types.Session{},
		rawSegments: map[string][]types.RawSegment{},
		processed:   map[string][]types.ProcessedTranscript{},
		summaries:   map[string]types.SessionSummary{},
	}
}

// CreateSession implements [store.TranscriptStore].
func (s *Store) CreateSession(_ context.Context, sess types.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateSessionErr != nil {
		return s.CreateSessionErr
	}
	s.sessions[sess.ID] = sess
	return nil
}

// CloseSession implements [store.TranscriptStore].
func (s *Store) CloseSession(_ context.Context, id string, end time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CloseSessionErr != nil {
		return s.CloseSessionErr
	}
	sess, ok := s.sessions[id]
	if !ok {
		return store.ErrSessionNotFound
	}
	sess.EndTime = end
	s.sessions[id] = sess
	return nil
}

// GetSession implements [store.TranscriptStore].
func (s *Store) GetSession(_ context.Context, id string) (types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return types.Session{}, store.ErrSessionNotFound
	}
	return sess, nil
}

// ListSessions implements [store.TranscriptStore].
func (s *Store) ListSessions(_ context.Context) ([]types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartTime.After(out[j].StartTime)
	})
	return out, nil
}

// AppendRawSegment implements [store.TranscriptStore].
func (s *Store) AppendRawSegment(_ context.Context, seg types.RawSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.AppendRawErr != nil {
		return s.AppendRawErr
	}
	s.rawSegments[seg.SessionID] = append(s.rawSegments[seg.SessionID], seg)
	s.AppendedRaw = append(s.AppendedRaw, seg)
	return nil
}

// InsertProcessedTranscript implements [store.TranscriptStore].
func (s *Store) InsertProcessedTranscript(_ context.Context, tr types.ProcessedTranscript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.InsertErr != nil {
		return s.InsertErr
	}
	s.processed[tr.SessionID] = append(s.processed[tr.SessionID], tr)
	s.Inserted = append(s.Inserted, tr)
	return nil
}

// InsertSummary implements [store.TranscriptStore].
func (s *Store) InsertSummary(_ context.Context, sum types.SessionSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SummaryErr != nil {
		return s.SummaryErr
	}
	s.summaries[sum.SessionID] = sum
	return nil
}

// LoadSessionHistory implements [store.TranscriptStore].
func (s *Store) LoadSessionHistory(_ context.Context, id string) (*store.SessionHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	hist := &store.SessionHistory{
		Session:   sess,
		Raw:       append([]types.RawSegment(nil), s.rawSegments[id]...),
		Processed: append([]types.ProcessedTranscript(nil), s.processed[id]...),
	}
	if sum, ok := s.summaries[id]; ok {
		hist.Summary = &sum
	}
	return hist, nil
}

// SearchTranscripts implements [store.TranscriptStore] with a naive
// case-insensitive substring match in place of full-text search.
func (s *Store) SearchTranscripts(_ context.Context, query string, opts store.SearchOpts) ([]types.ProcessedTranscript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	needle := strings.ToLower(query)
	out := []types.ProcessedTranscript{}
	for sessionID, trs := range s.processed {
		if opts.SessionID != "" && opts.SessionID != sessionID {
			continue
		}
		for _, tr := range trs {
			if strings.Contains(strings.ToLower(tr.ProcessedText), needle) {
				out = append(out, tr)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CompletedAt.Before(out[j].CompletedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

// Close implements [store.TranscriptStore].
func (s *Store) Close() {}

// RawCount returns the number of raw segments persisted for a session.
func (s *Store) RawCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rawSegments[sessionID])
}

// ProcessedCount returns the number of transcripts persisted for a session.
func (s *Store) ProcessedCount(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processed[sessionID])
}

// Summary returns the persisted summary for a session, if any.
func (s *Store) Summary(sessionID string) (types.SessionSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, ok := s.summaries[sessionID]
	return sum, ok
}
