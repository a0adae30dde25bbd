package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/voxtail/voxtail/internal/store"
	"github.com/voxtail/voxtail/pkg/types"
)

// Store implements [store.TranscriptStore] on PostgreSQL.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.TranscriptStore = (*Store)(nil)

// NewStore connects to dsn, runs [Migrate], and returns the store.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// CreateSession implements [store.TranscriptStore].
func (s *Store) CreateSession(ctx context.Context, sess types.Session) error {
	const q = `
		INSERT INTO sessions (id, start_time, end_time, mode)
		VALUES ($1, $2, $3, $4)`

	var end *time.Time
	if !sess.EndTime.IsZero() {
		end = &sess.EndTime
	}
	_, err := s.pool.Exec(ctx, q, sess.ID, sess.StartTime, end, string(sess.Mode))
	if err != nil {
		return fmt.Errorf("postgres: create session: %w", err)
	}
	return nil
}

// CloseSession implements [store.TranscriptStore].
func (s *Store) CloseSession(ctx context.Context, id string, end time.Time) error {
	const q = `UPDATE sessions SET end_time = $2 WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, id, end)
	if err != nil {
		return fmt.Errorf("postgres: close session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

// GetSession implements [store.TranscriptStore].
func (s *Store) GetSession(ctx context.Context, id string) (types.Session, error) {
	const q = `SELECT id, start_time, end_time, mode FROM sessions WHERE id = $1`

	sess, err := scanSession(s.pool.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Session{}, store.ErrSessionNotFound
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("postgres: get session: %w", err)
	}
	return sess, nil
}

// ListSessions implements [store.TranscriptStore].
func (s *Store) ListSessions(ctx context.Context) ([]types.Session, error) {
	const q = `SELECT id, start_time, end_time, mode FROM sessions ORDER BY start_time DESC`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("postgres: list sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Session, error) {
		return scanSession(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan sessions: %w", err)
	}
	if sessions == nil {
		sessions = []types.Session{}
	}
	return sessions, nil
}

// AppendRawSegment implements [store.TranscriptStore].
func (s *Store) AppendRawSegment(ctx context.Context, seg types.RawSegment) error {
	const q = `
		INSERT INTO raw_segments (session_id, sequence, text, timestamp, audio_source, confidence)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		seg.SessionID,
		int64(seg.Sequence),
		seg.Text,
		seg.Timestamp,
		string(seg.Source),
		seg.Confidence,
	)
	if err != nil {
		return fmt.Errorf("postgres: append raw segment: %w", err)
	}
	return nil
}

// InsertProcessedTranscript implements [store.TranscriptStore].
func (s *Store) InsertProcessedTranscript(ctx context.Context, tr types.ProcessedTranscript) error {
	const q = `
		INSERT INTO processed_transcripts
		    (session_id, processed_text, source_segments, model, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		tr.SessionID,
		tr.ProcessedText,
		toInt64s(tr.SourceSegmentIDs),
		tr.Model,
		tr.StartedAt,
		tr.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert processed transcript: %w", err)
	}
	return nil
}

// InsertSummary implements [store.TranscriptStore]. A re-generated summary
// for the same session replaces the previous one.
func (s *Store) InsertSummary(ctx context.Context, sum types.SessionSummary) error {
	const q = `
		INSERT INTO session_summaries (session_id, summary, keywords, model, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE
		SET summary = EXCLUDED.summary,
		    keywords = EXCLUDED.keywords,
		    model = EXCLUDED.model,
		    created_at = EXCLUDED.created_at`

	_, err := s.pool.Exec(ctx, q,
		sum.SessionID, sum.Summary, sum.Keywords, sum.Model, sum.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert summary: %w", err)
	}
	return nil
}

// LoadSessionHistory implements [store.TranscriptStore].
func (s *Store) LoadSessionHistory(ctx context.Context, id string) (*store.SessionHistory, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	hist := &store.SessionHistory{Session: sess}

	const qRaw = `
		SELECT session_id, sequence, text, timestamp, audio_source, confidence
		FROM   raw_segments
		WHERE  session_id = $1
		ORDER  BY sequence`

	rows, err := s.pool.Query(ctx, qRaw, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: load raw segments: %w", err)
	}
	hist.Raw, err = pgx.CollectRows(rows, scanRawSegment)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan raw segments: %w", err)
	}

	const qProcessed = `
		SELECT session_id, processed_text, source_segments, model, started_at, completed_at
		FROM   processed_transcripts
		WHERE  session_id = $1
		ORDER  BY completed_at`

	rows, err = s.pool.Query(ctx, qProcessed, id)
	if err != nil {
		return nil, fmt.Errorf("postgres: load processed transcripts: %w", err)
	}
	hist.Processed, err = pgx.CollectRows(rows, scanProcessed)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan processed transcripts: %w", err)
	}

	const qSummary = `
		SELECT session_id, summary, keywords, model, created_at
		FROM   session_summaries
		WHERE  session_id = $1`

	var sum types.SessionSummary
	err = s.pool.QueryRow(ctx, qSummary, id).Scan(
		&sum.SessionID, &sum.Summary, &sum.Keywords, &sum.Model, &sum.CreatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// no summary yet
	case err != nil:
		return nil, fmt.Errorf("postgres: load summary: %w", err)
	default:
		hist.Summary = &sum
	}

	return hist, nil
}

// SearchTranscripts implements [store.TranscriptStore]. The query is passed
// to plainto_tsquery so no special operator syntax is required.
func (s *Store) SearchTranscripts(ctx context.Context, query string, opts store.SearchOpts) ([]types.ProcessedTranscript, error) {
	args := []any{query} // $1 = FTS query string
	conditions := []string{
		"to_tsvector('english', processed_text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		args = append(args, opts.SessionID)
		conditions = append(conditions, fmt.Sprintf("session_id = $%d", len(args)))
	}

	q := "SELECT session_id, processed_text, source_segments, model, started_at, completed_at\n" +
		"FROM   processed_transcripts\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY completed_at"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: search transcripts: %w", err)
	}
	results, err := pgx.CollectRows(rows, scanProcessed)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan search results: %w", err)
	}
	if results == nil {
		results = []types.ProcessedTranscript{}
	}
	return results, nil
}

// scanSession scans one sessions row; end_time NULL maps to the zero value.
func scanSession(row pgx.Row) (types.Session, error) {
	var (
		sess types.Session
		end  *time.Time
		mode string
	)
	if err := row.Scan(&sess.ID, &sess.StartTime, &end, &mode); err != nil {
		return types.Session{}, err
	}
	if end != nil {
		sess.EndTime = *end
	}
	sess.Mode = types.RecognizerMode(mode)
	return sess, nil
}

func scanRawSegment(row pgx.CollectableRow) (types.RawSegment, error) {
	var (
		seg    types.RawSegment
		seq    int64
		source string
	)
	if err := row.Scan(&seg.SessionID, &seq, &seg.Text, &seg.Timestamp, &source, &seg.Confidence); err != nil {
		return types.RawSegment{}, err
	}
	seg.Sequence = uint64(seq)
	seg.Source = types.AudioSource(source)
	return seg, nil
}

func scanProcessed(row pgx.CollectableRow) (types.ProcessedTranscript, error) {
	var (
		tr  types.ProcessedTranscript
		ids []int64
	)
	if err := row.Scan(&tr.SessionID, &tr.ProcessedText, &ids, &tr.Model, &tr.StartedAt, &tr.CompletedAt); err != nil {
		return types.ProcessedTranscript{}, err
	}
	tr.SourceSegmentIDs = toUint64s(ids)
	return tr, nil
}

func toInt64s(in []uint64) []int64 {
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

func toUint64s(in []int64) []uint64 {
	out := make([]uint64, len(in))
	for i, v := range in {
		out[i] = uint64(v)
	}
	return out
}
