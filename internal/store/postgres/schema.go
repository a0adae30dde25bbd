// Package postgres provides the PostgreSQL-backed transcript store.
//
// All tables share a single [pgxpool.Pool]. [Migrate] is idempotent and safe
// to call on every application start.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT         PRIMARY KEY,
    start_time  TIMESTAMPTZ  NOT NULL,
    end_time    TIMESTAMPTZ,
    mode        TEXT         NOT NULL DEFAULT 'vad'
);

CREATE INDEX IF NOT EXISTS idx_sessions_start_time
    ON sessions (start_time DESC);
`

const ddlRawSegments = `
CREATE TABLE IF NOT EXISTS raw_segments (
    session_id    TEXT              NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    sequence      BIGINT            NOT NULL,
    text          TEXT              NOT NULL,
    timestamp     TIMESTAMPTZ       NOT NULL DEFAULT now(),
    audio_source  TEXT              NOT NULL DEFAULT 'unknown',
    confidence    DOUBLE PRECISION  NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_raw_segments_timestamp
    ON raw_segments (timestamp);
`

const ddlProcessedTranscripts = `
CREATE TABLE IF NOT EXISTS processed_transcripts (
    id               BIGSERIAL    PRIMARY KEY,
    session_id       TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    processed_text   TEXT         NOT NULL,
    source_segments  BIGINT[]     NOT NULL DEFAULT '{}',
    model            TEXT         NOT NULL DEFAULT '',
    started_at       TIMESTAMPTZ  NOT NULL,
    completed_at     TIMESTAMPTZ  NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_processed_session_id
    ON processed_transcripts (session_id);

CREATE INDEX IF NOT EXISTS idx_processed_fts
    ON processed_transcripts USING GIN (to_tsvector('english', processed_text));
`

const ddlSessionSummaries = `
CREATE TABLE IF NOT EXISTS session_summaries (
    session_id  TEXT         PRIMARY KEY REFERENCES sessions (id) ON DELETE CASCADE,
    summary     TEXT         NOT NULL,
    keywords    TEXT[]       NOT NULL DEFAULT '{}',
    model       TEXT         NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);
`

// Migrate creates or ensures all required tables and indexes exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS).
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlSessions,
		ddlRawSegments,
		ddlProcessedTranscripts,
		ddlSessionSummaries,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
