// Package postgres archives finished transcripts in PostgreSQL.
//
// Sessions go into transcription_sessions and final segments into
// transcript_segments, which carries a GIN full-text index over the segment
// text. [Store] is the synchronous data layer; [Sink] sits in front of it on
// the session hot path and writes asynchronously in batches.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	sink := postgres.NewSink(store, logger)
//	defer sink.Close(ctx)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS transcription_sessions (
    id          TEXT         PRIMARY KEY,
    started_at  TIMESTAMPTZ  NOT NULL,
    ended_at    TIMESTAMPTZ,
    status      TEXT         NOT NULL DEFAULT 'running',
    reason      TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_transcription_sessions_started_at
    ON transcription_sessions (started_at);
`

const ddlSegments = `
CREATE TABLE IF NOT EXISTS transcript_segments (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES transcription_sessions (id) ON DELETE CASCADE,
    seq         INTEGER      NOT NULL,
    start_ms    BIGINT       NOT NULL,
    end_ms      BIGINT       NOT NULL,
    speaker     TEXT         NOT NULL DEFAULT '',
    text        TEXT         NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (session_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_fts
    ON transcript_segments USING GIN (to_tsvector('english', text));
`

// Migrate creates the archive tables if they do not exist. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, ddl := range []string{ddlSessions, ddlSegments} {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("archive: migrate: %w", err)
		}
	}
	return nil
}
