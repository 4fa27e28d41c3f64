package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Segment is one archived final transcript segment.
type Segment struct {
	SessionID  string
	Seq        int
	Start      time.Duration
	End        time.Duration
	Speaker    string
	Text       string
	Confidence float64
}

// SessionRecord is one row of transcription_sessions.
type SessionRecord struct {
	ID        string
	StartedAt time.Time
	EndedAt   time.Time
	Status    string
	Reason    string
}

// Op is a single archive write. Exactly one of its payload fields is set.
type Op struct {
	Started *SessionRecord
	Segment *Segment
	Ended   *SessionRecord
}

// Store is the PostgreSQL archive. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, verifies the connection, and runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("archive: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("archive: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("archive: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Ping checks connectivity. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const (
	qStartSession = `
		INSERT INTO transcription_sessions (id, started_at)
		VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`

	qEndSession = `
		UPDATE transcription_sessions
		SET    ended_at = $2, status = $3, reason = $4
		WHERE  id = $1`

	qInsertSegment = `
		INSERT INTO transcript_segments
		    (session_id, seq, start_ms, end_ms, speaker, text, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id, seq) DO NOTHING`
)

// Apply writes ops in order in a single round trip.
func (s *Store) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, op := range ops {
		switch {
		case op.Started != nil:
			b.Queue(qStartSession, op.Started.ID, op.Started.StartedAt)
		case op.Segment != nil:
			sg := op.Segment
			b.Queue(qInsertSegment, sg.SessionID, sg.Seq, sg.Start.Milliseconds(), sg.End.Milliseconds(),
				sg.Speaker, sg.Text, sg.Confidence)
		case op.Ended != nil:
			b.Queue(qEndSession, op.Ended.ID, op.Ended.EndedAt, op.Ended.Status, op.Ended.Reason)
		}
	}
	if err := s.pool.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("archive: apply %d ops: %w", len(ops), err)
	}
	return nil
}

// Session returns the record for id.
func (s *Store) Session(ctx context.Context, id string) (SessionRecord, error) {
	const q = `
		SELECT id, started_at, COALESCE(ended_at, 'epoch'::timestamptz), status, reason
		FROM   transcription_sessions
		WHERE  id = $1`

	var r SessionRecord
	err := s.pool.QueryRow(ctx, q, id).Scan(&r.ID, &r.StartedAt, &r.EndedAt, &r.Status, &r.Reason)
	if err != nil {
		return SessionRecord{}, fmt.Errorf("archive: session %s: %w", id, err)
	}
	if r.EndedAt.Equal(time.Unix(0, 0)) {
		r.EndedAt = time.Time{}
	}
	return r, nil
}

// Segments returns the archived segments of a session in order.
func (s *Store) Segments(ctx context.Context, sessionID string) ([]Segment, error) {
	const q = `
		SELECT session_id, seq, start_ms, end_ms, speaker, text, confidence
		FROM   transcript_segments
		WHERE  session_id = $1
		ORDER  BY seq`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("archive: segments: %w", err)
	}
	return collectSegments(rows)
}

// Search runs a full-text query over all archived segments, newest session
// first. limit <= 0 means no limit.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Segment, error) {
	q := `
		SELECT g.session_id, g.seq, g.start_ms, g.end_ms, g.speaker, g.text, g.confidence
		FROM   transcript_segments g
		JOIN   transcription_sessions s ON s.id = g.session_id
		WHERE  to_tsvector('english', g.text) @@ plainto_tsquery('english', $1)
		ORDER  BY s.started_at DESC, g.seq`
	args := []any{query}
	if limit > 0 {
		q += "\nLIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("archive: search: %w", err)
	}
	return collectSegments(rows)
}

func collectSegments(rows pgx.Rows) ([]Segment, error) {
	segs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Segment, error) {
		var (
			sg           Segment
			start, end   int64
		)
		if err := row.Scan(&sg.SessionID, &sg.Seq, &start, &end, &sg.Speaker, &sg.Text, &sg.Confidence); err != nil {
			return Segment{}, err
		}
		sg.Start = time.Duration(start) * time.Millisecond
		sg.End = time.Duration(end) * time.Millisecond
		return sg, nil
	})
	if err != nil {
		return nil, fmt.Errorf("archive: scan rows: %w", err)
	}
	if segs == nil {
		segs = []Segment{}
	}
	return segs, nil
}
