package postgres

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// Defaults for [NewSink].
const (
	DefaultQueueSize    = 1024
	DefaultBatchSize    = 64
	DefaultWriteTimeout = 5 * time.Second
)

// Applier writes a batch of archive operations. [*Store] implements it.
type Applier interface {
	Apply(ctx context.Context, ops []Op) error
}

// SinkOption configures a [Sink].
type SinkOption func(*Sink)

// WithQueueSize sets how many operations may wait for the writer before new
// ones are dropped.
func WithQueueSize(n int) SinkOption {
	return func(s *Sink) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithBatchSize caps the number of operations per round trip.
func WithBatchSize(n int) SinkOption {
	return func(s *Sink) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithSinkMetrics records archive writes as provider requests.
func WithSinkMetrics(m *observe.Metrics) SinkOption {
	return func(s *Sink) { s.metrics = m }
}

// Sink archives session lifecycle and final segments without blocking the
// caller. Operations are queued and written in order by a single goroutine;
// when the queue is full they are dropped and logged.
//
// Sink implements the session archive hook.
type Sink struct {
	db        Applier
	logger    *slog.Logger
	metrics   *observe.Metrics
	queueSize int
	batchSize int

	ops  chan Op
	done chan struct{}

	mu      sync.Mutex
	closed  bool
	seq     map[string]int
	dropped int
}

// NewSink starts the writer goroutine. Call Close to flush and stop it.
func NewSink(db Applier, logger *slog.Logger, opts ...SinkOption) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Sink{
		db:        db,
		logger:    logger,
		queueSize: DefaultQueueSize,
		batchSize: DefaultBatchSize,
		done:      make(chan struct{}),
		seq:       make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	s.ops = make(chan Op, s.queueSize)
	go s.run()
	return s
}

// SessionStarted archives the start of session id.
func (s *Sink) SessionStarted(id string, at time.Time) {
	s.enqueue(Op{Started: &SessionRecord{ID: id, StartedAt: at}})
}

// Segment archives a final transcript. Interim results and blank text are
// ignored.
func (s *Sink) Segment(id string, t stt.Transcript) {
	if !t.IsFinal || strings.TrimSpace(t.Text) == "" {
		return
	}
	s.mu.Lock()
	seq := s.seq[id]
	s.seq[id] = seq + 1
	s.mu.Unlock()

	s.enqueue(Op{Segment: &Segment{
		SessionID:  id,
		Seq:        seq,
		Start:      t.Start,
		End:        t.End,
		Speaker:    t.SpeakerID,
		Text:       t.Text,
		Confidence: t.Confidence,
	}})
}

// SessionEnded archives the outcome of session id.
func (s *Sink) SessionEnded(id string, at time.Time, status, reason string) {
	s.mu.Lock()
	delete(s.seq, id)
	s.mu.Unlock()
	s.enqueue(Op{Ended: &SessionRecord{ID: id, EndedAt: at, Status: status, Reason: reason}})
}

// Dropped returns the number of operations dropped because the queue was
// full or the sink was closed.
func (s *Sink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close stops accepting operations and waits for the queue to drain or ctx
// to be done.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ops)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sink) enqueue(op Op) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped++
		return
	}
	select {
	case s.ops <- op:
	default:
		s.dropped++
		s.logger.Warn("archive queue full, dropping write", "dropped", s.dropped)
	}
}

func (s *Sink) run() {
	defer close(s.done)
	batch := make([]Op, 0, s.batchSize)
	for op := range s.ops {
		batch = append(batch[:0], op)
	fill:
		for len(batch) < s.batchSize {
			select {
			case next, ok := <-s.ops:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		s.write(batch)
	}
}

func (s *Sink) write(batch []Op) {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
	defer cancel()

	status := "ok"
	if err := s.db.Apply(ctx, batch); err != nil {
		status = "error"
		s.logger.Error("archive write failed", "ops", len(batch), "err", err)
	}
	if s.metrics != nil {
		s.metrics.RecordProviderRequest(ctx, "postgres", "archive", status)
	}
}
