// Package bridge moves canonical PCM from the transcoder to a recognition
// backend and relays the resulting transcripts.
//
// A [Bridge] runs three goroutines under one errgroup. The producer copies
// transcoder output into a bounded [Queue]; the consumer opens the
// recognizer, pops chunks in order, and sends them with bounded retry on
// transient errors; the relay forwards recognizer results to the caller in
// the order they were produced.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/resilience"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// ErrRecognitionFailure is returned by Run when the recognizer could not be
// opened, rejected audio permanently, kept failing past the retry budget, or
// ended the session with a fatal error.
var ErrRecognitionFailure = errors.New("bridge: recognition failure")

// Defaults applied by [New] to zero Config fields.
const (
	DefaultCapacity     = 50
	DefaultBlockTimeout = 5 * time.Second
	DefaultMaxRetries   = 3
	DefaultRetryBackoff = 100 * time.Millisecond
	DefaultOpenAttempts = 3
)

// Config tunes a [Bridge].
type Config struct {
	// Capacity is the queue size in chunks.
	Capacity int

	// Policy selects what happens when the queue is full.
	Policy Policy

	// BlockTimeout bounds a blocked push under PolicyBlock. Negative means
	// wait indefinitely.
	BlockTimeout time.Duration

	// MaxRetries is how often a transiently failing SendAudio is repeated
	// with the same chunk before giving up.
	MaxRetries int

	// RetryBackoff is the delay before the first retry; it doubles per
	// attempt.
	RetryBackoff time.Duration

	// OpenAttempts bounds attempts to open the recognizer stream.
	OpenAttempts int

	// Stream is passed to the provider when the stream is opened.
	Stream stt.StreamConfig
}

// Option configures a [Bridge].
type Option func(*Bridge)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics records queue depth, drops, backpressure, retries, and send
// latency.
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithTap registers fn to observe every PCM chunk before it is queued. It
// runs on the producer goroutine and must not retain the slice.
func WithTap(fn func([]byte)) Option {
	return func(b *Bridge) { b.tap = fn }
}

// WithOnOpening registers fn to run just before the recognizer is opened.
func WithOnOpening(fn func()) Option {
	return func(b *Bridge) { b.onOpening = fn }
}

// WithOnOpened registers fn to run once the recognizer accepted the stream.
func WithOnOpened(fn func()) Option {
	return func(b *Bridge) { b.onOpened = fn }
}

// Bridge connects one PCM stream to one recognizer session. A Bridge is
// single-use: Run may be called once.
type Bridge struct {
	provider stt.Provider
	cfg      Config
	queue    *Queue
	logger   *slog.Logger
	metrics  *observe.Metrics

	tap       func([]byte)
	onOpening func()
	onOpened  func()
}

// New returns a Bridge that will open streams on provider.
func New(provider stt.Provider, cfg Config, opts ...Option) *Bridge {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	switch {
	case cfg.BlockTimeout == 0:
		cfg.BlockTimeout = DefaultBlockTimeout
	case cfg.BlockTimeout < 0:
		cfg.BlockTimeout = 0
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.OpenAttempts <= 0 {
		cfg.OpenAttempts = DefaultOpenAttempts
	}

	b := &Bridge{
		provider: provider,
		cfg:      cfg,
		queue:    NewQueue(cfg.Capacity, cfg.Policy, cfg.BlockTimeout),
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	b.queue.onDrop = b.dropped
	return b
}

// Queue exposes the bridge's queue for inspection.
func (b *Bridge) Queue() *Queue { return b.queue }

// Run pumps pcm through the recognizer until pcm is closed and every queued
// chunk has been recognised, then returns nil. Transcripts are sent on out
// in order; out is never closed. Run returns ctx.Err() when cancelled, an
// error matching [ErrBackpressure] when the queue stayed full too long, and
// one matching [ErrRecognitionFailure] when recognition failed.
func (b *Bridge) Run(ctx context.Context, pcm <-chan []byte, out chan<- stt.Transcript) error {
	g, gctx := errgroup.WithContext(ctx)
	handles := make(chan stt.SessionHandle, 1)
	relayDone := make(chan struct{})

	g.Go(func() error { return b.produce(gctx, pcm) })
	g.Go(func() error { return b.consume(gctx, handles, relayDone) })
	g.Go(func() error {
		defer close(relayDone)
		return b.relay(gctx, handles, out)
	})

	err := g.Wait()
	if b.metrics != nil {
		if n := b.queue.Len(); n > 0 {
			b.metrics.QueueDepth.Add(context.Background(), -int64(n))
		}
	}
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// produce copies pcm into the queue and closes the queue at end of stream.
func (b *Bridge) produce(ctx context.Context, pcm <-chan []byte) error {
	for {
		var (
			data []byte
			ok   bool
		)
		select {
		case <-ctx.Done():
			return nil
		case data, ok = <-pcm:
		}
		if !ok {
			b.queue.Close()
			return nil
		}
		if b.tap != nil {
			b.tap(data)
		}

		_, err := b.queue.Push(ctx, data)
		switch {
		case err == nil:
			if b.metrics != nil {
				b.metrics.QueueDepth.Add(ctx, 1)
			}
		case errors.Is(err, ErrBackpressure):
			if b.metrics != nil {
				b.metrics.Backpressure.Add(ctx, 1)
			}
			b.logger.Warn("recognizer is not keeping up", "err", err, "queued", b.queue.Len())
			return err
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("bridge: push: %w", err)
		}
	}
}

// consume opens the recognizer, sends every queued chunk, and after the
// queue drains closes the session and checks its final error.
func (b *Bridge) consume(ctx context.Context, handles chan<- stt.SessionHandle, relayDone <-chan struct{}) error {
	defer close(handles)

	handle, err := b.open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	flushed := false
	defer func() {
		if !flushed {
			if err := handle.Abort(); err != nil {
				b.logger.Debug("aborting recognizer session", "err", err)
			}
		}
	}()
	handles <- handle

	retry := resilience.RetryConfig{
		Attempts:  b.cfg.MaxRetries + 1,
		Backoff:   b.cfg.RetryBackoff,
		Retryable: stt.IsTransient,
		OnRetry: func(attempt int, err error) {
			b.logger.Debug("retrying recognizer send", "attempt", attempt, "err", err)
			if b.metrics != nil {
				b.metrics.RecordRetry(ctx, "send")
			}
		},
	}

	for {
		var (
			chunk Chunk
			ok    bool
		)
		select {
		case chunk, ok = <-b.queue.ch:
		case <-relayDone:
			// Results closed before we asked the recognizer to finish.
			if ctx.Err() != nil {
				return nil
			}
			if err := handle.Err(); err != nil {
				return fmt.Errorf("%w: %w", ErrRecognitionFailure, err)
			}
			return fmt.Errorf("%w: recognizer ended the session", ErrRecognitionFailure)
		case <-ctx.Done():
			return nil
		}
		if !ok {
			break
		}
		if b.metrics != nil {
			b.metrics.QueueDepth.Add(ctx, -1)
		}

		err := resilience.Retry(ctx, retry, func(ctx context.Context) error {
			start := time.Now()
			err := handle.SendAudio(ctx, chunk.Data)
			if b.metrics != nil {
				b.metrics.RecordSend(ctx, time.Since(start))
			}
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: chunk %d: %w", ErrRecognitionFailure, chunk.Seq, err)
		}
	}
	if ctx.Err() != nil {
		return nil
	}

	// Drained: flush the recognizer and wait for its last results. A
	// cancellation during the flush aborts it.
	flushed = true
	aborted := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(aborted)
		_ = handle.Abort()
	})
	if err := handle.Close(); err != nil {
		b.logger.Debug("closing recognizer session", "err", err)
	}
	if !stop() {
		<-aborted
	}
	if ctx.Err() != nil {
		return nil
	}
	select {
	case <-relayDone:
	case <-ctx.Done():
		return nil
	}
	if err := handle.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrRecognitionFailure, err)
	}
	return nil
}

// open starts the recognizer stream, retrying transient failures.
func (b *Bridge) open(ctx context.Context) (stt.SessionHandle, error) {
	ctx, span := observe.StartSpan(ctx, "bridge.open")
	defer span.End()

	if b.onOpening != nil {
		b.onOpening()
	}

	var handle stt.SessionHandle
	err := resilience.Retry(ctx, resilience.RetryConfig{
		Attempts:  b.cfg.OpenAttempts,
		Backoff:   b.cfg.RetryBackoff,
		Retryable: stt.IsTransient,
		OnRetry: func(attempt int, err error) {
			b.logger.Warn("recognizer unavailable, retrying", "attempt", attempt, "err", err)
			if b.metrics != nil {
				b.metrics.RecordRetry(ctx, "open")
			}
		},
	}, func(ctx context.Context) error {
		h, err := b.provider.StartStream(ctx, b.cfg.Stream)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: open stream: %w", ErrRecognitionFailure, err)
	}

	if b.onOpened != nil {
		b.onOpened()
	}
	return handle, nil
}

// relay forwards recognizer results to out until the session's results
// channel closes.
func (b *Bridge) relay(ctx context.Context, handles <-chan stt.SessionHandle, out chan<- stt.Transcript) error {
	var handle stt.SessionHandle
	select {
	case h, ok := <-handles:
		if !ok {
			return nil
		}
		handle = h
	case <-ctx.Done():
		return nil
	}

	results := handle.Results()
	for {
		select {
		case t, ok := <-results:
			if !ok {
				return nil
			}
			select {
			case out <- t:
			case <-ctx.Done():
				return nil
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (b *Bridge) dropped(old Chunk) {
	b.logger.Warn("bridge queue full, dropped oldest chunk",
		"seq", old.Seq, "dropped_total", b.queue.Dropped())
	if b.metrics != nil {
		b.metrics.DroppedChunks.Add(context.Background(), 1)
		b.metrics.QueueDepth.Add(context.Background(), -1)
	}
}
