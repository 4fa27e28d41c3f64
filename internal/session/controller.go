// Package session owns the per-connection transcription pipeline.
//
// A [Controller] ties one transcoder to one [bridge.Bridge] and exposes the
// session lifecycle IDLE → RUNNING → STOPPED. Start and Stop are idempotent
// and safe to call from any goroutine; the pipeline is launched at most once
// per Controller. Progress and transcripts are published on an event
// [Stream] that any number of subscribers can attach to.
//
// A [Registry] maps connection ids to Controllers so that sessions are never
// shared between connections.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/meetscribe/internal/bridge"
	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/resilience"
	"github.com/MrWong99/meetscribe/internal/transcode"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// State is the lifecycle state of a [Controller].
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateRunning:
		return "RUNNING"
	case StateStopped:
		return "STOPPED"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// Defaults applied by [NewController] to zero config fields.
const (
	DefaultSpawnAttempts    = 2
	DefaultSpawnBackoff     = 200 * time.Millisecond
	DefaultRetainedEvents   = 256
	DefaultSubscriberBuffer = 64
)

// Transcoder is the subprocess side of a session. *transcode.Manager
// implements it.
type Transcoder interface {
	Start(ctx context.Context) error
	Stop() error
	Feed(p []byte) error
	CloseInput() error
	Output() <-chan []byte
	Crashed() <-chan error
	Wait(ctx context.Context) error
}

// Corrector rewrites the text of final transcripts before they are
// published.
type Corrector interface {
	Correct(text string) string
}

// Sink receives a record of every session. Implementations must not block.
type Sink interface {
	SessionStarted(id string, at time.Time)
	Segment(id string, seg stt.Transcript)
	SessionEnded(id string, at time.Time, status, reason string)
}

// Deps are the collaborators of a [Controller]. Transcoder and Provider are
// required.
type Deps struct {
	Transcoder Transcoder
	Provider   stt.Provider
	Sink       Sink
	Corrector  Corrector

	// Recorder, when set, opens a writer that receives a copy of the
	// normalised PCM.
	Recorder func(id string) (io.WriteCloser, error)
}

// ControllerConfig tunes a [Controller].
type ControllerConfig struct {
	// SpawnAttempts bounds transcoder spawn attempts within Start.
	SpawnAttempts int

	// SpawnBackoff is the delay before the second spawn attempt.
	SpawnBackoff time.Duration

	// RetainedEvents is how many events the stream replays to new
	// subscribers.
	RetainedEvents int

	// SubscriberBuffer is the live event buffer per subscriber.
	SubscriberBuffer int

	// Bridge configures the PCM to recognizer bridge.
	Bridge bridge.Config
}

// Option configures a [Controller].
type Option func(*Controller)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics records session, segment, and bridge metrics.
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// Controller runs one transcription session.
type Controller struct {
	id        string
	cfg       ControllerConfig
	deps      Deps
	createdAt time.Time
	stream    *Stream
	logger    *slog.Logger
	metrics   *observe.Metrics

	launchOnce sync.Once
	launchErr  error

	mu             sync.Mutex
	state          State
	cancel         context.CancelFunc
	bridgeDone     chan struct{}
	supervisorDone chan struct{}
	recorder       io.WriteCloser
	done           chan struct{}

	segMu    sync.Mutex
	segments []stt.Transcript
}

// NewController returns an IDLE session.
func NewController(id string, cfg ControllerConfig, deps Deps, opts ...Option) *Controller {
	if cfg.SpawnAttempts <= 0 {
		cfg.SpawnAttempts = DefaultSpawnAttempts
	}
	if cfg.SpawnBackoff <= 0 {
		cfg.SpawnBackoff = DefaultSpawnBackoff
	}
	if cfg.RetainedEvents <= 0 {
		cfg.RetainedEvents = DefaultRetainedEvents
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = DefaultSubscriberBuffer
	}
	c := &Controller{
		id:        id,
		cfg:       cfg,
		deps:      deps,
		createdAt: time.Now(),
		stream:    newStream(cfg.RetainedEvents, cfg.SubscriberBuffer),
		logger:    slog.Default(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("session_id", id)
	return c
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// CreatedAt returns when the controller was created.
func (c *Controller) CreatedAt() time.Time { return c.createdAt }

// Stream returns the session's event stream.
func (c *Controller) Stream() *Stream { return c.stream }

// Done is closed once the session has stopped and released its resources.
func (c *Controller) Done() <-chan struct{} { return c.done }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Segments returns every final transcript published so far, in order.
func (c *Controller) Segments() []stt.Transcript {
	c.segMu.Lock()
	defer c.segMu.Unlock()
	return append([]stt.Transcript(nil), c.segments...)
}

// Start launches the pipeline and returns the event stream. On a RUNNING
// session it returns the same stream without launching again; concurrent
// callers wait for the one launch in progress. On a STOPPED session it
// returns [ErrSessionEnded].
func (c *Controller) Start(ctx context.Context) (*Stream, error) {
	c.mu.Lock()
	switch c.state {
	case StateStopped:
		c.mu.Unlock()
		return nil, ErrSessionEnded
	case StateIdle:
		c.state = StateRunning
		c.stream.publish(c.event(EventStarting))
		if c.metrics != nil {
			c.metrics.ActiveSessions.Add(ctx, 1)
		}
	}
	c.mu.Unlock()

	c.launchOnce.Do(func() { c.launchErr = c.launch(ctx) })
	if c.launchErr != nil {
		return nil, c.launchErr
	}
	return c.stream, nil
}

// launch starts the transcoder and the goroutines that move audio through
// the recognizer. It runs at most once.
func (c *Controller) launch(ctx context.Context) error {
	ctx, span := observe.StartSpan(observe.WithSession(ctx, c.id), "session.launch")
	defer span.End()
	sessCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		cancel()
		return ErrSessionEnded
	}
	c.cancel = cancel
	c.mu.Unlock()

	err := resilience.Retry(ctx, resilience.RetryConfig{
		Attempts:  c.cfg.SpawnAttempts,
		Backoff:   c.cfg.SpawnBackoff,
		Retryable: func(err error) bool { return errors.Is(err, transcode.ErrSpawn) },
		OnRetry: func(attempt int, err error) {
			c.logger.Warn("transcoder failed to start, retrying", "attempt", attempt, "err", err)
		},
	}, c.deps.Transcoder.Start)
	if err != nil {
		span.RecordError(err)
		err = fmt.Errorf("session: start transcoder: %w", err)
		c.fail(err, false)
		return err
	}

	if c.deps.Sink != nil {
		c.deps.Sink.SessionStarted(c.id, time.Now())
	}

	opts := []bridge.Option{
		bridge.WithLogger(c.logger),
		bridge.WithMetrics(c.metrics),
		bridge.WithOnOpening(func() {
			c.stream.publish(c.event(EventModelLoadingStarted))
		}),
		bridge.WithOnOpened(func() {
			c.stream.publish(c.event(EventModelLoadingCompleted))
			c.stream.publish(c.event(EventStarted))
		}),
	}
	if rec := c.openRecorder(); rec != nil {
		opts = append(opts, bridge.WithTap(c.recordTap(rec)))
	}
	b := bridge.New(c.deps.Provider, c.cfg.Bridge, opts...)

	out := make(chan stt.Transcript, c.cfg.SubscriberBuffer)
	runErr := make(chan error, 1)
	bridgeDone := make(chan struct{})
	supervisorDone := make(chan struct{})

	c.mu.Lock()
	c.bridgeDone = bridgeDone
	c.supervisorDone = supervisorDone
	c.mu.Unlock()

	pcm := c.deps.Transcoder.Output()
	go func() {
		defer close(bridgeDone)
		runErr <- b.Run(sessCtx, pcm, out)
	}()
	go func() {
		defer close(supervisorDone)
		c.supervise(sessCtx, out, runErr)
	}()

	c.logger.Info("session started")
	return nil
}

// supervise publishes transcripts and turns the end of the pipeline into the
// terminal event.
func (c *Controller) supervise(ctx context.Context, out <-chan stt.Transcript, runErr <-chan error) {
	crashed := c.deps.Transcoder.Crashed()
	for {
		select {
		case t := <-out:
			c.publishSegment(ctx, t)

		case err := <-crashed:
			c.fail(crashError(err), true)
			return

		case err := <-runErr:
			// Run has returned, so everything it relayed is buffered in out.
		drain:
			for {
				select {
				case t := <-out:
					c.publishSegment(ctx, t)
				default:
					break drain
				}
			}
			c.finishRun(ctx, err)
			return

		case <-ctx.Done():
			return
		}
	}
}

// finishRun decides how the session ends once the bridge has returned.
func (c *Controller) finishRun(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		c.fail(err, true)
		return
	}

	// The PCM stream ended. That is either a drained CloseInput or the
	// subprocess dying; its exit status tells which.
	if werr := c.deps.Transcoder.Wait(ctx); werr != nil {
		if ctx.Err() != nil {
			return
		}
		c.fail(crashError(werr), true)
		return
	}
	if !c.markStopped() {
		return
	}
	c.logger.Info("audio input drained, session stopped")
	c.teardown(false, c.event(EventStopped, func(e *Event) { e.Message = "input_ended" }), "stopped", "input_ended")
}

// Ingest forwards client audio to the transcoder. It returns
// [ErrNotRunning] unless the session is RUNNING.
func (c *Controller) Ingest(p []byte) error {
	if st := c.State(); st != StateRunning {
		return fmt.Errorf("%w (session %s)", ErrNotRunning, st)
	}
	if err := c.deps.Transcoder.Feed(p); err != nil {
		return fmt.Errorf("session: ingest: %w", err)
	}
	return nil
}

// CloseInput signals the end of client audio. Buffered audio is still
// recognised; the session then stops with transcription_stopped.
func (c *Controller) CloseInput() error {
	if st := c.State(); st != StateRunning {
		return fmt.Errorf("%w (session %s)", ErrNotRunning, st)
	}
	if err := c.deps.Transcoder.CloseInput(); err != nil {
		return fmt.Errorf("session: close input: %w", err)
	}
	return nil
}

// Stop ends the session and releases the transcoder, the bridge, and all
// goroutines before returning. The state becomes STOPPED before anything is
// released. Stop is idempotent; later calls wait for the first to finish.
func (c *Controller) Stop() error {
	if !c.markStopped() {
		<-c.done
		return nil
	}
	// Wait for a launch in progress, or prevent one.
	c.launchOnce.Do(func() { c.launchErr = ErrSessionEnded })

	c.logger.Info("stopping session")
	c.teardown(true, c.event(EventStopped), "stopped", "stopped")
	return nil
}

// fail ends the session with transcription_failed. fromSupervisor is set
// when called on the supervisor goroutine, which teardown must then not wait
// for.
func (c *Controller) fail(err error, fromSupervisor bool) {
	if !c.markStopped() {
		return
	}
	kind := ErrorKind(err)
	c.logger.Error("session failed", "kind", kind, "err", err)
	ev := c.event(EventFailed, func(e *Event) {
		e.Error = &EventError{Kind: kind, Message: err.Error()}
	})
	c.teardown(!fromSupervisor, ev, "failed", kind)
}

// markStopped moves to STOPPED and reports whether this call did so.
func (c *Controller) markStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateStopped {
		return false
	}
	if c.state == StateRunning && c.metrics != nil {
		c.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	c.state = StateStopped
	return true
}

// teardown releases everything the launch acquired, publishes terminal, and
// closes Done. Exactly one caller reaches it, after markStopped.
func (c *Controller) teardown(waitSupervisor bool, terminal Event, status, reason string) {
	c.mu.Lock()
	cancel := c.cancel
	bridgeDone := c.bridgeDone
	supervisorDone := c.supervisorDone
	rec := c.recorder
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := c.deps.Transcoder.Stop(); err != nil {
		c.logger.Warn("stopping transcoder", "err", err)
	}
	if bridgeDone != nil {
		<-bridgeDone
	}
	if waitSupervisor && supervisorDone != nil {
		<-supervisorDone
	}
	if rec != nil {
		if err := rec.Close(); err != nil {
			c.logger.Warn("closing recording", "err", err)
		}
	}
	if ec, ok := c.deps.Transcoder.(interface{ ExitCode() (int, bool) }); ok {
		if code, reaped := ec.ExitCode(); reaped {
			c.logger.Debug("transcoder reaped", "exit_code", code)
		}
	}

	c.stream.publish(terminal)
	if c.deps.Sink != nil {
		c.deps.Sink.SessionEnded(c.id, time.Now(), status, reason)
	}
	if c.metrics != nil {
		c.metrics.RecordSessionEnd(context.Background(), status)
	}
	close(c.done)
}

func (c *Controller) publishSegment(ctx context.Context, t stt.Transcript) {
	if t.IsFinal {
		if c.deps.Corrector != nil {
			t.Text = c.deps.Corrector.Correct(t.Text)
		}
		c.segMu.Lock()
		c.segments = append(c.segments, t)
		c.segMu.Unlock()
		if c.deps.Sink != nil {
			c.deps.Sink.Segment(c.id, t)
		}
	}
	if c.metrics != nil {
		c.metrics.RecordSegment(ctx, t.IsFinal)
	}
	c.stream.publish(c.event(EventSegment, func(e *Event) { e.Segment = NewSegment(t) }))
}

func (c *Controller) openRecorder() io.WriteCloser {
	if c.deps.Recorder == nil {
		return nil
	}
	rec, err := c.deps.Recorder(c.id)
	if err != nil {
		c.logger.Warn("recording disabled for session", "err", err)
		return nil
	}
	c.mu.Lock()
	c.recorder = rec
	c.mu.Unlock()
	return rec
}

// recordTap copies PCM to rec and gives up after the first write error.
func (c *Controller) recordTap(rec io.Writer) func([]byte) {
	failed := false
	return func(p []byte) {
		if failed {
			return
		}
		if _, err := rec.Write(p); err != nil {
			failed = true
			c.logger.Warn("recording write failed, recording stopped", "err", err)
		}
	}
}

func (c *Controller) event(t EventType, mods ...func(*Event)) Event {
	e := Event{Type: t, SessionID: c.id, Timestamp: time.Now().UTC()}
	for _, m := range mods {
		m(&e)
	}
	return e
}

// crashError makes err match transcode.ErrProcessCrashed.
func crashError(err error) error {
	if err == nil || errors.Is(err, transcode.ErrProcessCrashed) {
		return err
	}
	return fmt.Errorf("%w: %w", transcode.ErrProcessCrashed, err)
}
