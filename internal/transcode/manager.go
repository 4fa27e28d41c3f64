package transcode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/meetscribe/internal/observe"
)

// ErrNotRunning is returned by Feed and CloseInput when the manager is not in
// the RUNNING state.
var ErrNotRunning = errors.New("transcode: not running")

// State is the lifecycle state of a [Manager].
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
)

// String returns the upper-case state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// DefaultGracePeriod is how long Stop waits for a clean exit before killing.
const DefaultGracePeriod = 2 * time.Second

// ManagerConfig describes the subprocess a [Manager] runs.
type ManagerConfig struct {
	// Path is the executable, typically "ffmpeg".
	Path string

	// Args are the command-line arguments. See [DefaultArgs].
	Args []string

	// ChunkSize is the byte size of PCM chunks delivered on Output.
	ChunkSize int

	// GracePeriod bounds the wait for a clean exit in Stop.
	GracePeriod time.Duration

	// Env is appended to the inherited environment of the child.
	Env []string
}

// DefaultArgs returns the ffmpeg arguments that decode any container on
// stdin into raw s16le PCM on stdout at the given rate and channel count.
func DefaultArgs(sampleRate, channels int) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ac", strconv.Itoa(channels),
		"-ar", strconv.Itoa(sampleRate),
		"pipe:1",
	}
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger. Defaults to slog.Default().
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records spawns, exits, and the live process gauge.
func WithMetrics(met *observe.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = met }
}

// Manager runs at most one transcoding subprocess at a time and tracks its
// lifecycle through STOPPED, STARTING and RUNNING. Start and Stop are
// idempotent. Feed is only accepted while RUNNING.
//
// All methods are safe for concurrent use.
type Manager struct {
	cfg     ManagerConfig
	logger  *slog.Logger
	metrics *observe.Metrics
	spawn   func(path string, args []string, opts ...ProcessOption) (*Process, error)

	mu         sync.Mutex
	state      State
	proc       *Process
	startDone  chan struct{} // closed when the in-flight spawn has settled
	inputShut  bool
	stopping   bool
	crashed    chan error
	watchDone  chan struct{}
	lastResult error
}

// NewManager returns a stopped Manager for cfg.
func NewManager(cfg ManagerConfig, opts ...ManagerOption) *Manager {
	if cfg.Path == "" {
		cfg.Path = "ffmpeg"
	}
	if cfg.Args == nil {
		cfg.Args = DefaultArgs(16000, 1)
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	m := &Manager{
		cfg:     cfg,
		logger:  slog.Default(),
		spawn:   Spawn,
		crashed: make(chan error, 1),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start spawns the subprocess. It is a no-op when the manager is already
// STARTING or RUNNING. On failure the manager returns to STOPPED and the
// error matches [ErrSpawn]; the caller may retry.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateStopped {
		m.mu.Unlock()
		return nil
	}
	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.state = StateStarting
	done := make(chan struct{})
	m.startDone = done
	defer close(done)
	m.mu.Unlock()

	proc, err := m.spawn(m.cfg.Path, m.cfg.Args,
		WithChunkSize(m.cfg.ChunkSize),
		WithLogger(m.logger),
		WithEnv(m.cfg.Env...),
	)
	if m.metrics != nil {
		m.metrics.RecordSpawn(ctx, err == nil)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.startDone == done
	if current {
		m.startDone = nil
	}
	if err != nil {
		if current {
			m.state = StateStopped
		}
		return err
	}
	if m.state != StateStarting || !current {
		// Stop ran while we were spawning.
		m.mu.Unlock()
		termErr := proc.Terminate(m.cfg.GracePeriod)
		m.recordExit("stopped")
		m.mu.Lock()
		return errors.Join(errors.New("transcode: stopped during start"), termErr)
	}

	m.proc = proc
	m.state = StateRunning
	m.inputShut = false
	m.stopping = false
	m.lastResult = nil
	// Drain a crash notification left over from a previous process.
	select {
	case <-m.crashed:
	default:
	}
	m.watchDone = make(chan struct{})
	go m.watch(proc, m.watchDone)

	m.logger.Info("transcoder running", "pid", proc.Pid())
	return nil
}

// Stop terminates the subprocess, waiting up to the grace period for a clean
// exit before killing it. The state becomes STOPPED before termination
// begins. A Stop during STARTING waits for the spawn and terminates the new
// process. Calling Stop on a stopped manager is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.state == StateStopped && m.proc == nil && m.startDone == nil {
		m.mu.Unlock()
		return nil
	}
	wasActive := m.state != StateStopped
	m.state = StateStopped
	m.stopping = true
	proc := m.proc
	watchDone := m.watchDone
	startDone := m.startDone
	m.mu.Unlock()

	if startDone != nil {
		// Start sees the state change and terminates what it spawned.
		<-startDone
	}
	if proc == nil {
		return nil
	}
	err := proc.Terminate(m.cfg.GracePeriod)
	if watchDone != nil {
		<-watchDone
	}
	if wasActive {
		m.logger.Info("transcoder stopped", "pid", proc.Pid())
	}
	return err
}

// Feed writes client audio to the subprocess's standard input. It returns
// [ErrNotRunning] unless the manager is RUNNING and input is still open.
func (m *Manager) Feed(p []byte) error {
	m.mu.Lock()
	if m.state != StateRunning || m.inputShut {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotRunning, st)
	}
	proc := m.proc
	m.mu.Unlock()

	return proc.Write(p)
}

// CloseInput signals end of audio. The subprocess flushes its output and
// exits; a zero exit status is then not reported as a crash.
func (m *Manager) CloseInput() error {
	m.mu.Lock()
	if m.state != StateRunning {
		st := m.state
		m.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotRunning, st)
	}
	m.inputShut = true
	proc := m.proc
	m.mu.Unlock()

	return proc.CloseInput()
}

// Output returns the PCM chunk channel of the current process. It is nil
// until the first successful Start.
func (m *Manager) Output() <-chan []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc == nil {
		return nil
	}
	return m.proc.Output()
}

// Crashed delivers a [*CrashError] when the subprocess exits unexpectedly
// while RUNNING. Exiting with status 0 after CloseInput is not a crash, nor
// is any exit caused by Stop.
func (m *Manager) Crashed() <-chan error {
	return m.crashed
}

// Wait blocks until the current process has been reaped and returns nil for
// a clean exit or a deliberate Stop, and the crash error otherwise.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.Lock()
	watchDone := m.watchDone
	m.mu.Unlock()
	if watchDone == nil {
		return nil
	}
	select {
	case <-watchDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastResult
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ExitCode returns the exit code of the most recent process once reaped.
func (m *Manager) ExitCode() (int, bool) {
	m.mu.Lock()
	proc := m.proc
	m.mu.Unlock()
	if proc == nil {
		return 0, false
	}
	return proc.ExitCode()
}

// Pid returns the pid of the most recent process, or 0.
func (m *Manager) Pid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.proc == nil {
		return 0
	}
	return m.proc.Pid()
}

// watch classifies the exit of proc and, for unexpected exits, moves the
// manager to STOPPED and signals Crashed.
func (m *Manager) watch(proc *Process, done chan struct{}) {
	defer close(done)
	<-proc.Done()
	exitErr := proc.ExitErr()

	m.mu.Lock()
	deliberate := m.stopping || m.proc != proc
	clean := exitErr == nil && m.inputShut
	if m.proc == proc && m.state == StateRunning {
		m.state = StateStopped
	}
	var result error
	status := "clean"
	switch {
	case deliberate:
		status = "stopped"
	case clean:
	case exitErr == nil:
		// Exited 0 without being asked to: the input stream ended early.
		result = &CrashError{ExitCode: 0, Stderr: proc.Stderr()}
		status = "crashed"
	default:
		result = exitErr
		status = "crashed"
	}
	m.lastResult = result
	m.mu.Unlock()

	m.recordExit(status)
	if result != nil {
		m.logger.Warn("transcoder crashed", "pid", proc.Pid(), "err", result)
		select {
		case m.crashed <- result:
		default:
		}
	}
}

func (m *Manager) recordExit(status string) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordExit(context.Background(), status)
}
