// Package transcode owns the external transcoding subprocess (ffmpeg by
// default) that normalises arbitrary client audio into canonical PCM.
//
// [Process] wraps a single OS process and its three pipes. [Manager] layers a
// small state machine on top so that callers can start, feed, and stop the
// transcoder idempotently and learn about unexpected exits.
package transcode

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrSpawn is returned when the subprocess could not be started. The
	// caller may retry with a fresh Start.
	ErrSpawn = errors.New("transcode: spawn failed")

	// ErrBrokenPipe is returned by writes against a process whose input has
	// been closed or that has already exited. The handle must not be reused.
	ErrBrokenPipe = errors.New("transcode: broken pipe")

	// ErrProcessCrashed matches any [CrashError].
	ErrProcessCrashed = errors.New("transcode: process crashed")
)

// stderrTailSize bounds the stderr bytes kept for diagnostics.
const stderrTailSize = 4096

// CrashError describes a subprocess that exited with a non-zero status or was
// killed by a signal.
type CrashError struct {
	// ExitCode is the process exit code, or -1 when it was killed by a signal.
	ExitCode int
	// Stderr is the tail of the process's standard error.
	Stderr string
}

func (e *CrashError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("transcode: process exited with code %d", e.ExitCode)
	}
	return fmt.Sprintf("transcode: process exited with code %d: %s", e.ExitCode, e.Stderr)
}

// Is reports whether target is [ErrProcessCrashed].
func (e *CrashError) Is(target error) bool { return target == ErrProcessCrashed }

// ProcessOption configures [Spawn].
type ProcessOption func(*processConfig)

type processConfig struct {
	chunkSize int
	logger    *slog.Logger
	env       []string
}

// WithChunkSize sets the size in bytes of the chunks delivered on Output.
// Defaults to 3200 (100 ms of 16 kHz mono s16le).
func WithChunkSize(n int) ProcessOption {
	return func(c *processConfig) {
		if n > 0 {
			c.chunkSize = n
		}
	}
}

// WithLogger sets the logger used for stderr lines and lifecycle messages.
func WithLogger(l *slog.Logger) ProcessOption {
	return func(c *processConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEnv appends environment variables (KEY=VALUE) to the inherited
// environment of the child.
func WithEnv(env ...string) ProcessOption {
	return func(c *processConfig) { c.env = append(c.env, env...) }
}

// Process is one running transcoding subprocess. Write feeds its standard
// input; fixed-size chunks of its standard output arrive on Output. The
// process is always reaped: once both output streams reach EOF the exit
// status is collected and Done is closed.
type Process struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	chunkSize int
	logger    *slog.Logger
	startedAt time.Time

	output   chan []byte
	stopping chan struct{} // closed when Terminate begins; reader stops blocking
	done     chan struct{} // closed after cmd.Wait returns

	writeMu    sync.Mutex
	inputOnce  sync.Once
	inputErr   error
	inputShut  atomic.Bool
	stopOnce   sync.Once
	termOnce   sync.Once
	termErr    error
	stderrMu   sync.Mutex
	stderrTail []byte

	exitCode int
	exitErr  error
}

// Spawn starts path with args and begins draining its output. The returned
// Process must eventually be terminated with [Process.Terminate].
func Spawn(path string, args []string, opts ...ProcessOption) (*Process, error) {
	cfg := processConfig{chunkSize: 3200, logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}

	cmd := exec.Command(path, args...)
	if len(cfg.env) > 0 {
		cmd.Env = append(cmd.Environ(), cfg.env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %w", ErrSpawn, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrSpawn, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %w", ErrSpawn, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start %q: %w", ErrSpawn, path, err)
	}

	p := &Process{
		cmd:       cmd,
		stdin:     stdin,
		chunkSize: cfg.chunkSize,
		logger:    cfg.logger.With("pid", cmd.Process.Pid),
		startedAt: time.Now(),
		output:    make(chan []byte),
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
		exitCode:  -1,
	}

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		p.readOutput(stdout)
	}()
	go func() {
		defer streams.Done()
		p.drainStderr(stderr)
	}()
	go p.reap(&streams)

	p.logger.Debug("transcoder started", "path", path, "args", strings.Join(args, " "))
	return p, nil
}

// Pid returns the OS process id.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// StartedAt returns the time the process was started.
func (p *Process) StartedAt() time.Time { return p.startedAt }

// Output returns the channel of PCM chunks. Every chunk has the configured
// size except possibly the last. The channel is closed at EOF.
func (p *Process) Output() <-chan []byte { return p.output }

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Write sends p to the subprocess's standard input. It blocks while the pipe
// is full.
func (p *Process) Write(b []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.inputShut.Load() {
		return fmt.Errorf("%w: input closed", ErrBrokenPipe)
	}
	select {
	case <-p.done:
		return fmt.Errorf("%w: process exited", ErrBrokenPipe)
	default:
	}
	if _, err := p.stdin.Write(b); err != nil {
		return fmt.Errorf("%w: %w", ErrBrokenPipe, err)
	}
	return nil
}

// CloseInput closes standard input, signalling end of audio. Idempotent.
func (p *Process) CloseInput() error {
	p.inputOnce.Do(func() {
		p.inputShut.Store(true)
		if err := p.stdin.Close(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			p.inputErr = err
		}
	})
	return p.inputErr
}

// Terminate closes standard input, waits up to grace for a clean exit, then
// kills the process. It returns once the process has been reaped. Calling it
// again is a no-op that returns the first result.
func (p *Process) Terminate(grace time.Duration) error {
	p.termOnce.Do(func() {
		p.stopOnce.Do(func() { close(p.stopping) })

		// A writer blocked on a full pipe holds writeMu; closing stdin
		// unblocks it with EPIPE.
		_ = p.CloseInput()

		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-p.done:
			return
		case <-timer.C:
		}

		p.logger.Warn("transcoder did not exit within grace period, killing", "grace", grace)
		if err := p.cmd.Process.Kill(); err != nil {
			select {
			case <-p.done:
			default:
				p.termErr = fmt.Errorf("transcode: kill: %w", err)
			}
		}
		<-p.done
	})
	return p.termErr
}

// ExitCode returns the exit code once the process has been reaped.
func (p *Process) ExitCode() (int, bool) {
	select {
	case <-p.done:
		return p.exitCode, true
	default:
		return 0, false
	}
}

// ExitErr returns nil for a zero exit status and a [*CrashError] otherwise.
// It blocks until the process has been reaped.
func (p *Process) ExitErr() error {
	<-p.done
	return p.exitErr
}

// Stderr returns the retained tail of standard error.
func (p *Process) Stderr() string {
	p.stderrMu.Lock()
	defer p.stderrMu.Unlock()
	return strings.TrimSpace(string(p.stderrTail))
}

// readOutput chunks standard output. Once Terminate has begun, chunks are
// discarded instead of delivered so the pipe keeps draining.
func (p *Process) readOutput(stdout io.Reader) {
	defer close(p.output)
	for {
		buf := make([]byte, p.chunkSize)
		n, err := io.ReadFull(stdout, buf)
		if n > 0 {
			select {
			case p.output <- buf[:n]:
			case <-p.stopping:
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				p.logger.Debug("transcoder output read ended", "err", err)
			}
			return
		}
	}
}

func (p *Process) drainStderr(stderr io.Reader) {
	sc := bufio.NewScanner(stderr)
	for sc.Scan() {
		line := sc.Bytes()
		p.logger.Debug("transcoder stderr", "line", string(line))

		p.stderrMu.Lock()
		p.stderrTail = append(p.stderrTail, line...)
		p.stderrTail = append(p.stderrTail, '\n')
		if over := len(p.stderrTail) - stderrTailSize; over > 0 {
			p.stderrTail = append(p.stderrTail[:0], p.stderrTail[over:]...)
		}
		p.stderrMu.Unlock()
	}
	// Keep draining after a scanner error (e.g. an overlong line) so the
	// child never blocks on a full stderr pipe.
	_, _ = io.Copy(io.Discard, stderr)
}

// reap waits for both output streams to hit EOF before calling cmd.Wait, as
// required by os/exec.
func (p *Process) reap(streams *sync.WaitGroup) {
	streams.Wait()
	err := p.cmd.Wait()

	p.exitCode = p.cmd.ProcessState.ExitCode()
	if err != nil || p.exitCode != 0 {
		p.exitErr = &CrashError{ExitCode: p.exitCode, Stderr: p.Stderr()}
	}
	p.logger.Debug("transcoder exited", "exit_code", p.exitCode)
	close(p.done)
}
