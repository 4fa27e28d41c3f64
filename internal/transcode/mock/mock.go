// Package mock provides a test double for the transcoder used by session
// controllers.
//
// The Transcoder records every call and lets tests drive its PCM output and
// exit behaviour directly, without spawning a subprocess.
//
// Example:
//
//	tc := mock.New()
//	tc.Echo = true // every Feed is delivered unchanged on Output
//	ctrl := session.NewController("conn-1", cfg, session.Deps{Transcoder: tc, ...})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/meetscribe/internal/transcode"
)

// Transcoder is a scriptable, concurrency-safe stand-in for
// [transcode.Manager].
type Transcoder struct {
	// Echo makes Feed forward a copy of its input to Output.
	Echo bool

	mu     sync.Mutex
	sendMu sync.RWMutex // held for reading while sending on out

	// StartErrs are returned by successive Start calls from STOPPED, in order.
	// Once exhausted, Start succeeds.
	StartErrs []error

	state      transcode.State
	startCalls int
	stopCalls  int
	closeCalls int
	feeds      [][]byte
	out        chan []byte
	outClosed  bool
	done       chan struct{}
	crashed    chan error
	result     error
}

// New returns a stopped Transcoder with a buffered output channel.
func New() *Transcoder {
	return &Transcoder{
		out:     make(chan []byte, 64),
		done:    make(chan struct{}),
		crashed: make(chan error, 1),
	}
}

// Start implements the transcoder contract: idempotent while RUNNING.
func (t *Transcoder) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startCalls++
	if t.state == transcode.StateRunning {
		return nil
	}
	if len(t.StartErrs) > 0 {
		err := t.StartErrs[0]
		t.StartErrs = t.StartErrs[1:]
		return err
	}
	if t.outClosed {
		return fmt.Errorf("mock: transcoder cannot be restarted")
	}
	t.state = transcode.StateRunning
	return nil
}

// Feed records p and, in Echo mode, forwards it to Output.
func (t *Transcoder) Feed(p []byte) error {
	t.mu.Lock()
	if t.state != transcode.StateRunning {
		t.mu.Unlock()
		return fmt.Errorf("%w (state %s)", transcode.ErrNotRunning, t.state)
	}
	cp := append([]byte(nil), p...)
	t.feeds = append(t.feeds, cp)
	echo := t.Echo
	t.mu.Unlock()

	if echo {
		t.Emit(cp)
	}
	return nil
}

// CloseInput ends the output stream cleanly, as a transcoder does after
// flushing at end of input.
func (t *Transcoder) CloseInput() error {
	t.mu.Lock()
	if t.state != transcode.StateRunning {
		t.mu.Unlock()
		return fmt.Errorf("%w (state %s)", transcode.ErrNotRunning, t.state)
	}
	t.closeCalls++
	t.mu.Unlock()
	t.finish(nil)
	return nil
}

// Output returns the PCM channel.
func (t *Transcoder) Output() <-chan []byte { return t.out }

// Crashed delivers the error passed to Crash.
func (t *Transcoder) Crashed() <-chan error { return t.crashed }

// Wait blocks until the output stream has ended and returns the crash error,
// if any.
func (t *Transcoder) Wait(ctx context.Context) error {
	select {
	case <-t.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Stop moves to STOPPED and ends the output stream. Idempotent.
func (t *Transcoder) Stop() error {
	t.mu.Lock()
	t.stopCalls++
	t.state = transcode.StateStopped
	t.mu.Unlock()
	t.finish(nil)
	return nil
}

// State returns the current state.
func (t *Transcoder) State() transcode.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Emit delivers chunk on Output. It is dropped once the stream has ended.
func (t *Transcoder) Emit(chunk []byte) {
	t.sendMu.RLock()
	defer t.sendMu.RUnlock()
	select {
	case <-t.done:
		return
	default:
	}
	select {
	case t.out <- chunk:
	case <-t.done:
	}
}

// Crash simulates an unexpected exit: the manager moves to STOPPED, Output
// closes, and err is delivered on Crashed.
func (t *Transcoder) Crash(err error) {
	t.mu.Lock()
	t.state = transcode.StateStopped
	t.mu.Unlock()
	if t.finish(err) {
		t.crashed <- err
	}
}

// finish ends the output stream once and reports whether this call did so.
func (t *Transcoder) finish(result error) bool {
	t.mu.Lock()
	if t.outClosed {
		t.mu.Unlock()
		return false
	}
	t.outClosed = true
	t.result = result
	close(t.done)
	t.mu.Unlock()

	t.sendMu.Lock()
	close(t.out)
	t.sendMu.Unlock()
	return true
}

// StartCallCount returns the number of Start calls.
func (t *Transcoder) StartCallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startCalls
}

// StopCallCount returns the number of Stop calls.
func (t *Transcoder) StopCallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopCalls
}

// CloseInputCallCount returns the number of accepted CloseInput calls.
func (t *Transcoder) CloseInputCallCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeCalls
}

// Feeds returns copies of every accepted Feed payload, in order.
func (t *Transcoder) Feeds() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.feeds))
	copy(out, t.feeds)
	return out
}
