// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts sessions with the expected
// StreamConfig. Use Session to feed controlled Transcript values and inspect
// which audio chunks were delivered.
//
// Example:
//
//	sess := mock.NewSession()
//	sess.SendAudioFunc = func(chunk []byte) error {
//	    sess.Emit(stt.Transcript{Text: "hi", IsFinal: true})
//	    return nil
//	}
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by StartStream. If nil, StartStream
	// returns a fresh Session from NewSession.
	Session stt.SessionHandle

	// StartStreamErrs are returned in order by successive StartStream calls.
	// Once exhausted, StartStreamErr is used.
	StartStreamErrs []error

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Session or the configured error.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if len(p.StartStreamErrs) > 0 {
		err := p.StartStreamErrs[0]
		p.StartStreamErrs = p.StartStreamErrs[1:]
		if err != nil {
			return nil, err
		}
	} else if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(), nil
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Session is a mock implementation of stt.SessionHandle. Results are pushed
// with Emit; Close or Abort closes the results channel exactly once.
type Session struct {
	mu sync.Mutex

	results   chan stt.Transcript
	closeOnce sync.Once
	closed    bool

	// SendAudioFunc, if set, is called for every SendAudio after the call is
	// recorded. Its return value is returned from SendAudio.
	SendAudioFunc func(chunk []byte) error

	// SendAudioErrs are returned in order by successive SendAudio calls before
	// SendAudioFunc is consulted. A nil entry means success.
	SendAudioErrs []error

	// FatalErr is reported by Err once the session is closed.
	FatalErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// SendAudioCalls records a copy of every chunk passed to SendAudio,
	// including calls that returned an error.
	SendAudioCalls [][]byte

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	// AbortCallCount is the number of times Abort was called.
	AbortCallCount int
}

// NewSession returns a Session with a buffered results channel.
func NewSession() *Session {
	return &Session{results: make(chan stt.Transcript, 64)}
}

// Emit pushes t onto the results channel. It must not be called after Close.
func (s *Session) Emit(t stt.Transcript) {
	s.results <- t
}

// SendAudio records the call and returns the configured error, if any.
func (s *Session) SendAudio(_ context.Context, chunk []byte) error {
	s.mu.Lock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, cp)
	if s.closed {
		s.mu.Unlock()
		return stt.ErrSessionClosed
	}
	if len(s.SendAudioErrs) > 0 {
		err := s.SendAudioErrs[0]
		s.SendAudioErrs = s.SendAudioErrs[1:]
		s.mu.Unlock()
		return err
	}
	fn := s.SendAudioFunc
	s.mu.Unlock()

	if fn != nil {
		return fn(chunk)
	}
	return nil
}

// Results returns the results channel.
func (s *Session) Results() <-chan stt.Transcript { return s.results }

// Err returns FatalErr.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FatalErr
}

// Close records the call, closes the results channel once, and returns
// CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.closed = true
	err := s.CloseErr
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.results) })
	return err
}

// Abort records the call and closes the results channel once.
func (s *Session) Abort() error {
	s.mu.Lock()
	s.AbortCallCount++
	s.closed = true
	s.mu.Unlock()
	s.closeOnce.Do(func() { close(s.results) })
	return nil
}

// Closes returns how often Close and Abort were called. Thread-safe.
func (s *Session) Closes() (closeCalls, abortCalls int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount, s.AbortCallCount
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Session) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// Chunks returns a copy of every recorded chunk. Thread-safe.
func (s *Session) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SendAudioCalls))
	copy(out, s.SendAudioCalls)
	return out
}

// Ensure Session implements stt.SessionHandle at compile time.
var _ stt.SessionHandle = (*Session)(nil)
