// Package batch turns a one-shot transcription endpoint into an
// [stt.SessionHandle].
//
// Batch engines such as a whisper.cpp server or the OpenAI transcription API
// cannot stream. A batch session cuts the PCM stream into utterances with an
// [audio.Windower] and submits each completed utterance synchronously from
// SendAudio, so a failed request leaves the chunk unconsumed and the caller
// may repeat it. Each recognised utterance is emitted as one final
// [stt.Transcript] carrying the utterance's stream offsets.
package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// FlushTimeout bounds the request made for the trailing utterance on Close.
const FlushTimeout = 30 * time.Second

// RecognizeFunc transcribes one utterance. It returns an error wrapping
// [stt.ErrTransient] when the same request may succeed later.
type RecognizeFunc func(ctx context.Context, u audio.Utterance) (string, error)

// Session is a windowed batch recognition session.
type Session struct {
	recognize RecognizeFunc

	// flushCtx bounds the trailing request in Close; Abort cancels it.
	flushCtx    context.Context
	cancelFlush context.CancelFunc

	mu      sync.Mutex
	win     *audio.Windower
	results chan stt.Transcript
	closed  bool
	err     error
}

var _ stt.SessionHandle = (*Session)(nil)

// New returns a session that cuts PCM according to cfg and hands each
// utterance to recognize.
func New(cfg audio.WindowConfig, recognize RecognizeFunc) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		recognize:   recognize,
		flushCtx:    ctx,
		cancelFlush: cancel,
		win:         audio.NewWindower(cfg),
		results:     make(chan stt.Transcript, 64),
	}
}

// SendAudio adds chunk to the window. When the chunk completes an utterance
// the utterance is recognised before SendAudio returns. On error the window
// is rolled back so the chunk can be sent again; a non-transient error also
// ends the session.
func (s *Session) SendAudio(ctx context.Context, chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		if s.err != nil {
			return s.err
		}
		return stt.ErrSessionClosed
	}

	saved := s.win.Save()
	u, ok := s.win.Push(chunk)
	if !ok {
		return nil
	}
	if err := s.emit(ctx, u); err != nil {
		s.win.Restore(saved)
		if !stt.IsTransient(err) && ctx.Err() == nil {
			s.end(err)
		}
		return err
	}
	return nil
}

// Results returns the ordered transcript channel.
func (s *Session) Results() <-chan stt.Transcript { return s.results }

// Err returns the error that ended the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close recognises any buffered speech, then closes Results. A failure on
// that last request is reported by Err.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	var err error
	if u, ok := s.win.Flush(); ok {
		ctx, cancel := context.WithTimeout(s.flushCtx, FlushTimeout)
		err = s.emit(ctx, u)
		cancel()
		if s.flushCtx.Err() != nil {
			// Aborted while flushing.
			err = nil
		}
	}
	s.cancelFlush()
	s.end(err)
	return nil
}

// Abort drops any buffered speech and closes Results. A Close that is
// waiting on the trailing request is cancelled first. An in-flight
// SendAudio holds the session until its own context ends.
func (s *Session) Abort() error {
	s.cancelFlush()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.win.Flush()
	s.end(nil)
	return nil
}

// emit recognises u and queues the result. Caller holds s.mu.
func (s *Session) emit(ctx context.Context, u audio.Utterance) error {
	text, err := s.recognize(ctx, u)
	if err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	t := stt.Transcript{
		Text:    text,
		IsFinal: true,
		Start:   u.Start,
		End:     u.End,
	}
	select {
	case s.results <- t:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("batch: deliver result: %w", ctx.Err())
	}
}

// end closes the session. Caller holds s.mu.
func (s *Session) end(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.results)
}

// Classify maps an HTTP status code from a batch endpoint to an error,
// marking rate limits and server errors as transient.
func Classify(status int, err error) error {
	if err == nil {
		return nil
	}
	if status == 429 || status >= 500 {
		return stt.Transient(err)
	}
	return err
}

// IsContextErr reports whether err was caused by a cancelled or expired
// context.
func IsContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
