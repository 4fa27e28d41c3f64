// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram, a local
// whisper.cpp server, or the OpenAI transcription API) and exposes a uniform
// streaming interface. The central abstraction is SessionHandle: once opened,
// a session accepts raw PCM chunks and emits a single ordered stream of
// Transcript values in which partial and final results may interleave.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrTransient marks a recognition error that may succeed when the same call
// is repeated. Providers wrap it with fmt.Errorf("...: %w", ErrTransient) or
// via [Transient]. Any other error returned from SendAudio is fatal to the
// session.
var ErrTransient = errors.New("stt: transient failure")

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// Transient wraps err so that errors.Is(err, ErrTransient) reports true.
// It returns nil when err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

type transientError struct{ err error }

func (e transientError) Error() string   { return e.err.Error() }
func (e transientError) Unwrap() []error { return []error{ErrTransient, e.err} }

// IsTransient reports whether err is a retryable recognition failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// StreamConfig describes the audio format and recognition hints for a new STT
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz. The transcoder normalises all
	// input to this rate (16000 by default).
	SampleRate int

	// Channels is the number of audio channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US", "zh").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for uncommon words such as names and product terms.
	Keywords []KeywordBoost

	// Diarize asks the provider to label speakers when it supports it.
	Diarize bool
}

// SessionHandle represents an open STT streaming session.
//
// Callers must call Close or Abort when the session is no longer needed. All
// methods must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw 16-bit little-endian PCM to the
	// provider. When it returns an error the chunk has not been consumed, so a
	// caller may repeat the call with the same chunk if the error wraps
	// [ErrTransient]. Calling SendAudio after Close returns [ErrSessionClosed].
	SendAudio(ctx context.Context, chunk []byte) error

	// Results returns the channel of transcripts in the order the provider
	// produced them. Partial and final results share the channel. It is
	// closed when the session ends, after Close or after a fatal error.
	Results() <-chan Transcript

	// Err returns the fatal error that ended the session, or nil when the
	// session ended because Close was called. Only meaningful once Results
	// has been closed.
	Err() error

	// Close flushes any buffered audio, waits for the final results to be
	// delivered, and releases all resources. Calling Close more than once is
	// safe and returns nil.
	Close() error

	// Abort discards buffered audio and undelivered results and releases all
	// resources without waiting on the provider. Results is closed by the
	// time Abort returns. Abort may interrupt a Close in progress; calling it
	// more than once or after Close is safe.
	Abort() error
}

// Provider is the abstraction over any STT backend.
type Provider interface {
	// StartStream opens a streaming transcription session with the given audio
	// format and recognition configuration. Errors wrapping [ErrTransient]
	// (e.g., a refused connection or a rate limit) may be retried.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
