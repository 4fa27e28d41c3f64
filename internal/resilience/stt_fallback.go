package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// recognition backends. Each backend has its own circuit breaker.
//
// Failover only happens when a stream is opened. Once a backend has accepted
// a session it serves that session to the end; errors it reports afterwards
// are counted against its breaker so the next session starts elsewhere.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional recognition provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Names returns the backend names in failover order.
func (f *STTFallback) Names() []string { return f.group.Names() }

// StartStream opens a streaming transcription session against the first
// healthy provider. If every provider fails the error matches both
// [ErrAllFailed] and, when any backend failed transiently, [stt.ErrTransient],
// so the caller may retry later.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	handle, name, err := executeNamed(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
	if err != nil {
		if stt.IsTransient(err) {
			return nil, stt.Transient(err)
		}
		return nil, err
	}
	slog.Debug("recognition stream opened", "provider", name)
	return &trackedSession{SessionHandle: handle, breaker: f.group.Breaker(name)}, nil
}

// trackedSession reports the first fatal mid-stream error to the breaker of
// the backend that served the session.
type trackedSession struct {
	stt.SessionHandle
	breaker *CircuitBreaker
	once    sync.Once
}

func (s *trackedSession) SendAudio(ctx context.Context, chunk []byte) error {
	err := s.SessionHandle.SendAudio(ctx, chunk)
	if err != nil && !stt.IsTransient(err) && !errors.Is(err, stt.ErrSessionClosed) {
		s.report(err)
	}
	return err
}

func (s *trackedSession) Err() error {
	err := s.SessionHandle.Err()
	if err != nil {
		s.report(err)
	}
	return err
}

func (s *trackedSession) report(err error) {
	if s.breaker == nil {
		return
	}
	s.once.Do(func() {
		_ = s.breaker.Execute(func() error {
			return fmt.Errorf("mid-stream: %w", err)
		})
	})
}
