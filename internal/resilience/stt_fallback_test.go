package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/meetscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/meetscribe/pkg/provider/stt/mock"
)

var testStream = stt.StreamConfig{SampleRate: 16000, Channels: 1}

func TestSTTFallback_StartStream_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	handle, err := fb.StartStream(context.Background(), testStream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer handle.Close()
	if primary.StartStreamCallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.StartStreamCallCount())
	}
	if secondary.StartStreamCallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.StartStreamCallCount())
	}
	if got := primary.StartStreamCalls[0].Cfg.SampleRate; got != 16000 {
		t.Errorf("SampleRate passed = %d, want 16000", got)
	}
}

func TestSTTFallback_StartStream_Failover(t *testing.T) {
	t.Parallel()
	primary := &sttmock.Provider{StartStreamErr: errors.New("primary down")}
	sess := sttmock.NewSession()
	secondary := &sttmock.Provider{Session: sess}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	handle, err := fb.StartStream(context.Background(), testStream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secondary.StartStreamCallCount() != 1 {
		t.Fatalf("secondary called %d times, want 1", secondary.StartStreamCallCount())
	}

	// The returned handle forwards to the secondary's session.
	if err := handle.SendAudio(context.Background(), []byte{1, 2}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if sess.SendAudioCallCount() != 1 {
		t.Errorf("session received %d chunks, want 1", sess.SendAudioCallCount())
	}
	_ = handle.Close()
}

func TestSTTFallback_StartStream_AllFail(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name          string
		primaryErr    error
		secondaryErr  error
		wantTransient bool
	}{
		{
			name:         "fatal",
			primaryErr:   errors.New("bad api key"),
			secondaryErr: errors.New("bad model"),
		},
		{
			name:          "transient",
			primaryErr:    stt.Transient(errors.New("503")),
			secondaryErr:  errors.New("bad model"),
			wantTransient: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fb := NewSTTFallback(&sttmock.Provider{StartStreamErr: tt.primaryErr}, "primary", FallbackConfig{
				CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
			})
			fb.AddFallback("secondary", &sttmock.Provider{StartStreamErr: tt.secondaryErr})

			_, err := fb.StartStream(context.Background(), testStream)
			if !errors.Is(err, ErrAllFailed) {
				t.Fatalf("err = %v, want ErrAllFailed", err)
			}
			if got := stt.IsTransient(err); got != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v", got, tt.wantTransient)
			}
		})
	}
}

func TestSTTFallback_MidStreamFailureCountsAgainstBackend(t *testing.T) {
	t.Parallel()
	sess := sttmock.NewSession()
	sess.SendAudioErrs = []error{errors.New("socket reset")}
	primary := &sttmock.Provider{Session: sess}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fb.AddFallback("secondary", secondary)

	handle, err := fb.StartStream(context.Background(), testStream)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := handle.SendAudio(context.Background(), []byte{1}); err == nil {
		t.Fatal("expected SendAudio error")
	}
	_ = handle.Close()

	// The primary's breaker is now open, so the next session fails over.
	if _, err := fb.StartStream(context.Background(), testStream); err != nil {
		t.Fatalf("second StartStream: %v", err)
	}
	if primary.StartStreamCallCount() != 1 {
		t.Errorf("primary called %d times, want 1", primary.StartStreamCallCount())
	}
	if secondary.StartStreamCallCount() != 1 {
		t.Errorf("secondary called %d times, want 1", secondary.StartStreamCallCount())
	}
}

func TestSTTFallback_TransientSendDoesNotTrip(t *testing.T) {
	t.Parallel()
	sess := sttmock.NewSession()
	sess.SendAudioErrs = []error{stt.Transient(errors.New("429")), stt.Transient(errors.New("429"))}
	primary := &sttmock.Provider{Session: sess}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	handle, err := fb.StartStream(context.Background(), testStream)
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	for range 2 {
		_ = handle.SendAudio(context.Background(), []byte{1})
	}
	if _, err := fb.StartStream(context.Background(), testStream); err != nil {
		t.Fatalf("StartStream after transient errors: %v", err)
	}
}
