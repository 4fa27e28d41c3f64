package openai

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

func speech(samples int) []byte {
	buf := make([]byte, samples*2)
	for i := range samples {
		v := int16(10_000 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

// newServer answers the transcription endpoint with status, recording the
// multipart fields of each request.
func newServer(t *testing.T, status int, text string, fields chan<- map[string]string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/audio/transcriptions" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if fields != nil {
			got := map[string]string{}
			for k, v := range r.MultipartForm.Value {
				got[k] = v[0]
			}
			if fh := r.MultipartForm.File["file"]; len(fh) > 0 {
				got["filename"] = fh[0].Filename
			}
			fields <- got
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			_ = json.NewEncoder(w).Encode(map[string]string{"text": text})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "nope", "type": "test"},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newProvider(t *testing.T, baseURL string, opts ...Option) *Provider {
	t.Helper()
	opts = append([]Option{
		WithBaseURL(baseURL + "/"),
		WithWindow(audio.WindowConfig{MaxDuration: 100 * time.Millisecond}),
	}, opts...)
	p, err := New("sk-test", "", opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New("", ""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestNew_DefaultModel(t *testing.T) {
	t.Parallel()
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ModelID() != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, p.ModelID())
	}
}

func TestBuildPrompt(t *testing.T) {
	t.Parallel()
	kws := []stt.KeywordBoost{{Keyword: "Kubernetes"}, {Keyword: ""}, {Keyword: "gRPC"}}
	tests := []struct {
		name     string
		base     string
		keywords []stt.KeywordBoost
		want     string
	}{
		{name: "empty", want: ""},
		{name: "base only", base: "Team standup.", want: "Team standup."},
		{name: "keywords only", keywords: kws, want: "Kubernetes, gRPC"},
		{name: "both", base: "Team standup.", keywords: kws, want: "Team standup. Kubernetes, gRPC"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := buildPrompt(tt.base, tt.keywords); got != tt.want {
				t.Errorf("buildPrompt = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStartStream_Transcribes(t *testing.T) {
	t.Parallel()
	fields := make(chan map[string]string, 1)
	srv, _ := newServer(t, http.StatusOK, "good morning", fields)
	p := newProvider(t, srv.URL, WithPrompt("Standup."))

	h, err := p.StartStream(context.Background(), stt.StreamConfig{
		SampleRate: 16000,
		Channels:   1,
		Language:   "en",
		Keywords:   []stt.KeywordBoost{{Keyword: "Postgres"}},
	})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if err := h.SendAudio(context.Background(), speech(1600)); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	_ = h.Close()

	var got []stt.Transcript
	for tr := range h.Results() {
		got = append(got, tr)
	}
	if len(got) != 1 || got[0].Text != "good morning" || !got[0].IsFinal {
		t.Fatalf("transcripts = %+v, want one final %q", got, "good morning")
	}
	if got[0].End != 100*time.Millisecond {
		t.Errorf("End = %v, want 100ms", got[0].End)
	}

	f := <-fields
	want := map[string]string{
		"model":    "whisper-1",
		"language": "en",
		"prompt":   "Standup. Postgres",
		"filename": "audio.wav",
	}
	for k, v := range want {
		if f[k] != v {
			t.Errorf("field %s = %q, want %q", k, f[k], v)
		}
	}
}

func TestStartStream_ErrorClassification(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status        int
		wantTransient bool
	}{
		{status: http.StatusTooManyRequests, wantTransient: true},
		{status: http.StatusInternalServerError, wantTransient: true},
		{status: http.StatusUnauthorized, wantTransient: false},
		{status: http.StatusBadRequest, wantTransient: false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			t.Parallel()
			srv, calls := newServer(t, tt.status, "", nil)
			p := newProvider(t, srv.URL)
			h, err := p.StartStream(context.Background(), stt.StreamConfig{SampleRate: 16000, Channels: 1})
			if err != nil {
				t.Fatalf("StartStream: %v", err)
			}
			defer h.Close()

			err = h.SendAudio(context.Background(), speech(1600))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := stt.IsTransient(err); got != tt.wantTransient {
				t.Errorf("IsTransient(%v) = %v, want %v", err, got, tt.wantTransient)
			}
			if calls.Load() != 1 {
				t.Errorf("server called %d times, want 1 (client retries disabled)", calls.Load())
			}
		})
	}
}
