package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestTelemetry(t *testing.T, cfg ProviderConfig) *Telemetry {
	t.Helper()
	tel, err := NewTelemetry(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewTelemetry: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel
}

func scrape(t *testing.T, tel *Telemetry) string {
	t.Helper()
	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("scrape status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	return string(body)
}

func TestNewTelemetry_ResourceDescribesPipeline(t *testing.T) {
	t.Parallel()
	tel := newTestTelemetry(t, ProviderConfig{
		ServiceVersion: "1.2.3",
		FFmpegPath:     "/usr/bin/ffmpeg",
		SampleRate:     16000,
		Channels:       1,
		Recognizer:     "deepgram",
	})

	want := map[string]string{
		"service.name":         "meetscribe",
		"service.version":      "1.2.3",
		string(AttrFFmpegPath): "/usr/bin/ffmpeg",
		string(AttrSampleRate): "16000",
		string(AttrChannels):   "1",
		string(AttrRecognizer): "deepgram",
	}
	got := map[string]string{}
	for _, kv := range tel.Resource.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("resource %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestNewTelemetry_OmitsUnsetAttributes(t *testing.T) {
	t.Parallel()
	tel := newTestTelemetry(t, ProviderConfig{ServiceName: "scribe-test"})

	for _, kv := range tel.Resource.Attributes() {
		switch kv.Key {
		case AttrFFmpegPath, AttrSampleRate, AttrChannels, AttrRecognizer:
			t.Errorf("unexpected resource attribute %s", kv.Key)
		case "service.name":
			if kv.Value.AsString() != "scribe-test" {
				t.Errorf("service.name = %q, want scribe-test", kv.Value.AsString())
			}
		}
	}
}

func TestTelemetry_HandlerServesOwnRegistry(t *testing.T) {
	t.Parallel()
	tel := newTestTelemetry(t, ProviderConfig{SampleRate: 16000})

	m, err := NewMetrics(tel.MeterProvider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordSessionEnd(context.Background(), "stopped")

	body := scrape(t, tel)
	for _, want := range []string{
		"meetscribe_sessions",
		`meetscribe_audio_sample_rate="16000"`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestTelemetry_RegistriesAreIndependent(t *testing.T) {
	t.Parallel()
	a := newTestTelemetry(t, ProviderConfig{})
	b := newTestTelemetry(t, ProviderConfig{})

	m, err := NewMetrics(a.MeterProvider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordSessionEnd(context.Background(), "failed")

	if !strings.Contains(scrape(t, a), "meetscribe_sessions") {
		t.Error("first registry is missing the recorded counter")
	}
	if strings.Contains(scrape(t, b), "meetscribe_sessions") {
		t.Error("second registry reports a counter recorded on the first")
	}
}
