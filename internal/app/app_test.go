package app_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/meetscribe/internal/app"
	"github.com/MrWong99/meetscribe/internal/bridge"
	"github.com/MrWong99/meetscribe/internal/config"
	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/resilience"
	"github.com/MrWong99/meetscribe/internal/session"
	tcmock "github.com/MrWong99/meetscribe/internal/transcode/mock"
	"github.com/MrWong99/meetscribe/internal/transport"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/meetscribe/pkg/provider/stt/mock"
)

// testConfig loads yaml on top of a config whose ffmpeg path resolves to the
// test binary, so the readiness probe passes.
func testConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	base := "transcode:\n  ffmpeg_path: " + os.Args[0] + "\n"
	cfg, err := config.LoadFromReader(strings.NewReader(base + yaml))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type memorySink struct {
	mu       sync.Mutex
	started  []string
	segments []string
	ended    []string
}

func (s *memorySink) SessionStarted(id string, _ time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, id)
}

func (s *memorySink) Segment(_ string, t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.segments = append(s.segments, t.Text)
}

func (s *memorySink) SessionEnded(_ string, _ time.Time, status, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = append(s.ended, status)
}

func (s *memorySink) snapshot() (started, segments, ended []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.started), slices.Clone(s.segments), slices.Clone(s.ended)
}

// echoRecognizer transcribes every chunk as its own lower-cased text.
func echoRecognizer() *sttmock.Provider {
	sess := sttmock.NewSession()
	sess.SendAudioFunc = func(chunk []byte) error {
		sess.Emit(stt.Transcript{Text: strings.ToLower(string(chunk)), IsFinal: true})
		return nil
	}
	return &sttmock.Provider{Session: sess}
}

func echoTranscoders() app.Option {
	return app.WithTranscoderFactory(func(string, *config.Config) session.Transcoder {
		tc := tcmock.New()
		tc.Echo = true
		return tc
	})
}

func newApp(t *testing.T, cfg *config.Config, opts ...app.Option) *app.App {
	t.Helper()
	opts = append([]app.Option{app.WithMetrics(testMetrics(t)), echoTranscoders()}, opts...)
	a, err := app.New(context.Background(), cfg, echoRecognizer(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a
}

func TestNew_RequiresRecognizer(t *testing.T) {
	t.Parallel()
	if _, err := app.New(context.Background(), testConfig(t, ""), nil); err == nil {
		t.Error("New without a recognizer succeeded")
	}
}

func TestNew_RecordingDirError(t *testing.T) {
	t.Parallel()
	file := t.TempDir() + "/not-a-dir"
	if err := os.WriteFile(file, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := testConfig(t, "recording:\n  dir: "+file+"/sub\n")
	if _, err := app.New(context.Background(), cfg, echoRecognizer()); err == nil {
		t.Error("New accepted an unusable recording directory")
	}
}

func TestApp_TranscribesOverWebSocket(t *testing.T) {
	t.Parallel()
	sink := &memorySink{}
	cfg := testConfig(t, "recognition:\n  hotwords: [Kubernetes]\n")
	a := newApp(t, cfg, app.WithSink(sink))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+config.DefaultWSPath, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	if err := wsjson.Write(ctx, conn, transport.ControlMessage{Type: transport.TypeStart}); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(ctx, t, conn, session.EventStarted)

	if err := conn.Write(ctx, websocket.MessageBinary, []byte("KUBERNETES")); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	ev := readUntil(ctx, t, conn, session.EventSegment)
	if ev.Segment == nil || ev.Segment.Text != "Kubernetes" {
		t.Errorf("segment = %+v, want hotword-corrected \"Kubernetes\"", ev.Segment)
	}

	if err := conn.Write(ctx, websocket.MessageBinary, nil); err != nil {
		t.Fatalf("write end of audio: %v", err)
	}
	readUntil(ctx, t, conn, session.EventStopped)

	started, segments, ended := sink.snapshot()
	if len(started) != 1 || !strings.HasPrefix(started[0], "conn-") {
		t.Errorf("sink started = %v", started)
	}
	if !slices.Equal(segments, []string{"Kubernetes"}) {
		t.Errorf("sink segments = %v", segments)
	}
	if !slices.Equal(ended, []string{"stopped"}) {
		t.Errorf("sink ended = %v", ended)
	}
}

func readUntil(ctx context.Context, t *testing.T, conn *websocket.Conn, want session.EventType) session.Event {
	t.Helper()
	for {
		var ev session.Event
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if ev.Type == want {
			return ev
		}
		if ev.Type.Terminal() {
			t.Fatalf("got terminal %s while waiting for %s", ev.Type, want)
		}
	}
}

func TestApp_Probes(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t, "server:\n  max_sessions: 1\n"))
	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	get := func(path string) int {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		if code := get(path); code != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, code)
		}
	}

	// Occupy the only session slot.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	waitFor(t, func() bool { return a.Registry().Len() == 1 })

	if code := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("GET /readyz at capacity = %d, want 503", code)
	}
	if code := get("/healthz"); code != http.StatusOK {
		t.Errorf("GET /healthz at capacity = %d, want 200", code)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestApp_Reload(t *testing.T) {
	t.Parallel()
	level := new(slog.LevelVar)
	old := testConfig(t, "server:\n  listen_addr: \":9000\"\n")
	a := newApp(t, old, app.WithLevelVar(level))

	next := testConfig(t, `
server:
  listen_addr: ":9999"
  log_level: debug
bridge:
  capacity: 7
  policy: drop_oldest
recognition:
  hotwords: [Grafana]
`)
	a.Reload(old, next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	cur := a.Config()
	if cur.Bridge.Capacity != 7 || cur.Bridge.Policy != "drop_oldest" {
		t.Errorf("bridge = %+v, want reloaded values", cur.Bridge)
	}
	if cur.Server.ListenAddr != ":9000" {
		t.Errorf("listen_addr = %q, want the running value", cur.Server.ListenAddr)
	}
	if cur.Server.LogLevel != config.LogDebug {
		t.Errorf("log_level = %q, want debug", cur.Server.LogLevel)
	}
}

func TestApp_ServeAndShutdown(t *testing.T) {
	t.Parallel()
	a := newApp(t, testConfig(t, ""))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	served := make(chan error, 1)
	go func() { served <- a.Serve(context.Background(), ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	waitFor(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve = %v, want nil after Shutdown", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}

func TestTranscodeArgs(t *testing.T) {
	t.Parallel()
	plain := app.TranscodeArgs(config.TranscodeConfig{SampleRate: 16000, Channels: 1})
	if i := slices.Index(plain, "-i"); i < 0 || plain[i+1] != "pipe:0" {
		t.Fatalf("args = %v, want -i pipe:0", plain)
	}
	if plain[len(plain)-1] != "pipe:1" {
		t.Errorf("args = %v, want output on pipe:1", plain)
	}

	extra := app.TranscodeArgs(config.TranscodeConfig{SampleRate: 8000, Channels: 2, ExtraArgs: []string{"-f", "webm"}})
	i := slices.Index(extra, "-i")
	if i < 2 || extra[i-2] != "-f" || extra[i-1] != "webm" {
		t.Errorf("args = %v, want extra args right before -i", extra)
	}
	if !slices.Contains(extra, "8000") || len(extra) != len(plain)+2 {
		t.Errorf("args = %v", extra)
	}
}

func TestNewSTT(t *testing.T) {
	t.Parallel()
	primary, backup := &sttmock.Provider{}, &sttmock.Provider{}
	reg := config.NewRegistry()
	reg.RegisterSTT("deepgram", func(config.ProviderEntry) (stt.Provider, error) { return primary, nil })
	reg.RegisterSTT("whisper", func(config.ProviderEntry) (stt.Provider, error) { return backup, nil })
	reg.RegisterSTT("broken", func(config.ProviderEntry) (stt.Provider, error) { return nil, errors.New("no key") })

	t.Run("primary only", func(t *testing.T) {
		t.Parallel()
		p, err := app.NewSTT(config.ProvidersConfig{STT: config.ProviderEntry{Name: "deepgram"}}, reg, nil)
		if err != nil {
			t.Fatalf("NewSTT: %v", err)
		}
		if p != stt.Provider(primary) {
			t.Errorf("got %T, want the primary itself", p)
		}
	})

	t.Run("with fallbacks", func(t *testing.T) {
		t.Parallel()
		p, err := app.NewSTT(config.ProvidersConfig{
			STT:          config.ProviderEntry{Name: "deepgram"},
			STTFallbacks: []config.ProviderEntry{{Name: "whisper"}},
		}, reg, nil)
		if err != nil {
			t.Fatalf("NewSTT: %v", err)
		}
		fb, ok := p.(*resilience.STTFallback)
		if !ok {
			t.Fatalf("got %T, want *resilience.STTFallback", p)
		}
		if names := fb.Names(); !slices.Equal(names, []string{"deepgram", "whisper"}) {
			t.Errorf("Names = %v", names)
		}
	})

	t.Run("errors", func(t *testing.T) {
		t.Parallel()
		for _, pc := range []config.ProvidersConfig{
			{},
			{STT: config.ProviderEntry{Name: "nope"}},
			{STT: config.ProviderEntry{Name: "broken"}},
			{STT: config.ProviderEntry{Name: "deepgram"}, STTFallbacks: []config.ProviderEntry{{Name: "broken"}}},
		} {
			if _, err := app.NewSTT(pc, reg, nil); err == nil {
				t.Errorf("NewSTT(%+v) succeeded", pc)
			}
		}
	})
}

func TestApp_SessionsUseCurrentConfig(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var seen []*config.Config
	factory := app.WithTranscoderFactory(func(_ string, cfg *config.Config) session.Transcoder {
		mu.Lock()
		seen = append(seen, cfg)
		mu.Unlock()
		return tcmock.New()
	})
	old := testConfig(t, "")
	a := newApp(t, old, factory)

	if _, err := a.Registry().Connect("first"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	next := testConfig(t, "bridge:\n  policy: drop_oldest\n")
	a.Reload(old, next)
	if _, err := a.Registry().Connect("second"); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 {
		t.Fatalf("factory called %d times, want 2", len(seen))
	}
	if seen[0].Bridge.Policy != "block" || seen[1].Bridge.Policy != "drop_oldest" {
		t.Errorf("policies = %q, %q", seen[0].Bridge.Policy, seen[1].Bridge.Policy)
	}
	if _, err := bridge.ParsePolicy(seen[1].Bridge.Policy); err != nil {
		t.Errorf("reloaded policy invalid: %v", err)
	}
}
