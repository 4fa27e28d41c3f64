// Package app wires the meetscribe subsystems into a running server.
//
// The App owns the full lifecycle: New builds the session registry, the
// optional recording directory and transcript archive, and the HTTP routes;
// Run serves until the context is cancelled; Shutdown stops every session and
// releases the stores in order.
//
// For testing, inject doubles via functional options (WithTranscoderFactory,
// WithSink, etc.). When an option is not provided, New creates the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/meetscribe/internal/archive/postgres"
	"github.com/MrWong99/meetscribe/internal/config"
	"github.com/MrWong99/meetscribe/internal/health"
	"github.com/MrWong99/meetscribe/internal/observe"
	"github.com/MrWong99/meetscribe/internal/recording"
	"github.com/MrWong99/meetscribe/internal/session"
	"github.com/MrWong99/meetscribe/internal/transcript"
	"github.com/MrWong99/meetscribe/internal/transport"
	"github.com/MrWong99/meetscribe/pkg/audio"
	"github.com/MrWong99/meetscribe/pkg/provider/stt"
)

// TranscoderFactory builds the transcoder for one session from the config
// in effect when the session was created.
type TranscoderFactory func(id string, cfg *config.Config) session.Transcoder

// App owns all subsystem lifetimes.
type App struct {
	cfg      atomic.Pointer[config.Config]
	provider stt.Provider
	logger   *slog.Logger
	level    *slog.LevelVar
	metrics  *observe.Metrics
	scrape   http.Handler

	newTranscoder TranscoderFactory
	corrector     atomic.Pointer[transcript.Corrector]
	recordings    *recording.Dir
	store         *postgres.Store
	sink          session.Sink
	archiveSink   *postgres.Sink

	registry *session.Registry
	handler  http.Handler

	srvMu       sync.Mutex
	server      *http.Server
	cancelConns context.CancelFunc

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithLevelVar lets Reload change the log level of the handler built on v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithMetrics sets the metric instruments. Defaults to
// observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler served on /metrics, typically
// [observe.Telemetry.Handler]. Defaults to the Prometheus default registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// WithTranscoderFactory replaces the ffmpeg transcoder.
func WithTranscoderFactory(f TranscoderFactory) Option {
	return func(a *App) { a.newTranscoder = f }
}

// WithSink injects a session sink instead of the Postgres archive.
func WithSink(s session.Sink) Option {
	return func(a *App) { a.sink = s }
}

// New builds the application. provider is the recognizer shared by all
// sessions; see [NewSTT].
func New(ctx context.Context, cfg *config.Config, provider stt.Provider, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: no recognizer configured")
	}
	a := &App{
		provider: provider,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = promhttp.Handler()
	}
	if a.newTranscoder == nil {
		a.newTranscoder = a.ffmpegTranscoder
	}
	a.cfg.Store(cfg)
	a.setHotwords(cfg.Recognition.Hotwords)

	if err := a.initRecording(cfg); err != nil {
		return nil, fmt.Errorf("app: init recording: %w", err)
	}
	if err := a.initArchive(ctx, cfg); err != nil {
		a.closeStores(ctx)
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	a.registry = session.NewRegistry(a.newSession,
		session.WithMaxSessions(cfg.Server.MaxSessions),
		session.WithRegistryLogger(a.logger),
	)
	a.handler = a.routes(cfg)
	return a, nil
}

func (a *App) initRecording(cfg *config.Config) error {
	if cfg.Recording.Dir == "" {
		return nil
	}
	f := audio.Format{SampleRate: cfg.Transcode.SampleRate, Channels: cfg.Transcode.Channels}
	d, err := recording.NewDir(cfg.Recording.Dir, f, a.logger)
	if err != nil {
		return err
	}
	a.recordings = d
	return nil
}

func (a *App) initArchive(ctx context.Context, cfg *config.Config) error {
	if a.sink != nil || cfg.Archive.PostgresDSN == "" {
		return nil
	}
	store, err := postgres.NewStore(ctx, cfg.Archive.PostgresDSN)
	if err != nil {
		return err
	}
	a.store = store
	a.archiveSink = postgres.NewSink(store, a.logger, postgres.WithSinkMetrics(a.metrics))
	a.sink = a.archiveSink
	a.logger.Info("transcript archive enabled")
	return nil
}

// routes builds the HTTP handler tree.
func (a *App) routes(cfg *config.Config) http.Handler {
	checks := []health.Checker{
		health.Binary("ffmpeg", cfg.Transcode.FFmpegPath),
		health.Capacity("sessions", a.registry.Available),
	}
	if a.store != nil {
		checks = append(checks, health.Ping("archive", a.store))
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+cfg.Server.WSPath, transport.NewHandler(a.registry,
		transport.WithOriginPatterns(cfg.Server.AllowedOrigins...),
		transport.WithLogger(a.logger),
	))
	health.New(checks...).Register(mux)
	mux.Handle("GET /metrics", a.scrape)
	return observe.Middleware(a.metrics)(mux)
}

// Handler returns the HTTP handler serving the WebSocket endpoint, health
// probes, and metrics.
func (a *App) Handler() http.Handler { return a.handler }

// Registry returns the session registry.
func (a *App) Registry() *session.Registry { return a.registry }

// Config returns the config that new sessions are built from.
func (a *App) Config() *config.Config { return a.cfg.Load() }

// Run serves HTTP on the configured address until ctx is cancelled. It
// returns ctx.Err() after a cancellation, or the listener error.
func (a *App) Run(ctx context.Context) error {
	cfg := a.cfg.Load()
	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen on %s: %w", cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	cfg := a.cfg.Load()
	// Connections outlive ctx so that Shutdown can stop sessions in order.
	connCtx, cancelConns := context.WithCancel(context.WithoutCancel(ctx))
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return connCtx },
	}
	a.srvMu.Lock()
	a.server = srv
	a.cancelConns = cancelConns
	a.srvMu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := cfg.Server.TLS; tls != nil {
			err = srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		errCh <- err
	}()
	a.logger.Info("http server listening", "addr", ln.Addr().String(), "ws_path", cfg.Server.WSPath, "tls", cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Reload applies a changed config. Log level and hotwords take effect
// immediately; recognition, bridge, transcode, and session settings apply to
// sessions created afterwards. Sections that need a restart are only
// logged.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(SlogLevel(d.NewLogLevel))
		a.logger.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.HotwordsChanged {
		a.setHotwords(new.Recognition.Hotwords)
		a.logger.Info("hotwords reloaded", "count", len(new.Recognition.Hotwords))
	}
	if len(d.RestartRequired) > 0 {
		a.logger.Warn("config changes require a restart", "sections", d.RestartRequired)
	}

	// Restart-only sections keep their running values.
	next := *new
	next.Server = old.Server
	next.Server.LogLevel = new.Server.LogLevel
	next.Providers = old.Providers
	next.Recording = old.Recording
	next.Archive = old.Archive
	a.cfg.Store(&next)
}

func (a *App) setHotwords(hotwords []string) {
	if len(hotwords) == 0 {
		a.corrector.Store(nil)
		return
	}
	a.corrector.Store(transcript.New(hotwords))
}

// Shutdown stops the HTTP server, every session, and the stores. If ctx
// expires first the remaining steps are skipped and ctx.Err() is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.logger.Info("shutting down", "sessions", a.registry.Len())

		a.srvMu.Lock()
		srv, cancelConns := a.server, a.cancelConns
		a.srvMu.Unlock()
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("http server: %w", err))
			}
			// WebSocket connections are hijacked and not closed by Shutdown.
			cancelConns()
		}
		if err := a.registry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := a.closeStores(ctx); err != nil {
			errs = append(errs, err)
		}
		a.logger.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

func (a *App) closeStores(ctx context.Context) error {
	var err error
	if a.archiveSink != nil {
		err = a.archiveSink.Close(ctx)
	}
	if a.store != nil {
		a.store.Close()
	}
	return err
}

// SlogLevel converts a config log level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
