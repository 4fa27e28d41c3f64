package observe

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing the transcription pipeline.
const (
	AttrFFmpegPath = attribute.Key("meetscribe.transcode.ffmpeg_path")
	AttrSampleRate = attribute.Key("meetscribe.audio.sample_rate")
	AttrChannels   = attribute.Key("meetscribe.audio.channels")
	AttrRecognizer = attribute.Key("meetscribe.recognizer")
)

// ProviderConfig configures the OpenTelemetry SDK providers.
type ProviderConfig struct {
	// ServiceName is the service name reported in telemetry. Default: "meetscribe".
	ServiceName string

	// ServiceVersion is the build version reported in telemetry.
	ServiceVersion string

	// FFmpegPath, SampleRate, Channels and Recognizer describe the pipeline
	// every session of this process runs. Zero values are left out of the
	// resource.
	FFmpegPath string
	SampleRate int
	Channels   int
	Recognizer string

	// TraceExporter is an optional span exporter. When nil, spans are
	// recorded but not exported.
	TraceExporter sdktrace.SpanExporter
}

func (cfg ProviderConfig) attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.FFmpegPath != "" {
		attrs = append(attrs, AttrFFmpegPath.String(cfg.FFmpegPath))
	}
	if cfg.SampleRate > 0 {
		attrs = append(attrs, AttrSampleRate.Int(cfg.SampleRate))
	}
	if cfg.Channels > 0 {
		attrs = append(attrs, AttrChannels.Int(cfg.Channels))
	}
	if cfg.Recognizer != "" {
		attrs = append(attrs, AttrRecognizer.String(cfg.Recognizer))
	}
	return attrs
}

// Telemetry owns the SDK providers and the Prometheus registry the metrics
// are exported to.
type Telemetry struct {
	// Registry holds the OTel bridge plus the Go runtime and process
	// collectors. Serve it with [Telemetry.Handler].
	Registry *prometheus.Registry

	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
	Resource       *resource.Resource
}

// NewTelemetry builds the meter and tracer providers without installing
// them globally.
func NewTelemetry(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "meetscribe"
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithProcessPID(),
		resource.WithAttributes(cfg.attributes()...),
	)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, err
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, err
	}
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}

	return &Telemetry{
		Registry:       reg,
		MeterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(exp)),
		TracerProvider: sdktrace.NewTracerProvider(tpOpts...),
		Resource:       res,
	}, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{Registry: t.Registry})
}

// Shutdown flushes and closes both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.MeterProvider.Shutdown(ctx), t.TracerProvider.Shutdown(ctx))
}

// InitProvider builds the providers with [NewTelemetry] and registers them as
// the global OTel providers, so [DefaultMetrics] and [StartSpan] report
// through them. Call Shutdown in a defer from main().
func InitProvider(ctx context.Context, cfg ProviderConfig) (*Telemetry, error) {
	t, err := NewTelemetry(ctx, cfg)
	if err != nil {
		return nil, err
	}
	otel.SetMeterProvider(t.MeterProvider)
	otel.SetTracerProvider(t.TracerProvider)
	return t, nil
}
