// Package observe provides application-wide observability primitives for
// meetscribe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all meetscribe metrics.
const meterName = "github.com/MrWong99/meetscribe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Sessions ---

	// ActiveSessions tracks the number of sessions in the RUNNING state.
	ActiveSessions metric.Int64UpDownCounter

	// Sessions counts finished sessions. Use with attribute:
	//   attribute.String("status", "stopped"|"failed")
	Sessions metric.Int64Counter

	// Segments counts published transcript segments. Use with attribute:
	//   attribute.String("finality", "final"|"interim")
	Segments metric.Int64Counter

	// --- Transcoder ---

	// TranscoderProcesses tracks live transcoding subprocesses.
	TranscoderProcesses metric.Int64UpDownCounter

	// TranscoderSpawns counts spawn attempts by status.
	TranscoderSpawns metric.Int64Counter

	// TranscoderExits counts reaped subprocesses. Use with attribute:
	//   attribute.String("status", "clean"|"crashed"|"stopped")
	TranscoderExits metric.Int64Counter

	// --- Bridge ---

	// QueueDepth tracks chunks waiting between transcoder and recognizer,
	// summed across sessions.
	QueueDepth metric.Int64UpDownCounter

	// DroppedChunks counts chunks evicted by the drop-oldest policy.
	DroppedChunks metric.Int64Counter

	// Backpressure counts pushes that timed out under the blocking policy.
	Backpressure metric.Int64Counter

	// RecognitionRetries counts retried recognizer calls. Use with attribute:
	//   attribute.String("op", "open"|"send")
	RecognitionRetries metric.Int64Counter

	// SendDuration tracks SendAudio latency.
	SendDuration metric.Float64Histogram

	// --- Providers ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// per-chunk recognizer calls.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Sessions.
	if met.ActiveSessions, err = m.Int64UpDownCounter("meetscribe.active_sessions",
		metric.WithDescription("Number of running transcription sessions."),
	); err != nil {
		return nil, err
	}
	if met.Sessions, err = m.Int64Counter("meetscribe.sessions",
		metric.WithDescription("Total finished sessions by status."),
	); err != nil {
		return nil, err
	}
	if met.Segments, err = m.Int64Counter("meetscribe.segments",
		metric.WithDescription("Total transcript segments published by finality."),
	); err != nil {
		return nil, err
	}

	// Transcoder.
	if met.TranscoderProcesses, err = m.Int64UpDownCounter("meetscribe.transcoder.processes",
		metric.WithDescription("Number of live transcoding subprocesses."),
	); err != nil {
		return nil, err
	}
	if met.TranscoderSpawns, err = m.Int64Counter("meetscribe.transcoder.spawns",
		metric.WithDescription("Total transcoder spawn attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.TranscoderExits, err = m.Int64Counter("meetscribe.transcoder.exits",
		metric.WithDescription("Total transcoder exits by status."),
	); err != nil {
		return nil, err
	}

	// Bridge.
	if met.QueueDepth, err = m.Int64UpDownCounter("meetscribe.bridge.queue_depth",
		metric.WithDescription("PCM chunks waiting for the recognizer."),
	); err != nil {
		return nil, err
	}
	if met.DroppedChunks, err = m.Int64Counter("meetscribe.bridge.dropped_chunks",
		metric.WithDescription("PCM chunks dropped by the drop-oldest policy."),
	); err != nil {
		return nil, err
	}
	if met.Backpressure, err = m.Int64Counter("meetscribe.bridge.backpressure",
		metric.WithDescription("Queue pushes that exceeded the block timeout."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionRetries, err = m.Int64Counter("meetscribe.recognition.retries",
		metric.WithDescription("Retried recognizer operations by op."),
	); err != nil {
		return nil, err
	}
	if met.SendDuration, err = m.Float64Histogram("meetscribe.recognition.send.duration",
		metric.WithDescription("Latency of sending one PCM chunk to the recognizer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Providers.
	if met.ProviderRequests, err = m.Int64Counter("meetscribe.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("meetscribe.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("meetscribe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordSpawn records a transcoder spawn attempt. A successful spawn also
// increments the live process gauge.
func (m *Metrics) RecordSpawn(ctx context.Context, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.TranscoderSpawns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if ok {
		m.TranscoderProcesses.Add(ctx, 1)
	}
}

// RecordExit records a reaped transcoder and decrements the live process
// gauge.
func (m *Metrics) RecordExit(ctx context.Context, status string) {
	m.TranscoderExits.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.TranscoderProcesses.Add(ctx, -1)
}

// RecordRetry records one retried recognizer operation.
func (m *Metrics) RecordRetry(ctx context.Context, op string) {
	m.RecognitionRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordSend records the latency of one SendAudio call.
func (m *Metrics) RecordSend(ctx context.Context, d time.Duration) {
	m.SendDuration.Record(ctx, d.Seconds())
}

// RecordSegment records a published transcript segment.
func (m *Metrics) RecordSegment(ctx context.Context, final bool) {
	finality := "interim"
	if final {
		finality = "final"
	}
	m.Segments.Add(ctx, 1, metric.WithAttributes(attribute.String("finality", finality)))
}

// RecordSessionEnd records a finished session with status "stopped" or
// "failed".
func (m *Metrics) RecordSessionEnd(ctx context.Context, status string) {
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}
