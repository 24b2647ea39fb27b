// Package observe provides application-wide observability primitives for
// Loqui: OpenTelemetry metrics, distributed tracing, structured logging, and
// the Prometheus scrape endpoint that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Loqui metrics.
const meterName = "github.com/loqui-ai/loqui"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use, the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTLatency tracks the delay between audio submission and transcript
	// arrival.
	STTLatency metric.Float64Histogram

	// TimeToFirstToken tracks the delay between utterance completion and the
	// first LLM token.
	TimeToFirstToken metric.Float64Histogram

	// TimeToFirstAudio tracks the delay between utterance completion and the
	// first synthesised audio byte.
	TimeToFirstAudio metric.Float64Histogram

	// TurnLatency tracks the end-to-end delay between utterance completion
	// and playback start.
	TurnLatency metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed conversation turns. Use with attribute:
	//   attribute.String("outcome", "completed"|"interrupted"|"error")
	Turns metric.Int64Counter

	// BargeIns counts user interruptions of AI playback.
	BargeIns metric.Int64Counter

	// BufferTimeouts counts playback stalls that exhausted the buffering
	// timeout.
	BufferTimeouts metric.Int64Counter

	// DroppedFrames counts capture frames discarded under backpressure.
	DroppedFrames metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTLatency, err = m.Float64Histogram("loqui.stt.latency",
		metric.WithDescription("Delay between audio submission and transcript arrival."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstToken, err = m.Float64Histogram("loqui.turn.time_to_first_token",
		metric.WithDescription("Delay between utterance completion and the first LLM token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstAudio, err = m.Float64Histogram("loqui.turn.time_to_first_audio",
		metric.WithDescription("Delay between utterance completion and the first synthesised audio byte."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnLatency, err = m.Float64Histogram("loqui.turn.latency",
		metric.WithDescription("End-to-end delay between utterance completion and playback start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("loqui.turns",
		metric.WithDescription("Total conversation turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("loqui.barge_ins",
		metric.WithDescription("Total user interruptions of AI playback."),
	); err != nil {
		return nil, err
	}
	if met.BufferTimeouts, err = m.Int64Counter("loqui.buffer_timeouts",
		metric.WithDescription("Total playback stalls that exhausted the buffering timeout."),
	); err != nil {
		return nil, err
	}
	if met.DroppedFrames, err = m.Int64Counter("loqui.dropped_frames",
		metric.WithDescription("Total capture frames discarded under backpressure."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("loqui.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("loqui.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP histogram for the metrics endpoint itself.
	if met.HTTPRequestDuration, err = m.Float64Histogram("loqui.http.request.duration",
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

// RecordTurn records a completed conversation turn with its outcome.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
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
