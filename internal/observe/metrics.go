// Package observe provides application-wide observability primitives for
// voxtail: OpenTelemetry metrics, tracing helpers, and HTTP middleware that
// ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all voxtail metrics.
const meterName = "github.com/voxtail/voxtail"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// SegmentsTotal counts raw segments appended to sessions. Use with
	// attribute.String("source", ...).
	SegmentsTotal metric.Int64Counter

	// ProcessingDuration tracks the latency of one deduplication run.
	ProcessingDuration metric.Float64Histogram

	// ProcessingRuns counts deduplication runs. Use with
	// attribute.String("status", "success"|"error") and
	// attribute.String("reason", ...).
	ProcessingRuns metric.Int64Counter

	// ModelErrors counts failed model calls.
	ModelErrors metric.Int64Counter

	// EventsDropped counts subscriber queues dropped due to overflow.
	EventsDropped metric.Int64Counter

	// ActiveSessions tracks the number of open recording sessions.
	ActiveSessions metric.Int64UpDownCounter

	// Subscribers tracks the number of attached event subscribers.
	Subscribers metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attribute.String("method", ...), attribute.String("path", ...).
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// model-call latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SegmentsTotal, err = m.Int64Counter("voxtail.segments.total",
		metric.WithDescription("Total raw segments appended, by audio source."),
	); err != nil {
		return nil, err
	}
	if met.ProcessingDuration, err = m.Float64Histogram("voxtail.processing.duration",
		metric.WithDescription("Latency of one deduplication model run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProcessingRuns, err = m.Int64Counter("voxtail.processing.runs",
		metric.WithDescription("Total deduplication runs by status and trigger reason."),
	); err != nil {
		return nil, err
	}
	if met.ModelErrors, err = m.Int64Counter("voxtail.model.errors",
		metric.WithDescription("Total failed model calls."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("voxtail.events.dropped",
		metric.WithDescription("Subscriber queues dropped due to overflow."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxtail.active_sessions",
		metric.WithDescription("Number of open recording sessions."),
	); err != nil {
		return nil, err
	}
	if met.Subscribers, err = m.Int64UpDownCounter("voxtail.subscribers",
		metric.WithDescription("Number of attached event subscribers."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxtail.http.request.duration",
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

// RecordSegment records one appended raw segment.
func (m *Metrics) RecordSegment(ctx context.Context, source string) {
	m.SegmentsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("source", source)),
	)
}

// RecordProcessingRun records one completed deduplication run.
func (m *Metrics) RecordProcessingRun(ctx context.Context, status, reason string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("status", status),
		attribute.String("reason", reason),
	)
	m.ProcessingRuns.Add(ctx, 1, attrs)
	m.ProcessingDuration.Record(ctx, seconds, attrs)
	if status != "success" {
		m.ModelErrors.Add(ctx, 1)
	}
}
