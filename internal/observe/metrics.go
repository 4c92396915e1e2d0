// Package observe provides application-wide observability primitives for
// mictrail: OpenTelemetry metrics, distributed tracing, structured logging,
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all mictrail metrics.
const meterName = "github.com/MrWong99/mictrail"

// Segment lifecycle outcomes, used as the "reason" attribute on
// SegmentsDiscarded.
const (
	ReasonEmpty   = "empty"
	ReasonCleared = "cleared"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture path ---

	// FramesReceived counts frames delivered to the buffering controller,
	// whether or not buffering was enabled.
	FramesReceived metric.Int64Counter

	// BufferedBytes counts PCM bytes successfully appended to segment files.
	BufferedBytes metric.Int64Counter

	// --- Segment lifecycle ---

	// SegmentsFinalized counts segments that produced metadata.
	SegmentsFinalized metric.Int64Counter

	// SegmentsDiscarded counts writers closed without metadata. Use with
	// attribute.String("reason", ReasonEmpty|ReasonCleared).
	SegmentsDiscarded metric.Int64Counter

	// SegmentsEvicted counts segments removed by the retention enforcer.
	SegmentsEvicted metric.Int64Counter

	// FinalizeDuration tracks how long a finalize (header patch + close) takes.
	FinalizeDuration metric.Float64Histogram

	// --- Error counters ---

	// SegmentErrors counts non-fatal file errors. Use with attribute:
	//   attribute.String("op", "create"|"append"|"patch_header"|"delete")
	SegmentErrors metric.Int64Counter

	// --- Gauges ---

	// BufferedDuration tracks the summed duration of all registered segments
	// in milliseconds.
	BufferedDuration metric.Int64UpDownCounter

	// BufferedSegments tracks the number of registered segments.
	BufferedSegments metric.Int64UpDownCounter

	// --- Event fan-out ---

	// EventsDropped counts segment events dropped because a subscriber or the
	// catalog queue was full. Use with attribute.String("sink", ...).
	EventsDropped metric.Int64Counter

	// CatalogErrors counts failed catalog writes.
	CatalogErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// fileOpBuckets defines histogram bucket boundaries (in seconds) for local
// file operations.
var fileOpBuckets = []float64{
	0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesReceived, err = m.Int64Counter("mictrail.frames.received",
		metric.WithDescription("Total audio frames delivered to the buffering controller."),
	); err != nil {
		return nil, err
	}
	if met.BufferedBytes, err = m.Int64Counter("mictrail.frames.buffered_bytes",
		metric.WithDescription("Total PCM bytes appended to segment files."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.SegmentsFinalized, err = m.Int64Counter("mictrail.segments.finalized",
		metric.WithDescription("Total segments finalized into the registry."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDiscarded, err = m.Int64Counter("mictrail.segments.discarded",
		metric.WithDescription("Total segment writers closed without producing metadata, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsEvicted, err = m.Int64Counter("mictrail.segments.evicted",
		metric.WithDescription("Total segments evicted to honour the retention budget."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.FinalizeDuration, err = m.Float64Histogram("mictrail.segment.finalize.duration",
		metric.WithDescription("Latency of finalizing a segment file."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(fileOpBuckets...),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SegmentErrors, err = m.Int64Counter("mictrail.segment.errors",
		metric.WithDescription("Total non-fatal segment file errors by operation."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.BufferedDuration, err = m.Int64UpDownCounter("mictrail.buffered.duration",
		metric.WithDescription("Summed duration of all buffered segments."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if met.BufferedSegments, err = m.Int64UpDownCounter("mictrail.buffered.segments",
		metric.WithDescription("Number of buffered segments."),
	); err != nil {
		return nil, err
	}

	// Event fan-out.
	if met.EventsDropped, err = m.Int64Counter("mictrail.events.dropped",
		metric.WithDescription("Total segment events dropped by a full sink queue."),
	); err != nil {
		return nil, err
	}
	if met.CatalogErrors, err = m.Int64Counter("mictrail.catalog.errors",
		metric.WithDescription("Total failed segment catalog writes."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("mictrail.http.request.duration",
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

// RecordSegmentError records a non-fatal file error for op.
func (m *Metrics) RecordSegmentError(ctx context.Context, op string) {
	m.SegmentErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// RecordDiscard records a writer closed without metadata.
func (m *Metrics) RecordDiscard(ctx context.Context, reason string) {
	m.SegmentsDiscarded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordDropped records a segment event dropped by sink.
func (m *Metrics) RecordDropped(ctx context.Context, sink string) {
	m.EventsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// RecordRegistered records a segment entering the registry.
func (m *Metrics) RecordRegistered(ctx context.Context, durationMs int64) {
	m.SegmentsFinalized.Add(ctx, 1)
	m.BufferedSegments.Add(ctx, 1)
	m.BufferedDuration.Add(ctx, durationMs)
}

// RecordUnregistered records a segment leaving the registry by eviction or
// clear. Set evicted for retention-driven removals.
func (m *Metrics) RecordUnregistered(ctx context.Context, durationMs int64, evicted bool) {
	if evicted {
		m.SegmentsEvicted.Add(ctx, 1)
	}
	m.BufferedSegments.Add(ctx, -1)
	m.BufferedDuration.Add(ctx, -durationMs)
}
