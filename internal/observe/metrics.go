// Package observe provides observability primitives for murmur: OpenTelemetry
// metrics with a Prometheus exporter bridge and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the standard /metrics endpoint (see [InitProvider]). A package-level default
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

// meterName is the instrumentation scope name used for all murmur metrics.
const meterName = "github.com/halcyonlabs/murmur"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// CaptureDuration tracks the length of capture sessions, start to
	// arbitration result.
	CaptureDuration metric.Float64Histogram

	// BatchDuration tracks batch transcription latency. Use with attribute:
	//   attribute.String("backend", ...)
	BatchDuration metric.Float64Histogram

	// EnrichDuration tracks per-task enrichment latency. Use with attribute:
	//   attribute.String("kind", ...)
	EnrichDuration metric.Float64Histogram

	// --- Counters ---

	// Captures counts finished capture sessions. Use with attributes:
	//   attribute.String("outcome", ...), attribute.String("source", ...)
	Captures metric.Int64Counter

	// FramesDropped counts audio frames evicted from a full buffer.
	FramesDropped metric.Int64Counter

	// EnrichRetries counts enrichment task retries by kind.
	EnrichRetries metric.Int64Counter

	// SyncConflicts counts last-write-wins conflict resolutions by winner
	// ("local" or "remote").
	SyncConflicts metric.Int64Counter

	// ActionsReplayed counts offline actions replayed by status
	// ("applied", "stale", "failed").
	ActionsReplayed metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live capture sessions (0 or 1 per
	// device, but the instrument allows several devices).
	ActiveSessions metric.Int64UpDownCounter

	// QueueDepth tracks the number of enrichment tasks waiting or running.
	QueueDepth metric.Int64UpDownCounter

	// PendingActions tracks the number of queued offline actions.
	PendingActions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds). The upper
// buckets accommodate long dictations; the lower ones batch and enrich calls.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CaptureDuration, err = m.Float64Histogram("murmur.capture.duration",
		metric.WithDescription("Length of capture sessions from start to arbitration result."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BatchDuration, err = m.Float64Histogram("murmur.batch.duration",
		metric.WithDescription("Latency of batch transcription by backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EnrichDuration, err = m.Float64Histogram("murmur.enrich.duration",
		metric.WithDescription("Latency of enrichment tasks by kind."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Captures, err = m.Int64Counter("murmur.captures",
		metric.WithDescription("Finished capture sessions by outcome and transcript source."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("murmur.frames.dropped",
		metric.WithDescription("Audio frames evicted from a full capture buffer."),
	); err != nil {
		return nil, err
	}
	if met.EnrichRetries, err = m.Int64Counter("murmur.enrich.retries",
		metric.WithDescription("Enrichment task retries by kind."),
	); err != nil {
		return nil, err
	}
	if met.SyncConflicts, err = m.Int64Counter("murmur.sync.conflicts",
		metric.WithDescription("Last-write-wins conflict resolutions by winner."),
	); err != nil {
		return nil, err
	}
	if met.ActionsReplayed, err = m.Int64Counter("murmur.sync.actions_replayed",
		metric.WithDescription("Offline actions replayed by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("murmur.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("murmur.active_sessions",
		metric.WithDescription("Number of live capture sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("murmur.enrich.queue_depth",
		metric.WithDescription("Enrichment tasks waiting or running."),
	); err != nil {
		return nil, err
	}
	if met.PendingActions, err = m.Int64UpDownCounter("murmur.sync.pending_actions",
		metric.WithDescription("Queued offline actions awaiting replay."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("murmur.http.request.duration",
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

// RecordCapture records a finished capture session with its duration.
func (m *Metrics) RecordCapture(ctx context.Context, outcome, source string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("source", source),
	)
	m.Captures.Add(ctx, 1, attrs)
	m.CaptureDuration.Record(ctx, seconds, attrs)
}

// RecordEnrichRetry records an enrichment retry for the given task kind.
func (m *Metrics) RecordEnrichRetry(ctx context.Context, kind string) {
	m.EnrichRetries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordConflict records a last-write-wins resolution.
func (m *Metrics) RecordConflict(ctx context.Context, winner string) {
	m.SyncConflicts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("winner", winner)),
	)
}

// RecordReplay records one replayed offline action.
func (m *Metrics) RecordReplay(ctx context.Context, status string) {
	m.ActionsReplayed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
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
