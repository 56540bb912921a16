// Package observe provides application-wide observability primitives for
// callvault: OpenTelemetry metrics, structured logging helpers, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all callvault metrics.
const meterName = "github.com/callvault/callvault"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture path ---

	// SlicesPersisted counts audio slices written to the durable store. Use
	// with attribute: attribute.String("codec", ...).
	SlicesPersisted metric.Int64Counter

	// SliceBytes counts payload bytes written to the durable store.
	SliceBytes metric.Int64Counter

	// MergeDuration tracks the latency of the decode-and-re-encode merge pass.
	MergeDuration metric.Float64Histogram

	// ConversionDuration tracks the latency of WAV-to-Opus conversion.
	ConversionDuration metric.Float64Histogram

	// --- Handoff ---

	// Uploads counts artifact handoffs. Use with attribute:
	//   attribute.String("status", "ok"|"error")
	Uploads metric.Int64Counter

	// --- Watchdog ---

	// MonitorChecks counts pipeline health sub-checks. Use with attributes:
	//   attribute.String("check", ...), attribute.String("status", ...)
	MonitorChecks metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live capture sessions (0 or 1 per
	// recorder; the instrument allows fleet-level aggregation).
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// merge/conversion passes over long recordings as well as fast HTTP requests.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SlicesPersisted, err = m.Int64Counter("callvault.slices.persisted",
		metric.WithDescription("Audio slices written to the durable store."),
	); err != nil {
		return nil, err
	}
	if met.SliceBytes, err = m.Int64Counter("callvault.slices.bytes",
		metric.WithDescription("Slice payload bytes written to the durable store."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.MergeDuration, err = m.Float64Histogram("callvault.merge.duration",
		metric.WithDescription("Latency of the slice merge pass."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConversionDuration, err = m.Float64Histogram("callvault.conversion.duration",
		metric.WithDescription("Latency of artifact format conversion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Uploads, err = m.Int64Counter("callvault.uploads",
		metric.WithDescription("Artifact handoffs to the upload collaborator by status."),
	); err != nil {
		return nil, err
	}
	if met.MonitorChecks, err = m.Int64Counter("callvault.monitor.checks",
		metric.WithDescription("Pipeline health sub-checks by check name and status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("callvault.sessions.active",
		metric.WithDescription("Live capture sessions."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callvault.http.request.duration",
		metric.WithDescription("HTTP request processing time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RecordMonitorCheck counts one completed health check run by verdict.
func (m *Metrics) RecordMonitorCheck(ctx context.Context, healthy bool) {
	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}
	m.MonitorChecks.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *Metrics
	defaultMetricsErr  error
)

// DefaultMetrics returns the process-wide [Metrics] instance backed by the
// global OTel meter provider, creating it on first use.
func DefaultMetrics() (*Metrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = NewMetrics(otel.GetMeterProvider())
	})
	return defaultMetrics, defaultMetricsErr
}
