// Package observe provides the relay's observability primitives:
// OpenTelemetry metrics, tracing, structured logging helpers, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped from the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/MrWong99/livebridge"

// Message directions used as the "direction" attribute.
const (
	DirectionUpstream   = "client_to_remote"
	DirectionDownstream = "remote_to_client"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// RemoteDialDuration tracks how long it takes to open and set up the
	// remote leg of a session.
	RemoteDialDuration metric.Float64Histogram

	// SessionDuration tracks the lifetime of relay sessions.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// Sessions counts finished relay sessions. Use with attribute:
	//   attribute.String("outcome", ...)
	Sessions metric.Int64Counter

	// MessagesForwarded counts relayed messages. Use with attribute:
	//   attribute.String("direction", ...)
	MessagesForwarded metric.Int64Counter

	// BytesForwarded counts relayed payload bytes. Use with attribute:
	//   attribute.String("direction", ...)
	BytesForwarded metric.Int64Counter

	// MessagesDropped counts messages that were not relayed. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("reason", ...)
	MessagesDropped metric.Int64Counter

	// --- Error counters ---

	// TransportErrors counts abnormal connection failures. Use with attribute:
	//   attribute.String("leg", ...)
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live relay sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for remote
// connection setup.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for
// conversation lengths.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 900, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.RemoteDialDuration, err = m.Float64Histogram("livebridge.remote.dial.duration",
		metric.WithDescription("Latency of opening and setting up the remote connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("livebridge.session.duration",
		metric.WithDescription("Lifetime of relay sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Sessions, err = m.Int64Counter("livebridge.sessions",
		metric.WithDescription("Total finished relay sessions by outcome."),
	); err != nil {
		return nil, err
	}
	if met.MessagesForwarded, err = m.Int64Counter("livebridge.messages.forwarded",
		metric.WithDescription("Total relayed messages by direction."),
	); err != nil {
		return nil, err
	}
	if met.BytesForwarded, err = m.Int64Counter("livebridge.bytes.forwarded",
		metric.WithDescription("Total relayed payload bytes by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.MessagesDropped, err = m.Int64Counter("livebridge.messages.dropped",
		metric.WithDescription("Total messages not relayed by direction and reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TransportErrors, err = m.Int64Counter("livebridge.transport.errors",
		metric.WithDescription("Total abnormal connection failures by leg."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("livebridge.active_sessions",
		metric.WithDescription("Number of live relay sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("livebridge.http.request.duration",
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

// RecordForward records one relayed message of size bytes.
func (m *Metrics) RecordForward(ctx context.Context, direction string, size int) {
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.MessagesForwarded.Add(ctx, 1, attrs)
	m.BytesForwarded.Add(ctx, int64(size), attrs)
}

// RecordDrop records one message that was not relayed.
func (m *Metrics) RecordDrop(ctx context.Context, direction, reason string) {
	m.MessagesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("direction", direction),
			attribute.String("reason", reason),
		),
	)
}

// RecordTransportError records an abnormal failure of one connection leg.
func (m *Metrics) RecordTransportError(ctx context.Context, leg string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("leg", leg)),
	)
}

// RecordSessionEnd records the end of a session that lasted seconds.
func (m *Metrics) RecordSessionEnd(ctx context.Context, outcome string, seconds float64) {
	m.Sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	m.SessionDuration.Record(ctx, seconds)
}
