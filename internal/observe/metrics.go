// Package observe provides the observability primitives of the Lahn client:
// OpenTelemetry metrics, tracing helpers, trace-aware logging and the HTTP
// middleware used by the local viewer server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported to
// Prometheus by [InitProvider]. Components accept a *[Metrics] and fall back
// to [DefaultMetrics] when given nil; tests should build their own instance
// with [NewMetrics] and a manual reader to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Lahn metrics.
const meterName = "github.com/MrWong99/lahn"

// Tick results reported through [Metrics.RecordTick]. TickTripped marks a
// tick skipped without a request because every segmentation backend's
// circuit breaker is open; other skipped ticks are TickSkipped.
const (
	TickDrawn    = "drawn"
	TickNotReady = "not_ready"
	TickSkipped  = "skipped"
	TickTripped  = "tripped"
)

// Metrics holds all OpenTelemetry instruments of the client. All fields are
// safe for concurrent use.
type Metrics struct {
	// APIDuration tracks avatar API call latency. Attributes: endpoint.
	APIDuration metric.Float64Histogram

	// APIRequests counts avatar API calls. Attributes: endpoint, status.
	APIRequests metric.Int64Counter

	// APIErrors counts failed avatar API calls. Attributes: endpoint, kind
	// ("network", "timeout", "status").
	APIErrors metric.Int64Counter

	// RenderTicks counts render loop ticks. Attributes: component, result.
	RenderTicks metric.Int64Counter

	// RenderTickDuration tracks time spent inside one tick. Attributes:
	// component.
	RenderTickDuration metric.Float64Histogram

	// SegmentationDuration tracks segmentation collaborator latency.
	SegmentationDuration metric.Float64Histogram

	// ActiveCaptures is the number of open capture handles. Attributes: kind.
	ActiveCaptures metric.Int64UpDownCounter

	// Recordings counts finished recording sessions. Attributes: status.
	Recordings metric.Int64Counter

	// ViewerClients is the number of connected viewer websockets.
	ViewerClients metric.Int64UpDownCounter

	// HTTPRequestDuration tracks viewer HTTP request time. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// apiBuckets are histogram boundaries (seconds) for remote calls, which are
// dominated by model inference on the server.
var apiBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// tickBuckets are histogram boundaries (seconds) around the 16.7 ms frame
// budget of a 60 Hz display.
var tickBuckets = []float64{
	0.001, 0.0025, 0.005, 0.01, 0.0167, 0.033, 0.05, 0.1, 0.25,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.APIDuration, err = m.Float64Histogram("lahn.api.duration",
		metric.WithDescription("Latency of avatar API calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(apiBuckets...),
	); err != nil {
		return nil, err
	}
	if met.APIRequests, err = m.Int64Counter("lahn.api.requests",
		metric.WithDescription("Total avatar API calls by endpoint and status."),
	); err != nil {
		return nil, err
	}
	if met.APIErrors, err = m.Int64Counter("lahn.api.errors",
		metric.WithDescription("Total failed avatar API calls by endpoint and kind."),
	); err != nil {
		return nil, err
	}
	if met.RenderTicks, err = m.Int64Counter("lahn.render.ticks",
		metric.WithDescription("Render loop ticks by component and result."),
	); err != nil {
		return nil, err
	}
	if met.RenderTickDuration, err = m.Float64Histogram("lahn.render.tick.duration",
		metric.WithDescription("Time spent rendering one tick."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SegmentationDuration, err = m.Float64Histogram("lahn.segmentation.duration",
		metric.WithDescription("Latency of person segmentation calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveCaptures, err = m.Int64UpDownCounter("lahn.active_captures",
		metric.WithDescription("Number of open capture handles by kind."),
	); err != nil {
		return nil, err
	}
	if met.Recordings, err = m.Int64Counter("lahn.recordings",
		metric.WithDescription("Finished recording sessions by status."),
	); err != nil {
		return nil, err
	}
	if met.ViewerClients, err = m.Int64UpDownCounter("lahn.viewer.clients",
		metric.WithDescription("Number of connected viewer websockets."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("lahn.http.request.duration",
		metric.WithDescription("Viewer HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// OrDefault returns m, or [DefaultMetrics] when m is nil.
func OrDefault(m *Metrics) *Metrics {
	if m == nil {
		return DefaultMetrics()
	}
	return m
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAPICall records the latency and outcome of one avatar API call.
// status is "ok" or "error".
func (m *Metrics) RecordAPICall(ctx context.Context, endpoint, status string, d time.Duration) {
	m.APIDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("endpoint", endpoint)))
	m.APIRequests.Add(ctx, 1, metric.WithAttributes(
		Attr("endpoint", endpoint),
		Attr("status", status),
	))
}

// RecordAPIError records a failed avatar API call.
func (m *Metrics) RecordAPIError(ctx context.Context, endpoint, kind string) {
	m.APIErrors.Add(ctx, 1, metric.WithAttributes(
		Attr("endpoint", endpoint),
		Attr("kind", kind),
	))
}

// RecordTick records one render tick of component with the given result
// ([TickDrawn], [TickNotReady], [TickSkipped] or [TickTripped]).
func (m *Metrics) RecordTick(ctx context.Context, component, result string, d time.Duration) {
	m.RenderTicks.Add(ctx, 1, metric.WithAttributes(
		Attr("component", component),
		Attr("result", result),
	))
	m.RenderTickDuration.Record(ctx, d.Seconds(), metric.WithAttributes(Attr("component", component)))
}

// CaptureOpened increments [Metrics.ActiveCaptures] for kind.
func (m *Metrics) CaptureOpened(ctx context.Context, kind string) {
	m.ActiveCaptures.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// CaptureClosed decrements [Metrics.ActiveCaptures] for kind.
func (m *Metrics) CaptureClosed(ctx context.Context, kind string) {
	m.ActiveCaptures.Add(ctx, -1, metric.WithAttributes(Attr("kind", kind)))
}

// RecordRecording counts a finished recording session.
func (m *Metrics) RecordRecording(ctx context.Context, status string) {
	m.Recordings.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// ObserveAPICall records one avatar API call. errKind is empty on success;
// otherwise the call is also counted in [Metrics.APIErrors]. It satisfies
// avatarapi.Observer.
func (m *Metrics) ObserveAPICall(ctx context.Context, endpoint string, d time.Duration, errKind string) {
	status := "ok"
	if errKind != "" {
		status = "error"
		m.RecordAPIError(ctx, endpoint, errKind)
	}
	m.RecordAPICall(ctx, endpoint, status, d)
}

// ViewerConnected increments [Metrics.ViewerClients] for channel.
func (m *Metrics) ViewerConnected(ctx context.Context, channel string) {
	m.ViewerClients.Add(ctx, 1, metric.WithAttributes(Attr("channel", channel)))
}

// ViewerDisconnected decrements [Metrics.ViewerClients] for channel.
func (m *Metrics) ViewerDisconnected(ctx context.Context, channel string) {
	m.ViewerClients.Add(ctx, -1, metric.WithAttributes(Attr("channel", channel)))
}
