package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumWhere(t *testing.T, met *metricdata.Metrics, key, value string) int64 {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is %T, want Sum[int64]", met.Name, met.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			total += dp.Value
		}
	}
	return total
}

func TestRecordAPICall(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordAPICall(ctx, "chat", "ok", 120*time.Millisecond)
	m.RecordAPICall(ctx, "chat", "error", 30*time.Second)
	m.RecordAPIError(ctx, "chat", "timeout")

	rm := collect(t, reader)

	hist := findMetric(rm, "lahn.api.duration")
	if hist == nil {
		t.Fatal("lahn.api.duration not found")
	}
	h, ok := hist.Data.(metricdata.Histogram[float64])
	if !ok || len(h.DataPoints) != 1 || h.DataPoints[0].Count != 2 {
		t.Errorf("lahn.api.duration = %+v, want one point with count 2", hist.Data)
	}

	reqs := findMetric(rm, "lahn.api.requests")
	if reqs == nil {
		t.Fatal("lahn.api.requests not found")
	}
	if got := sumWhere(t, reqs, "status", "error"); got != 1 {
		t.Errorf("error requests = %d, want 1", got)
	}

	errs := findMetric(rm, "lahn.api.errors")
	if errs == nil {
		t.Fatal("lahn.api.errors not found")
	}
	if got := sumWhere(t, errs, "kind", "timeout"); got != 1 {
		t.Errorf("timeout errors = %d, want 1", got)
	}
}

func TestRecordTick(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTick(ctx, "mirror", TickDrawn, time.Millisecond)
	m.RecordTick(ctx, "mirror", TickSkipped, time.Millisecond)
	m.RecordTick(ctx, "mirror", TickSkipped, time.Millisecond)

	met := findMetric(collect(t, reader), "lahn.render.ticks")
	if met == nil {
		t.Fatal("lahn.render.ticks not found")
	}
	if got := sumWhere(t, met, "result", TickSkipped); got != 2 {
		t.Errorf("skipped ticks = %d, want 2", got)
	}
}

func TestActiveCaptures(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.CaptureOpened(ctx, "audio")
	m.CaptureOpened(ctx, "video")
	m.CaptureClosed(ctx, "audio")

	met := findMetric(collect(t, reader), "lahn.active_captures")
	if met == nil {
		t.Fatal("lahn.active_captures not found")
	}
	if got := sumWhere(t, met, "kind", "audio"); got != 0 {
		t.Errorf("audio captures = %d, want 0", got)
	}
	if got := sumWhere(t, met, "kind", "video"); got != 1 {
		t.Errorf("video captures = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
	if OrDefault(nil) != DefaultMetrics() {
		t.Error("OrDefault(nil) should return DefaultMetrics")
	}
}
