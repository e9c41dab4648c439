package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a manual reader so
// tests can collect recorded data points.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data and returns it indexed by instrument name.
func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestRecordProviderRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "openai", "llm", "ok")
	m.RecordProviderRequest(ctx, "deepgram", "stt", "error")

	data := collect(t, reader)
	sum, ok := data["vocata.provider.requests"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("provider.requests should be an int64 sum")
	}

	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("total requests = %d, want 3", total)
	}
	if len(sum.DataPoints) != 2 {
		t.Errorf("expected 2 attribute sets, got %d", len(sum.DataPoints))
	}
}

func TestRecordDialAttempt(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDialAttempt(ctx, "error")
	m.RecordDialAttempt(ctx, "error")
	m.RecordDialAttempt(ctx, "answered")

	data := collect(t, reader)
	sum := data["vocata.dial.attempts"].Data.(metricdata.Sum[int64])
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 3 {
		t.Errorf("total dial attempts = %d, want 3", total)
	}
}

func TestActiveSessionsUpDown(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	data := collect(t, reader)
	sum := data["vocata.active_sessions"].Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("active sessions should net to 1, got %+v", sum.DataPoints)
	}
}

func TestSTTDurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.STTDuration.Record(ctx, 0.12)
	m.STTDuration.Record(ctx, 0.31)

	data := collect(t, reader)
	hist, ok := data["vocata.stt.duration"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("stt.duration should be a float64 histogram")
	}
	if hist.DataPoints[0].Count != 2 {
		t.Errorf("count = %d, want 2", hist.DataPoints[0].Count)
	}
}

func TestRecordCost(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordCost(ctx, "openai", "llm", 0.01)
	m.RecordCost(ctx, "openai", "llm", 0.02)

	data := collect(t, reader)
	sum := data["vocata.cost.usd"].Data.(metricdata.Sum[float64])
	if len(sum.DataPoints) != 1 {
		t.Fatalf("expected 1 attribute set, got %d", len(sum.DataPoints))
	}
	if got := sum.DataPoints[0].Value; got < 0.0299 || got > 0.0301 {
		t.Errorf("cost = %f, want 0.03", got)
	}
}

func TestDefaultMetricsSingleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics should return the same instance")
	}
}
