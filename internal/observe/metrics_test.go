package observe

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
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

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
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

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

// sumFor returns the value of the data point carrying key=value.
func sumFor(t *testing.T, met *metricdata.Metrics, key, value string) (int64, bool) {
	t.Helper()
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", met.Name)
	}
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == key && kv.Value.AsString() == value {
				return dp.Value, true
			}
		}
	}
	return 0, false
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"tavern.generation.duration", m.GenerationDuration},
		{"tavern.http.request.duration", m.HTTPRequestDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestRecordTurn(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "thorin", TurnOK)
	m.RecordTurn(ctx, "thorin", TurnOK)
	m.RecordTurn(ctx, "thorin", TurnFailed)

	met := findMetric(collect(t, reader), "tavern.turns")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got, ok := sumFor(t, met, "status", TurnOK); !ok || got != 2 {
		t.Errorf("ok turns = %d (found=%v), want 2", got, ok)
	}
	if got, ok := sumFor(t, met, "status", TurnFailed); !ok || got != 1 {
		t.Errorf("failed turns = %d (found=%v), want 1", got, ok)
	}
}

func TestRecordGeneration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordGeneration(ctx, "ollama/openhermes", 1.5, nil)
	m.RecordGeneration(ctx, "ollama/openhermes", 0.2, errors.New("connection refused"))

	rm := collect(t, reader)

	req := findMetric(rm, "tavern.provider.requests")
	if req == nil {
		t.Fatal("tavern.provider.requests not found")
	}
	if got, ok := sumFor(t, req, "status", "ok"); !ok || got != 1 {
		t.Errorf("ok requests = %d, want 1", got)
	}
	if got, ok := sumFor(t, req, "status", "error"); !ok || got != 1 {
		t.Errorf("error requests = %d, want 1", got)
	}

	errs := findMetric(rm, "tavern.provider.errors")
	if errs == nil {
		t.Fatal("tavern.provider.errors not found")
	}
	if got, ok := sumFor(t, errs, "provider", "ollama/openhermes"); !ok || got != 1 {
		t.Errorf("provider errors = %d, want 1", got)
	}

	hist := findMetric(rm, "tavern.generation.duration")
	if hist == nil {
		t.Fatal("tavern.generation.duration not found")
	}
	h := hist.Data.(metricdata.Histogram[float64])
	var total uint64
	for _, dp := range h.DataPoints {
		total += dp.Count
	}
	if total != 2 {
		t.Errorf("generation samples = %d, want 2", total)
	}
}

func TestRecordStoreOp(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordStoreOp(ctx, "append_message", nil)
	m.RecordStoreOp(ctx, "append_message", errors.New("disk full"))

	met := findMetric(collect(t, reader), "tavern.store.operations")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got, ok := sumFor(t, met, "status", "error"); !ok || got != 1 {
		t.Errorf("error ops = %d, want 1", got)
	}
}

func TestRecordPurged_IgnoresZero(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordPurged(ctx, 0)
	m.RecordPurged(ctx, 3)
	m.RecordPurged(ctx, 2)

	met := findMetric(collect(t, reader), "tavern.retention.purged")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum := met.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 5 {
		t.Errorf("purged = %+v, want a single point of 5", sum.DataPoints)
	}
}

func TestToolCallsCounter(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordToolCall(ctx, "talk", "ok")
	m.RecordToolCall(ctx, "talk", "error")

	met := findMetric(collect(t, reader), "tavern.tool.calls")
	if met == nil {
		t.Fatal("metric not found")
	}
	if got, ok := sumFor(t, met, "status", "ok"); !ok || got != 1 {
		t.Errorf("counter value = %d, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveTurns.Add(ctx, 2)
	m.ActiveTurns.Add(ctx, -1)
	m.ActiveWSClients.Add(ctx, 3)

	rm := collect(t, reader)

	gauges := []struct {
		name string
		want int64
	}{
		{"tavern.active_turns", 1},
		{"tavern.active_ws_clients", 3},
	}

	for _, tc := range gauges {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("gauge value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	if got := Status(nil); got != "ok" {
		t.Errorf("Status(nil) = %q", got)
	}
	if got := Status(errors.New("x")); got != "error" {
		t.Errorf("Status(err) = %q", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
