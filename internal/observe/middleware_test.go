package observe

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const incomingTraceID = "4bf92f3577b34da6a3ce929d0e0e4736"

// chatServer mirrors the shape of the Tavern API: a turn route with a
// persona wildcard and a liveness route, both behind [Middleware].
type chatServer struct {
	handler http.Handler
	reader  *sdkmetric.ManualReader
	spans   *tracetest.InMemoryExporter

	// lastCID is the correlation ID seen by the turn handler.
	lastCID string
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	cs := &chatServer{reader: reader, spans: exp}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/{persona_id}", func(w http.ResponseWriter, r *http.Request) {
		cs.lastCID = CorrelationID(r.Context())
		if r.PathValue("persona_id") == "ghost" {
			http.Error(w, `{"error":"persona not found"}`, http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"reply":"Well met."}`))
	})
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	cs.handler = Middleware(m)(mux)
	return cs
}

func (cs *chatServer) do(method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(`{"message":"hello"}`))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	cs.handler.ServeHTTP(rec, req)
	return rec
}

func (cs *chatServer) durations(t *testing.T) []metricdata.HistogramDataPoint[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := cs.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	met := findMetric(rm, "tavern.http.request.duration")
	if met == nil {
		t.Fatal("tavern.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("metric data = %T, want histogram", met.Data)
	}
	return hist.DataPoints
}

func attrValue(set attribute.Set, key string) string {
	v, _ := set.Value(attribute.Key(key))
	return v.AsString()
}

func TestMiddleware_TurnCarriesCorrelationID(t *testing.T) {
	cs := newChatServer(t)

	rec := cs.do(http.MethodPost, "/api/elara", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(cs.lastCID) != 32 {
		t.Fatalf("handler correlation ID = %q, want 32 hex chars", cs.lastCID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != cs.lastCID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, cs.lastCID)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	cs := newChatServer(t)

	h := http.Header{}
	h.Set("traceparent", "00-"+incomingTraceID+"-00f067aa0ba902b7-01")
	rec := cs.do(http.MethodPost, "/api/thorin", h)

	if cs.lastCID != incomingTraceID {
		t.Errorf("correlation ID = %q, want %q", cs.lastCID, incomingTraceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != incomingTraceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, incomingTraceID)
	}
}

func TestMiddleware_SpanNamedAfterRoute(t *testing.T) {
	cs := newChatServer(t)
	cs.do(http.MethodPost, "/api/ghost", nil)

	spans := cs.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Name != "POST /api/{persona_id}" {
		t.Errorf("span name = %q", s.Name)
	}
	set := attribute.NewSet(s.Attributes...)
	if got := attrValue(set, "http.route"); got != "POST /api/{persona_id}" {
		t.Errorf("http.route = %q", got)
	}
	if got := attrValue(set, "url.path"); got != "/api/ghost" {
		t.Errorf("url.path = %q", got)
	}
	if v, _ := set.Value("http.response.status_code"); v.AsInt64() != http.StatusNotFound {
		t.Errorf("status code attribute = %d, want 404", v.AsInt64())
	}
}

func TestMiddleware_PersonaIDsShareOneSeries(t *testing.T) {
	cs := newChatServer(t)
	cs.do(http.MethodPost, "/api/elara", nil)
	cs.do(http.MethodPost, "/api/thorin", nil)
	cs.do(http.MethodPost, "/api/ghost", nil)

	counts := map[string]uint64{}
	for _, dp := range cs.durations(t) {
		if strings.Contains(attrValue(dp.Attributes, "route"), "elara") {
			t.Errorf("persona id leaked into the route label: %v", dp.Attributes)
		}
		counts[attrValue(dp.Attributes, "route")+" "+attrValue(dp.Attributes, "status")] = dp.Count
	}
	if got := counts["POST /api/{persona_id} 2xx"]; got != 2 {
		t.Errorf("2xx turns = %d, want 2 (series: %v)", got, counts)
	}
	if got := counts["POST /api/{persona_id} 4xx"]; got != 1 {
		t.Errorf("4xx turns = %d, want 1 (series: %v)", got, counts)
	}
}

func TestMiddleware_UnmatchedRoute(t *testing.T) {
	cs := newChatServer(t)
	rec := cs.do(http.MethodGet, "/api/nowhere/at/all", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	dps := cs.durations(t)
	if len(dps) != 1 {
		t.Fatalf("data points = %d, want 1", len(dps))
	}
	if got := attrValue(dps[0].Attributes, "route"); got != "unmatched" {
		t.Errorf("route = %q, want unmatched", got)
	}
}

func TestMiddleware_HealthChecksLoggedAtDebug(t *testing.T) {
	cs := newChatServer(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})))
	t.Cleanup(func() { slog.SetDefault(orig) })

	cs.do(http.MethodGet, "/healthz", nil)
	if strings.Contains(buf.String(), "request completed") {
		t.Errorf("health check logged at info:\n%s", buf.String())
	}

	cs.do(http.MethodPost, "/api/elara", nil)
	out := buf.String()
	if !strings.Contains(out, `route="POST /api/{persona_id}"`) || !strings.Contains(out, "path=/api/elara") {
		t.Errorf("turn request log = %s", out)
	}
}

func TestStatusClass(t *testing.T) {
	t.Parallel()
	tests := []struct {
		code int
		want string
	}{
		{http.StatusSwitchingProtocols, "1xx"},
		{http.StatusCreated, "2xx"},
		{http.StatusConflict, "4xx"},
		{http.StatusServiceUnavailable, "5xx"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		if got := statusClass(tt.code); got != tt.want {
			t.Errorf("statusClass(%d) = %q, want %q", tt.code, got, tt.want)
		}
	}
}
