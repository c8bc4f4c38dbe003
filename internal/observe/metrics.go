// Package observe provides application-wide observability primitives for
// Tavern: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Tavern metrics.
const meterName = "github.com/MrWong99/tavern"

// Turn status values used with [Metrics.RecordTurn].
const (
	TurnOK     = "ok"
	TurnEmpty  = "empty"
	TurnFailed = "failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// ── Latency ──

	// GenerationDuration tracks the blocking generation call of a turn. Use
	// with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	GenerationDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("route", ...), attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram

	// ── Counters ──

	// Turns counts completed dialogue turns by persona and outcome.
	Turns metric.Int64Counter

	// ProviderRequests counts generation backend calls by provider and status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts generation backend failures by provider.
	ProviderErrors metric.Int64Counter

	// StoreOperations counts store calls made by the service layer by
	// operation and status.
	StoreOperations metric.Int64Counter

	// RetentionPurged counts conversations removed by the retention sweeper.
	RetentionPurged metric.Int64Counter

	// ToolCalls counts MCP tool invocations by tool name and status.
	ToolCalls metric.Int64Counter

	// ── Gauges ──

	// ActiveTurns tracks turns currently waiting on generation.
	ActiveTurns metric.Int64UpDownCounter

	// ActiveWSClients tracks open chat websocket connections.
	ActiveWSClients metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds). Local
// generation backends routinely take tens of seconds, so the tail is long.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.GenerationDuration, err = m.Float64Histogram("tavern.generation.duration",
		metric.WithDescription("Latency of the generation backend call per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("tavern.http.request.duration",
		metric.WithDescription("HTTP request latency by route pattern and status class."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("tavern.turns",
		metric.WithDescription("Dialogue turns by persona and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("tavern.provider.requests",
		metric.WithDescription("Generation backend requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("tavern.provider.errors",
		metric.WithDescription("Generation backend errors by provider."),
	); err != nil {
		return nil, err
	}
	if met.StoreOperations, err = m.Int64Counter("tavern.store.operations",
		metric.WithDescription("Store operations by operation and status."),
	); err != nil {
		return nil, err
	}
	if met.RetentionPurged, err = m.Int64Counter("tavern.retention.purged",
		metric.WithDescription("Conversations purged for inactivity."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("tavern.tool.calls",
		metric.WithDescription("MCP tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveTurns, err = m.Int64UpDownCounter("tavern.active_turns",
		metric.WithDescription("Turns currently waiting on the generation backend."),
	); err != nil {
		return nil, err
	}
	if met.ActiveWSClients, err = m.Int64UpDownCounter("tavern.active_ws_clients",
		metric.WithDescription("Open chat websocket connections."),
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

// Status maps an error to the "ok"/"error" attribute value.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordTurn counts one dialogue turn.
func (m *Metrics) RecordTurn(ctx context.Context, personaID, status string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("persona_id", personaID),
			attribute.String("status", status),
		),
	)
}

// RecordGeneration records the latency and outcome of one backend call and
// bumps the request and error counters accordingly.
func (m *Metrics) RecordGeneration(ctx context.Context, provider string, seconds float64, err error) {
	status := Status(err)
	m.GenerationDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
	m.RecordProviderRequest(ctx, provider, status)
	if err != nil {
		m.RecordProviderError(ctx, provider)
	}
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordStoreOp counts a store call made by the service layer.
func (m *Metrics) RecordStoreOp(ctx context.Context, op string, err error) {
	m.StoreOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("status", Status(err)),
		),
	)
}

// RecordPurged adds n to the retention counter.
func (m *Metrics) RecordPurged(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	m.RetentionPurged.Add(ctx, int64(n))
}

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}
