package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

// useRecordingTracer installs an in-memory tracer provider as the global
// provider for the duration of the test.
func useRecordingTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

// captureLogs routes the default slog logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestStartSpan_TurnSpan(t *testing.T) {
	exp := useRecordingTracer(t)

	ctx, span := StartSpan(context.Background(), "dialogue.turn", trace.WithAttributes(
		PersonaIDKey.String("elara"),
		UserIDKey.String("u1"),
	))
	span.SetAttributes(ConversationIDKey.String("conv-1"), TurnStatusKey.String(TurnOK))
	if CorrelationID(ctx) == "" {
		t.Error("turn span has no trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "dialogue.turn" {
		t.Errorf("name = %q", got.Name)
	}
	if got.InstrumentationScope.Name != "github.com/MrWong99/tavern" {
		t.Errorf("scope = %q", got.InstrumentationScope.Name)
	}
	set := attribute.NewSet(got.Attributes...)
	for key, want := range map[attribute.Key]string{
		PersonaIDKey:      "elara",
		UserIDKey:         "u1",
		ConversationIDKey: "conv-1",
		TurnStatusKey:     "ok",
	} {
		if v, _ := set.Value(key); v.AsString() != want {
			t.Errorf("%s = %q, want %q", key, v.AsString(), want)
		}
	}
}

func TestSpanError(t *testing.T) {
	exp := useRecordingTracer(t)

	_, span := StartSpan(context.Background(), "dialogue.turn")
	cause := errors.New("persona \"ghost\": not found")
	if err := SpanError(span, cause); err != cause {
		t.Errorf("SpanError returned %v, want the same error", err)
	}
	span.End()

	_, ok := StartSpan(context.Background(), "dialogue.turn")
	if SpanError(ok, nil) != nil {
		t.Error("SpanError(nil) should return nil")
	}
	ok.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Status.Code != codes.Error || !strings.Contains(spans[0].Status.Description, "ghost") {
		t.Errorf("failed span status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) == 0 || spans[0].Events[0].Name != "exception" {
		t.Errorf("failed span should carry an exception event: %+v", spans[0].Events)
	}
	if spans[1].Status.Code == codes.Error {
		t.Error("span without error marked as failed")
	}
}

func TestCorrelationID(t *testing.T) {
	useRecordingTracer(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "HTTP POST")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID %q is not 32 lowercase hex chars", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = true
	}
}

func TestLogger_InsideTurnSpan(t *testing.T) {
	useRecordingTracer(t)
	buf := captureLogs(t)

	ctx, span := StartSpan(context.Background(), "dialogue.turn")
	defer span.End()
	Logger(ctx).Info("turn completed", "persona_id", "thorin")

	out := buf.String()
	for _, want := range []string{
		"trace_id=" + CorrelationID(ctx),
		"span_id=" + span.SpanContext().SpanID().String(),
		"persona_id=thorin",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log line missing %q: %s", want, out)
		}
	}
}

func TestLogger_WithoutSpan(t *testing.T) {
	buf := captureLogs(t)

	Logger(context.Background()).Info("retention sweeper started", "days", 30)

	out := buf.String()
	if strings.Contains(out, "trace_id") || strings.Contains(out, "span_id") {
		t.Errorf("log line without span carries trace fields: %s", out)
	}
	if !strings.Contains(out, "days=30") {
		t.Errorf("log line = %s", out)
	}
}
