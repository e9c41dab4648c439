package observe

import (
	"context"
	"testing"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

func TestCorrelationIDNoSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("expected empty correlation ID without a span, got %q", got)
	}
}

func TestCorrelationIDWithSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	cid := CorrelationID(ctx)
	if cid == "" {
		t.Fatal("expected non-empty correlation ID inside a span")
	}
	if cid != trace.SpanContextFromContext(ctx).TraceID().String() {
		t.Error("correlation ID should equal the trace ID")
	}
}

func TestLoggerWithoutSpan(t *testing.T) {
	if Logger(context.Background()) == nil {
		t.Fatal("Logger must never return nil")
	}
}

func TestLoggerWithSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	if Logger(ctx) == Logger(context.Background()) {
		t.Error("logger inside a span should carry extra attributes")
	}
}
