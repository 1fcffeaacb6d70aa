package tracing

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter
}

func TestTrimScheme(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://collector:4318", "collector:4318"},
		{"https://collector:4318", "collector:4318"},
		{"collector:4318", "collector:4318"},
	}
	for _, tt := range tests {
		if got := trimScheme(tt.in); got != tt.want {
			t.Errorf("trimScheme(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestInitTracingWithoutEndpoint(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), Options{
		ServiceName:    "taskhook-test",
		ServiceVersion: "test",
		InstanceID:     "local",
		SampleRatio:    1,
	})
	if err != nil {
		t.Fatalf("InitTracing() error = %v", err)
	}
	defer shutdown()

	ctx, span := StartSpan(context.Background(), "handler.async")
	defer span.End()
	if GetTraceID(ctx) == "" {
		t.Error("expected a trace id with sampling ratio 1")
	}
}

func TestStartSpanRecordsAttributes(t *testing.T) {
	exporter := setupTestTracer(t)

	_, span := StartSpan(context.Background(), "runner.Run",
		attribute.String("task.name", "mail.send_email"),
		attribute.String("task.kind", "async"),
	)
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "runner.Run" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	found := false
	for _, a := range spans[0].Attributes {
		if a.Key == "task.name" && a.Value.AsString() == "mail.send_email" {
			found = true
		}
	}
	if !found {
		t.Error("task.name attribute missing")
	}
}

func TestSpanEventsAndErrors(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "dispatch.Enqueue")
	AddSpanEvent(ctx, "broker.retry", attribute.Int("attempt", 2))
	SetSpanError(ctx, errors.New("deadline exceeded"))
	SetSpanError(ctx, nil)
	span.End()

	// no-ops without a span
	AddSpanEvent(context.Background(), "ignored")
	SetSpanError(context.Background(), errors.New("ignored"))

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status.Code)
	}
	var names []string
	for _, e := range spans[0].Events {
		names = append(names, e.Name)
	}
	if len(names) != 2 || names[0] != "broker.retry" || names[1] != "exception" {
		t.Errorf("events = %v", names)
	}
}

func TestGetTraceIDWithoutSpan(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID() = %q, want empty", id)
	}
}

func TestPayloadTraceRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "dispatch.Enqueue")
	defer span.End()
	want := GetTraceID(ctx)

	headers := PropagateTrace(ctx)
	if headers["traceparent"] == "" {
		t.Fatalf("PropagateTrace() = %v, want traceparent", headers)
	}

	consumer, child := StartSpan(ExtractTrace(context.Background(), headers), "handler.async")
	defer child.End()
	if got := GetTraceID(consumer); got != want {
		t.Errorf("trace id after round trip = %s, want %s", got, want)
	}
}

func TestExtractTraceEmptyHeaders(t *testing.T) {
	ctx := context.Background()
	if got := ExtractTrace(ctx, nil); got != ctx {
		t.Error("ExtractTrace(nil) should return the input context")
	}
}

func TestHTTPTraceRoundTrip(t *testing.T) {
	setupTestTracer(t)

	ctx, span := StartSpan(context.Background(), "relay.delivery")
	defer span.End()

	h := http.Header{}
	InjectHTTP(ctx, h)
	if h.Get("Traceparent") == "" {
		t.Fatal("InjectHTTP() did not set traceparent")
	}

	got := ExtractHTTP(context.Background(), h)
	if GetTraceID(got) != GetTraceID(ctx) {
		t.Error("trace id changed across HTTP headers")
	}
}
