package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("line is not JSON: %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LevelDebug},
		{"WARN", LevelWarn},
		{" error ", LevelError},
		{"", LevelInfo},
		{"verbose", LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTaskFields(t *testing.T) {
	var buf bytes.Buffer
	l := New("taskhook-server")
	l.SetOutput(&buf)

	l.Plain().
		WithTask("abc123").
		WithTaskName("mail.send_email").
		WithQueue("async-tasks-queue").
		WithField("duration_ms", 12).
		Info("Handled the async task")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	got := lines[0]
	want := map[string]any{
		"level":     "info",
		"msg":       "Handled the async task",
		"service":   "taskhook-server",
		"task_id":   "abc123",
		"task_name": "mail.send_email",
		"queue":     "async-tasks-queue",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}
	fields, _ := got["fields"].(map[string]any)
	if fields["duration_ms"] != float64(12) {
		t.Errorf("fields = %v", fields)
	}
}

func TestEmptyFieldsOmitted(t *testing.T) {
	var buf bytes.Buffer
	l := New("svc")
	l.SetOutput(&buf)
	l.Plain().Info("started")

	if strings.Contains(buf.String(), `"fields"`) {
		t.Errorf("empty fields should be omitted: %s", buf.String())
	}
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	l := New("svc")
	l.SetOutput(&buf)

	l.Plain().WithError(nil).Info("no error")
	l.Plain().WithError(errors.New("broker unavailable")).Error("enqueue failed")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines", len(lines))
	}
	if _, ok := lines[0]["fields"]; ok {
		t.Error("nil error should not add a field")
	}
	fields := lines[1]["fields"].(map[string]any)
	if fields["error"] != "broker unavailable" {
		t.Errorf("error field = %v", fields["error"])
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New("svc")
	l.SetOutput(&buf)
	l.SetLevel(LevelWarn)

	l.Plain().Debug("hidden")
	l.Plain().Infof("hidden %d", 1)
	l.Plain().Warnf("shown %d", 2)
	l.Plain().Errorf("shown %d", 3)

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %s", len(lines), buf.String())
	}
	if lines[0]["msg"] != "shown 2" || lines[1]["level"] != "error" {
		t.Errorf("unexpected lines %v", lines)
	}
}

func TestWithContextTraceID(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	var buf bytes.Buffer
	l := New("svc")
	l.SetOutput(&buf)

	ctx, span := tp.Tracer("test").Start(context.Background(), "handler.async")
	defer span.End()
	l.WithContext(ctx).Info("with trace")
	l.WithContext(context.Background()).Info("without trace")

	lines := decodeLines(t, &buf)
	if lines[0]["trace_id"] != span.SpanContext().TraceID().String() {
		t.Errorf("trace_id = %v", lines[0]["trace_id"])
	}
	if _, ok := lines[1]["trace_id"]; ok {
		t.Error("trace_id should be omitted without a span")
	}
}

func TestMarshalFailureFallsBackToText(t *testing.T) {
	var buf bytes.Buffer
	l := New("svc")
	l.SetOutput(&buf)

	l.WithFields(map[string]any{"bad": math.Inf(1)}).Warn("unencodable")
	if !strings.Contains(buf.String(), "[warn] unencodable") {
		t.Errorf("fallback output = %q", buf.String())
	}
}

func TestDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	defaultLogger.SetOutput(&buf)
	SetDefaultService("taskhook-test")
	t.Cleanup(func() {
		SetDefaultService("taskhook")
		defaultLogger.SetOutput(os.Stdout)
	})

	Plain().Info("from default")
	WithContext(context.Background()).Info("from default ctx")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 || lines[0]["service"] != "taskhook-test" {
		t.Errorf("lines = %v", lines)
	}
}
