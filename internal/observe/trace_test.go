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
)

// useTestTracer installs an in-memory tracer provider globally for t.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLog routes the default logger into a buffer for t.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}

	useTestTracer(t)
	seen := make(map[string]bool)
	for range 20 {
		ctx, span := StartSpan(context.Background(), "op")
		cid := CorrelationID(ctx)
		span.End()
		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation id %q is not a 32 digit hex trace id", cid)
		}
		if seen[cid] {
			t.Fatalf("duplicate correlation id %s", cid)
		}
		seen[cid] = true
	}
}

func TestStartPipelineSpan(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartPipelineSpan(context.Background(), "start", "sess-1", attribute.Int("devices", 2))
	EndSpan(span, nil)

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	got := spans[0]
	if got.Name != "pipeline.start" {
		t.Errorf("span name = %q, want %q", got.Name, "pipeline.start")
	}
	attrs := make(map[attribute.Key]attribute.Value)
	for _, kv := range got.Attributes {
		attrs[kv.Key] = kv.Value
	}
	if v := attrs["session_id"]; v.AsString() != "sess-1" {
		t.Errorf("session_id = %q, want %q", v.AsString(), "sess-1")
	}
	if v := attrs["devices"]; v.AsInt64() != 2 {
		t.Errorf("devices = %d, want 2", v.AsInt64())
	}
	if got.Status.Code != codes.Unset {
		t.Errorf("status = %v, want unset", got.Status.Code)
	}
}

func TestEndSpan_RecordsError(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartPipelineSpan(context.Background(), "stop", "sess-2")
	EndSpan(span, errors.New("final results abandoned"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Status.Code != codes.Error {
		t.Errorf("status = %v, want error", spans[0].Status.Code)
	}
	if len(spans[0].Events) == 0 || spans[0].Events[0].Name != "exception" {
		t.Errorf("error event not recorded: %+v", spans[0].Events)
	}
}

func TestLogger(t *testing.T) {
	t.Run("with span", func(t *testing.T) {
		useTestTracer(t)
		buf := captureLog(t)

		ctx, span := StartSpan(context.Background(), "log")
		defer span.End()
		Logger(ctx).Info("hello")

		for _, key := range []string{"trace_id=", "span_id="} {
			if !strings.Contains(buf.String(), key) {
				t.Errorf("log output missing %s: %s", key, buf.String())
			}
		}
	})
	t.Run("without span", func(t *testing.T) {
		buf := captureLog(t)
		Logger(context.Background()).Info("hello")
		if strings.Contains(buf.String(), "trace_id") {
			t.Errorf("log output has trace_id without a span: %s", buf.String())
		}
	})
}
