package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installTestTracer swaps the global tracer provider for one backed by an
// in-memory exporter and restores the original on cleanup.
func installTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

func TestStartSpan_RecordsNamedSpan(t *testing.T) {
	exp := installTestTracer(t)

	_, span := StartSpan(context.Background(), "turn.process")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded %d spans, want 1", len(spans))
	}
	if spans[0].Name != "turn.process" {
		t.Errorf("span name = %q, want turn.process", spans[0].Name)
	}
}

func TestStartSpan_ChildJoinsParentTrace(t *testing.T) {
	exp := installTestTracer(t)

	ctx, parent := StartSpan(context.Background(), "outer")
	_, child := StartSpan(ctx, "inner")
	child.End()
	parent.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	if spans[0].SpanContext.TraceID() != spans[1].SpanContext.TraceID() {
		t.Error("child span started a new trace instead of joining the parent")
	}
}

func TestLogger_AnnotatesWithSpanIDs(t *testing.T) {
	installTestTracer(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := StartSpan(context.Background(), "annotated")
	defer span.End()
	Logger(ctx).Info("inside the span")

	line := buf.String()
	if !strings.Contains(line, "trace_id=") || !strings.Contains(line, "span_id=") {
		t.Errorf("log line missing trace annotations: %s", line)
	}
}

func TestLogger_PlainWithoutSpan(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("no span here")

	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("unexpected trace annotation: %s", buf.String())
	}
}
