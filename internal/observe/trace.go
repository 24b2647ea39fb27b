package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// scopeName identifies this module's instrumentation scope on every span.
const scopeName = "github.com/loqui-ai/loqui"

// Tracer returns the module's [trace.Tracer], resolved against the globally
// registered provider so spans are recorded once [InitProvider] has run.
func Tracer() trace.Tracer {
	return otel.Tracer(scopeName)
}

// StartSpan opens a span named name under the span in ctx, or a new root span
// when ctx carries none. The caller owns the returned span and must End it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// Logger returns the default [slog.Logger] annotated with the trace_id and
// span_id of the span in ctx, so log lines written inside a traced operation
// can be joined with its spans. Without an active span it returns the default
// logger unchanged.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
