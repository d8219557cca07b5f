package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the Trunkline tracer.
const tracerName = "github.com/callways/trunkline"

// The gateway emits three kinds of spans: one "call" span covering a PBX
// connection from start to teardown, a "turn" span per LLM generation nested
// inside it, and one "analysis" span for the end-of-call pass. Ops HTTP
// requests get their own server spans from [Middleware].
const (
	SpanCall     = "call"
	SpanTurn     = "turn"
	SpanAnalysis = "analysis"
)

// Tracer returns the package-level [trace.Tracer] for Trunkline, backed by
// the globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span with no gateway-specific attributes. The caller
// must call span.End() when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartCallSpan opens the per-call root span. Every span started from the
// returned context (turns, analysis) nests under it, so one trace holds the
// whole call.
func StartCallSpan(ctx context.Context, streamID, callID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, SpanCall,
		trace.WithAttributes(
			attribute.String("stream_id", streamID),
			attribute.String("call_id", callID),
		),
	)
}

// StartTurnSpan opens a span for one generation turn. session is the
// llmSession counter value the turn runs under; superseded turns show up in
// traces as short spans that never reach synthesis.
func StartTurnSpan(ctx context.Context, session uint64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, SpanTurn,
		trace.WithAttributes(attribute.Int64("llm_session", int64(session))),
	)
}

// StartAnalysisSpan opens the span for the end-of-call analyzer run.
func StartAnalysisSpan(ctx context.Context, streamID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, SpanAnalysis,
		trace.WithAttributes(attribute.String("stream_id", streamID)),
	)
}

// CorrelationID extracts the trace ID from the OTel span context in ctx.
// Returns the empty string when no active span with a valid trace ID exists.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// Logger returns an [slog.Logger] carrying trace_id and span_id from the
// span in ctx, or the default logger when ctx has no active span.
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
