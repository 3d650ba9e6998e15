package observe

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/greenline"

// Span attribute keys shared by every hop of a tool invocation. They match the
// log attribute names so a trace and its log lines can be joined on them.
const (
	ToolKey      = attribute.Key("tool")
	TenantKey    = attribute.Key("tenant_id")
	GroupKey     = attribute.Key("group")
	ErrorKindKey = attribute.Key("error.kind")
)

// Tracer returns the tracer of the globally registered [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on [Tracer]. The caller must end it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// InvocationAttrs identifies one tool invocation on a span.
func InvocationAttrs(toolName string, tenantID uuid.UUID) []attribute.KeyValue {
	return []attribute.KeyValue{
		ToolKey.String(toolName),
		TenantKey.String(tenantID.String()),
	}
}

// StartInvocationSpan starts the span "<op> <tool>" carrying
// [InvocationAttrs]. The dispatch server and the supervisor each open one, so
// a routed call shows up as a supervisor span with a dispatch child once the
// worker shares the trace.
func StartInvocationSpan(ctx context.Context, op, toolName string, tenantID uuid.UUID, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	opts = append(opts, trace.WithAttributes(InvocationAttrs(toolName, tenantID)...))
	return StartSpan(ctx, op+" "+toolName, opts...)
}

// FailSpan marks span as failed with the error kind of a tool failure.
func FailSpan(span trace.Span, kind, message string) {
	span.SetAttributes(ErrorKindKey.String(kind))
	span.SetStatus(codes.Error, message)
}

// CorrelationID returns the trace ID of the span in ctx, or "" without one.
// The gateway echoes it as X-Correlation-ID so orchestrator logs can be
// matched to worker logs.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with trace_id and span_id from ctx, when
// ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

// InvocationLogger is [Logger] scoped to one tool invocation.
func InvocationLogger(ctx context.Context, toolName string, tenantID uuid.UUID) *slog.Logger {
	return Logger(ctx).With(
		slog.String(string(ToolKey), toolName),
		slog.String(string(TenantKey), tenantID.String()),
	)
}
