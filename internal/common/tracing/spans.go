package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const agentTracerName = "agentstream-agent"

// TraceAgentOperation starts a span for one executor operation
// (run, approve, tool_result). Caller must call span.End().
func TraceAgentOperation(ctx context.Context, operation, sessionID, modelID string) (context.Context, trace.Span) {
	ctx, span := Tracer(agentTracerName).Start(ctx, "agent."+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("agent.operation", operation),
		attribute.String("session_id", sessionID),
		attribute.String("model_id", modelID),
	)
	return ctx, span
}

// TraceStreamWrite starts a span for one durable-log write of an agent message.
func TraceStreamWrite(ctx context.Context, sessionID, messageID string) (context.Context, trace.Span) {
	ctx, span := Tracer(agentTracerName).Start(ctx, "chunklog.write_stream",
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("message_id", messageID),
	)
	return ctx, span
}

// RecordResult records the outcome of a traced operation on the span.
func RecordResult(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}
