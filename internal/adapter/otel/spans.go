package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "conclave"

// StartTaskSpan starts a span for one task execution.
func StartTaskSpan(ctx context.Context, taskID, agentID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "task",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("agent.id", agentID),
		),
	)
}

// StartBackendSpan starts a span for a backend generate call.
func StartBackendSpan(ctx context.Context, agentID, backendKey string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "backend.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("agent.id", agentID),
			attribute.String("backend.key", backendKey),
		),
	)
}

// StartReasoningSpan starts a span for a reasoning session.
func StartReasoningSpan(ctx context.Context, protocol, sessionID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "reasoning."+protocol,
		trace.WithAttributes(attribute.String("reasoning.id", sessionID)),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
