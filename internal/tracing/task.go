package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	taskTracerName      = "deepforge-task"
	transportTracerName = "deepforge-transport"
)

// TraceTask starts a span for one task triggered by a controller message.
func TraceTask(ctx context.Context, sessionID, kind string) (context.Context, trace.Span) {
	ctx, span := Tracer(taskTracerName).Start(ctx, "task."+kind,
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.String("task.kind", kind),
	)
	return ctx, span
}

// TraceTaskResult records the completion code of a task and its error, if any.
func TraceTaskResult(span trace.Span, exitCode int, err error) {
	span.SetAttributes(attribute.Int("task.exit_code", exitCode))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// TraceDial starts a span for connecting to the controller.
func TraceDial(ctx context.Context, url, workerID string) (context.Context, trace.Span) {
	ctx, span := Tracer(transportTracerName).Start(ctx, "controller.dial",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(
		attribute.String("server.url", url),
		attribute.String("worker_id", workerID),
	)
	return ctx, span
}
