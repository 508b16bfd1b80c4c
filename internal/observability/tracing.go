package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "sshwarma"

// NewTracerProvider builds a TracerProvider for serviceName and registers
// it as the global provider via otel.SetTracerProvider, without an
// exporter configured by default: spans are produced but go nowhere until a caller
// attaches an exporter-backed SpanProcessor (sdktrace.WithBatcher) to the
// returned provider. That keeps this package usable in tests and in
// deployments without an OTLP collector configured.
func NewTracerProvider(serviceName string) *sdktrace.TracerProvider {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	)
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp
}

// StartTurnSpan starts a span for one Streaming Pipeline turn, labeled
// with the room and agent it was run against.
func StartTurnSpan(ctx context.Context, roomID, agentName string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "streaming.turn",
		trace.WithAttributes(
			attribute.String("room_id", roomID),
			attribute.String("agent", agentName),
		))
}

// StartMcpReconcileSpan starts a span for one MCP connection attempt.
func StartMcpReconcileSpan(ctx context.Context, name string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "mcp.reconcile",
		trace.WithAttributes(
			attribute.String("name", name),
			attribute.Int("attempt", attempt),
		))
}

// EndSpan ends span, recording err on it if non-nil.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error", fmt.Sprintf("%v", err)))
	}
	span.End()
}
