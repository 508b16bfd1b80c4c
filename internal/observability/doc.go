// Package observability wires the ambient logging, metrics, and tracing
// stack for sshwarma's Agent Orchestration Core. It is deliberately small:
// one Prometheus metrics registry scoped to the core's own concerns (tool
// dispatch outcomes, the MCP fleet's connection states, turn counts), a
// slog.Logger constructor matching the *slog.Logger convention every other
// package in this tree already uses, and an OpenTelemetry tracer provider
// for turn and reconnect spans.
//
// Metrics are exposed over HTTP by cmd/sshwarma when server.metrics_address
// is configured; tracing uses the global otel tracer registered by
// NewTracerProvider, so the span helpers here (StartTurnSpan,
// StartMcpReconcileSpan) call otel.Tracer("sshwarma") rather than
// threading a provider handle through every constructor.
package observability
