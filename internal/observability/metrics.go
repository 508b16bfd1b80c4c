package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tobert/sshwarma/pkg/models"
)

// Metrics holds the Prometheus instruments the server exports: a struct
// of promauto-built vectors constructed once in NewMetrics. Every method
// is safe on a nil receiver so components can record unconditionally.
type Metrics struct {
	ToolCalls      *prometheus.CounterVec
	McpConnections *prometheus.GaugeVec
	McpReconnects  *prometheus.CounterVec
	Turns          *prometheus.CounterVec
	TurnDuration   *prometheus.HistogramVec
}

// NewMetrics registers and returns the core's metrics against reg. Pass
// prometheus.DefaultRegisterer for the process-wide registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sshwarma_tool_calls_total",
			Help: "Tool invocations dispatched through the Tool Router, by qualified name and outcome.",
		}, []string{"tool", "outcome"}),
		McpConnections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sshwarma_mcp_connection_state",
			Help: "Current state of each MCP fleet entry (1 for the active state, 0 otherwise), by name and state.",
		}, []string{"name", "state"}),
		McpReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sshwarma_mcp_reconnects_total",
			Help: "MCP connection reconnect attempts, by server name.",
		}, []string{"name"}),
		Turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sshwarma_turns_total",
			Help: "Streaming Pipeline turns run, by agent backend and outcome.",
		}, []string{"backend", "outcome"}),
		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sshwarma_turn_duration_seconds",
			Help:    "Wall-clock duration of a Streaming Pipeline turn, by agent backend.",
			Buckets: prometheus.DefBuckets,
		}, []string{"backend"}),
	}
}

// RecordToolCall records one Tool Router dispatch outcome. outcome is
// "ok" or "error"; errors are not further classified here, callers that
// need the error kind log it separately (pkg/coreerr.KindOf).
func (m *Metrics) RecordToolCall(qualifiedName, outcome string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(qualifiedName, outcome).Inc()
}

// SetMcpState mirrors one MCP connection's current state in the gauge,
// zeroing the other two states for that name so exactly one state reads 1.
func (m *Metrics) SetMcpState(name string, state models.McpState) {
	if m == nil {
		return
	}
	for _, s := range []models.McpState{models.McpConnecting, models.McpConnected, models.McpReconnecting} {
		v := 0.0
		if s == state {
			v = 1.0
		}
		m.McpConnections.WithLabelValues(name, string(s)).Set(v)
	}
}

// RecordMcpReconnect increments the reconnect counter for name.
func (m *Metrics) RecordMcpReconnect(name string) {
	if m == nil {
		return
	}
	m.McpReconnects.WithLabelValues(name).Inc()
}

// RecordTurn records one Streaming Pipeline turn's outcome and duration.
func (m *Metrics) RecordTurn(backend, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(backend, outcome).Inc()
	m.TurnDuration.WithLabelValues(backend).Observe(durationSeconds)
}
