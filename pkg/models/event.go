package models

import "time"

// RowEventType is the closed set of Row Log event kinds.
type RowEventType string

const (
	RowAdded   RowEventType = "row_added"
	RowUpdated RowEventType = "row_updated"
)

// RowEvent is published to a buffer's subscribers. Sequence is monotonic
// per buffer so subscribers can detect gaps from a bounded channel being
// dropped.
type RowEvent struct {
	Type     RowEventType `json:"type"`
	Sequence uint64       `json:"seq"`
	Time     time.Time    `json:"time"`
	BufferID string       `json:"buffer_id"`
	Row      *Row         `json:"row"`
}

// McpState is the closed set of per-connection MCP states.
type McpState string

const (
	McpConnecting   McpState = "connecting"
	McpConnected    McpState = "connected"
	McpReconnecting McpState = "reconnecting"
)

// McpStatus is a point-in-time snapshot of one MCP connection.
type McpStatus struct {
	Name       string    `json:"name"`
	Endpoint   string    `json:"endpoint"`
	State      McpState  `json:"state"`
	ToolCount  int       `json:"tool_count,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	CallCount  uint64    `json:"call_count"`
	LastTool   string    `json:"last_tool,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// McpEventType is the closed set of MCP fleet event kinds.
type McpEventType string

const (
	McpEventConnecting      McpEventType = "connecting"
	McpEventConnected       McpEventType = "connected"
	McpEventReconnecting    McpEventType = "reconnecting"
	McpEventRemoved         McpEventType = "removed"
	McpEventToolsRefreshed  McpEventType = "tools_refreshed"
)

// McpEvent is broadcast to fleet subscribers. Event emission order within
// one connection reflects state-transition order.
type McpEvent struct {
	Type      McpEventType `json:"type"`
	Name      string       `json:"name"`
	Endpoint  string       `json:"endpoint,omitempty"`
	ToolCount int          `json:"tool_count,omitempty"`
	Attempt   int          `json:"attempt,omitempty"`
	DelayMs   int64        `json:"delay_ms,omitempty"`
	Error     string       `json:"error,omitempty"`
	Time      time.Time    `json:"time"`
}

// ToolInfo describes one dispatchable tool as surfaced to a model or to
// the /tools command.
type ToolInfo struct {
	QualifiedName string         `json:"qualified_name"`
	Description   string         `json:"description,omitempty"`
	Schema        map[string]any `json:"schema,omitempty"`
	Source        string         `json:"source"` // builtin | scripted | mcp:<server>
}
