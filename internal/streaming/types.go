// Package streaming implements the Streaming Pipeline: it drives one
// end-to-end @mention turn, from composing the model's context through
// to writing the Row Log entries the turn produces.
package streaming

import (
	"context"
	"encoding/json"
)

// Model describes one model handle a turn can be resolved against.
type Model struct {
	ID            string
	Name          string
	Backend       string
	ContextWindow int
}

// ToolSpec is a tool schema as handed to a provider request, generalized
// from internal/tools.Router.VisibleFor's models.ToolInfo.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// CompletionMessage is one entry of a provider request's conversation,
// trimmed to what a Row-backed history window actually carries: no
// branch or attachment concepts, just an abbreviated recent-row window.
type CompletionMessage struct {
	Role    string // "user", "assistant", "tool"
	Content string

	ToolCallID   string // set on tool-result messages
	ToolCallName string
}

// CompletionRequest is the provider-agnostic shape of one turn's
// request, assembled by Pipeline.RunTurn.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []CompletionMessage
	Tools     []ToolSpec
	MaxTokens int
}

// StreamChunk is one variant of the provider chunk sequence:
// {text-delta}, {tool-call: name, args}, or {done}.
type StreamChunk struct {
	TextDelta string

	ToolCallID   string
	ToolCallName string
	ToolCallArgs json.RawMessage

	Done bool

	InputTokens  int
	OutputTokens int

	Err error
}

// Provider is the model-handle interface a concrete SDK adapter
// implements: the one method the pipeline drives, shaped around
// StreamChunk's closed variant set.
type Provider interface {
	Name() string
	Models() []Model
	Stream(ctx context.Context, req *CompletionRequest) (<-chan StreamChunk, error)
}
