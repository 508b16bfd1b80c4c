// Package providers implements concrete streaming.Provider adapters, one
// per backend SDK, each translating its SDK's stream events into
// streaming.StreamChunk's closed variant set.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/tobert/sshwarma/internal/streaming"
)

// AnthropicConfig configures a new AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// AnthropicProvider adapts anthropic-sdk-go's Messages streaming API to
// streaming.Provider.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
}

// NewAnthropicProvider constructs a provider over the Anthropic Messages API.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
	}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Models() []streaming.Model {
	return []streaming.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", Backend: "anthropic", ContextWindow: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", Backend: "anthropic", ContextWindow: 200000},
	}
}

// Stream opens a streaming Messages request and converts Anthropic's
// SSE event sequence into streaming.StreamChunk values.
func (p *AnthropicProvider) Stream(ctx context.Context, req *streaming.CompletionRequest) (<-chan streaming.StreamChunk, error) {
	messages, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan streaming.StreamChunk)
	go processAnthropicStream(stream, out)
	return out, nil
}

func processAnthropicStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- streaming.StreamChunk) {
	defer close(out)

	var toolID, toolName string
	var toolInput strings.Builder
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				toolID, toolName = toolUse.ID, toolUse.Name
				toolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- streaming.StreamChunk{TextDelta: delta.Text}
				}
			case "input_json_delta":
				toolInput.WriteString(delta.PartialJSON)
			}

		case "content_block_stop":
			if toolName != "" {
				out <- streaming.StreamChunk{
					ToolCallID:   toolID,
					ToolCallName: toolName,
					ToolCallArgs: json.RawMessage(toolInput.String()),
				}
				toolID, toolName = "", ""
				toolInput.Reset()
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}

		case "message_stop":
			out <- streaming.StreamChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
			return
		}
	}
	if err := stream.Err(); err != nil {
		out <- streaming.StreamChunk{Err: err}
		return
	}
	out <- streaming.StreamChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens}
}

func convertMessages(messages []streaming.CompletionMessage) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "user":
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			if m.ToolCallID != "" {
				var input any
				if err := json.Unmarshal([]byte(m.Content), &input); err != nil {
					input = map[string]any{}
				}
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewToolUseBlock(m.ToolCallID, input, m.ToolCallName)))
			} else {
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			}
		case "tool":
			out = append(out, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false)))
		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	return out, nil
}

func convertTools(specs []streaming.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(specs))
	for _, s := range specs {
		raw, err := json.Marshal(s.InputSchema)
		if err != nil {
			return nil, err
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", s.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, s.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", s.Name)
		}
		toolParam.OfTool.Description = anthropic.String(s.Description)
		out = append(out, toolParam)
	}
	return out, nil
}
