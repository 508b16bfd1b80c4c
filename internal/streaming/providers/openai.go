package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tobert/sshwarma/internal/streaming"
)

// OpenAIProvider adapts go-openai's chat completion streaming API to
// streaming.Provider.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider constructs a provider over the OpenAI chat completions API.
func NewOpenAIProvider(apiKey, defaultModel string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: API key required")
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o"
	}
	return &OpenAIProvider{client: openai.NewClient(apiKey), defaultModel: defaultModel}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Models() []streaming.Model {
	return []streaming.Model{
		{ID: "gpt-4o", Name: "GPT-4o", Backend: "openai", ContextWindow: 128000},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", Backend: "openai", ContextWindow: 128000},
	}
}

// Stream opens a streaming chat completion and converts OpenAI's
// chunked delta sequence into streaming.StreamChunk values.
func (p *OpenAIProvider) Stream(ctx context.Context, req *streaming.CompletionRequest) (<-chan streaming.StreamChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages := convertOpenAIMessages(req.System, req.Messages)
	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("openai: create stream: %w", err)
	}

	out := make(chan streaming.StreamChunk)
	go processOpenAIStream(ctx, stream, out)
	return out, nil
}

type pendingToolCall struct {
	id, name string
	args     []byte
}

func processOpenAIStream(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- streaming.StreamChunk) {
	defer close(out)
	defer stream.Close()

	toolCalls := make(map[int]*pendingToolCall)
	emitToolCalls := func() {
		for i := 0; i < len(toolCalls); i++ {
			tc := toolCalls[i]
			if tc == nil || tc.name == "" {
				continue
			}
			out <- streaming.StreamChunk{ToolCallID: tc.id, ToolCallName: tc.name, ToolCallArgs: json.RawMessage(tc.args)}
		}
	}

	for {
		select {
		case <-ctx.Done():
			out <- streaming.StreamChunk{Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			emitToolCalls()
			out <- streaming.StreamChunk{Done: true}
			return
		}
		if err != nil {
			out <- streaming.StreamChunk{Err: err}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			out <- streaming.StreamChunk{TextDelta: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &pendingToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].id = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				toolCalls[index].args = append(toolCalls[index].args, []byte(tc.Function.Arguments)...)
			}
		}

		if resp.Choices[0].FinishReason == openai.FinishReasonToolCalls {
			emitToolCalls()
			toolCalls = make(map[int]*pendingToolCall)
		}
	}
}

func convertOpenAIMessages(system string, messages []streaming.CompletionMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		switch m.Role {
		case "assistant":
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			if m.ToolCallID != "" {
				msg.Content = ""
				msg.ToolCalls = []openai.ToolCall{{
					ID:       m.ToolCallID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: m.ToolCallName, Arguments: m.Content},
				}}
			}
			out = append(out, msg)
		case "tool":
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}
	return out
}

func convertOpenAITools(specs []streaming.ToolSpec) []openai.Tool {
	out := make([]openai.Tool, len(specs))
	for i, s := range specs {
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  s.InputSchema,
			},
		}
	}
	return out
}
