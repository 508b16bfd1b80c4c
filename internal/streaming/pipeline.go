package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	ctxpkg "github.com/tobert/sshwarma/internal/context"
	"github.com/tobert/sshwarma/internal/observability"
	"github.com/tobert/sshwarma/internal/tools"
	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

const (
	defaultHistoryWindow = 40
	defaultMaxIterations = 10
	defaultMaxTokens     = 4096
)

// Store is the persistence surface RunTurn needs, satisfied by
// *internal/room.Store.
type Store interface {
	Room(ctx context.Context, id string) (*models.Room, error)
	BufferIDForRoom(ctx context.Context, roomID string) (string, error)
	AgentByName(ctx context.Context, name string) (*models.Agent, error)
	Agents(ctx context.Context) ([]*models.Agent, error)
	EquipmentFor(ctx context.Context, targetKind models.EquipTargetKind, targetID string) ([]*models.Equipment, error)
	Thing(ctx context.Context, id string) (*models.Thing, error)
}

// RowAppender is the Row Log surface RunTurn needs, satisfied by
// *internal/rowlog.Log.
type RowAppender interface {
	Append(ctx context.Context, bufferID string, method models.ContentMethod, author, content, parentID, toolName string) (*models.Row, error)
	UpdateChunkContent(ctx context.Context, rowID, newContent string) error
	FinaliseChunk(ctx context.Context, rowID string) error
	List(ctx context.Context, bufferID string, limit int, before string) ([]*models.Row, error)
}

// ToolRouter is the Tool Registry & Router surface RunTurn needs,
// satisfied by *internal/tools.Router.
type ToolRouter interface {
	VisibleFor(ctx context.Context, roomID, agentID string) ([]models.ToolInfo, error)
	Call(ctx context.Context, qualifiedName string, args map[string]any, cc tools.CallContext) (string, error)
}

// Pipeline drives @mention turns: an explicit state machine over the
// closed {text-delta, tool-call, done} StreamChunk protocol, writing
// every effect as a Row in the room's buffer.
type Pipeline struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	store     Store
	rows      RowAppender
	router    ToolRouter
	providers map[string]Provider

	historyWindow int
	maxIterations int
	maxTokens     int
}

// SetMetrics wires a Metrics sink for turn counters and duration
// histograms. Safe to call with nil.
func (p *Pipeline) SetMetrics(metrics *observability.Metrics) {
	p.metrics = metrics
}

// New constructs a Pipeline. providers is keyed by the backend name an
// Agent's Backend field names (e.g. "anthropic", "openai").
func New(logger *slog.Logger, store Store, rows RowAppender, router ToolRouter, providers map[string]Provider) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		logger:        logger.With("component", "streaming_pipeline"),
		store:         store,
		rows:          rows,
		router:        router,
		providers:     providers,
		historyWindow: defaultHistoryWindow,
		maxIterations: defaultMaxIterations,
		maxTokens:     defaultMaxTokens,
	}
}

// Turn names the caller and location a RunTurn is attributed to.
type Turn struct {
	RoomID    string
	UserID    string
	UserName  string
	AgentName string
	Message   string
}

// RunTurn drives one end-to-end turn: append the user row, compose
// context, stream the model, dispatch tool calls, finalise the chunk
// row. It returns once the turn has finished (naturally, on
// failure, or via ctx cancellation); all of its output is the sequence
// of Rows it wrote along the way, not a return value.
func (p *Pipeline) RunTurn(ctx context.Context, t Turn) error {
	ctx, span := observability.StartTurnSpan(ctx, t.RoomID, t.AgentName)
	started := time.Now()

	agent, err := p.store.AgentByName(ctx, t.AgentName)
	if err == nil {
		err = p.runTurn(ctx, t, agent)
	}

	observability.EndSpan(span, err)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	backend := t.AgentName
	if agent != nil {
		backend = agent.Backend
	}
	p.metrics.RecordTurn(backend, outcome, time.Since(started).Seconds())
	return err
}

func (p *Pipeline) runTurn(ctx context.Context, t Turn, agent *models.Agent) error {
	provider, ok := p.providers[agent.Backend]
	if !ok {
		return coreerr.Newf(coreerr.NotFound, "streaming.RunTurn", "no provider wired for backend %q", agent.Backend)
	}

	room, err := p.store.Room(ctx, t.RoomID)
	if err != nil {
		return err
	}
	bufferID, err := p.store.BufferIDForRoom(ctx, t.RoomID)
	if err != nil {
		return err
	}

	if _, err := p.rows.Append(ctx, bufferID, models.MethodUserMessage, t.UserName, t.Message, "", ""); err != nil {
		return err
	}

	composer := ctxpkg.NewComposer(p.logger, p.buildLayers(room, agent, bufferID)...)
	composed := composer.Compose(ctx, agent.ContextWindow)
	if len(composed.Skipped) > 0 {
		p.logger.Warn("context layers skipped for budget", "room_id", t.RoomID, "agent", agent.Name, "skipped", composed.Skipped)
	}

	toolInfos, err := p.router.VisibleFor(ctx, t.RoomID, agent.ID)
	if err != nil {
		return err
	}
	toolSpecs := make([]ToolSpec, 0, len(toolInfos))
	for _, ti := range toolInfos {
		toolSpecs = append(toolSpecs, ToolSpec{Name: ti.QualifiedName, Description: ti.Description, InputSchema: ti.Schema})
	}

	messages := []CompletionMessage{{
		Role:    "user",
		Content: strings.TrimSpace(composed.Prefix + "\n\n" + t.Message),
	}}

	cc := tools.CallContext{RoomID: t.RoomID, AgentID: agent.ID, UserID: t.UserID}

	// An agent may pin a specific provider model in its config; otherwise
	// the provider's default applies.
	model, _ := agent.Config["model"].(string)

	for iteration := 0; iteration < p.maxIterations; iteration++ {
		toolCallsThisRound, err := p.streamOnce(ctx, provider, &CompletionRequest{
			Model:     model,
			System:    composed.Preamble,
			Messages:  messages,
			Tools:     toolSpecs,
			MaxTokens: p.maxTokens,
		}, bufferID, agent.Name, cc, &messages)
		if err != nil {
			return err
		}
		if toolCallsThisRound == 0 {
			return nil
		}
	}

	_, err = p.rows.Append(ctx, bufferID, models.MethodSystemMessage, "", fmt.Sprintf("model stopped: reached max iterations (%d)", p.maxIterations), "", "")
	return err
}

// streamOnce drives a single request/stream cycle, writing chunk and
// tool rows as they arrive, and appends any tool exchange to messages
// for the next cycle. It returns the number of tool calls handled.
func (p *Pipeline) streamOnce(ctx context.Context, provider Provider, req *CompletionRequest, bufferID, agentName string, cc tools.CallContext, messages *[]CompletionMessage) (int, error) {
	stream, err := provider.Stream(ctx, req)
	if err != nil {
		p.failTurn(ctx, bufferID, err)
		return 0, err
	}

	var chunkRow *models.Row
	var accumulated strings.Builder
	toolCalls := 0

	finalizeChunk := func() {
		if chunkRow == nil {
			return
		}
		if err := p.rows.FinaliseChunk(ctx, chunkRow.ID); err != nil {
			p.logger.Error("chunk finalisation failed", "row_id", chunkRow.ID, "error", err)
		}
		chunkRow = nil
		accumulated.Reset()
	}

	for {
		select {
		case <-ctx.Done():
			finalizeChunk()
			return toolCalls, ctx.Err()
		case chunk, open := <-stream:
			if !open {
				finalizeChunk()
				return toolCalls, nil
			}

			if chunk.Err != nil {
				finalizeChunk()
				p.failTurn(ctx, bufferID, chunk.Err)
				return toolCalls, chunk.Err
			}

			if chunk.TextDelta != "" {
				accumulated.WriteString(chunk.TextDelta)
				if chunkRow == nil {
					row, err := p.rows.Append(ctx, bufferID, models.MethodModelChunk, agentName, accumulated.String(), "", "")
					if err != nil {
						return toolCalls, err
					}
					chunkRow = row
				} else if err := p.rows.UpdateChunkContent(ctx, chunkRow.ID, accumulated.String()); err != nil {
					return toolCalls, err
				}
			}

			if chunk.ToolCallName != "" {
				toolCalls++
				if err := p.handleToolCall(ctx, bufferID, chunk, cc, messages); err != nil {
					return toolCalls, err
				}
				finalizeChunk()
			}

			if chunk.Done {
				finalizeChunk()
				return toolCalls, nil
			}
		}
	}
}

// handleToolCall appends the tool.call row, dispatches through the Tool
// Router (unless the args are malformed), appends the tool.result row,
// and records the exchange onto messages so the next stream cycle can
// let the model continue.
func (p *Pipeline) handleToolCall(ctx context.Context, bufferID string, chunk StreamChunk, cc tools.CallContext, messages *[]CompletionMessage) error {
	argsText := string(chunk.ToolCallArgs)
	callRow, err := p.rows.Append(ctx, bufferID, models.MethodToolCall, "", argsText, "", chunk.ToolCallName)
	if err != nil {
		return err
	}

	var args map[string]any
	var resultContent string
	if err := json.Unmarshal(chunk.ToolCallArgs, &args); err != nil {
		resultContent = fmt.Sprintf("invalid tool arguments: %s", err)
	} else if result, callErr := p.router.Call(ctx, chunk.ToolCallName, args, cc); callErr != nil {
		resultContent = fmt.Sprintf("error: %s", callErr)
	} else {
		resultContent = result
	}

	if _, err := p.rows.Append(ctx, bufferID, models.MethodToolResult, "", resultContent, callRow.ID, chunk.ToolCallName); err != nil {
		return err
	}

	*messages = append(*messages,
		CompletionMessage{Role: "assistant", ToolCallID: chunk.ToolCallID, ToolCallName: chunk.ToolCallName, Content: argsText},
		CompletionMessage{Role: "tool", ToolCallID: chunk.ToolCallID, ToolCallName: chunk.ToolCallName, Content: resultContent},
	)
	return nil
}

// failTurn appends a message.system row reporting a provider transport
// failure.
func (p *Pipeline) failTurn(ctx context.Context, bufferID string, err error) {
	kind := coreerr.KindOf(err)
	if _, appendErr := p.rows.Append(ctx, bufferID, models.MethodSystemMessage, "", fmt.Sprintf("model error: %s", kind), "", ""); appendErr != nil {
		p.logger.Error("failed to record model error row", "error", appendErr)
	}
}

// buildLayers assembles the standard context layers at the priorities
// context.Priority* names.
func (p *Pipeline) buildLayers(room *models.Room, agent *models.Agent, bufferID string) []ctxpkg.Layer {
	return []ctxpkg.Layer{
		{
			Name: "system", Priority: ctxpkg.PrioritySystem, Classification: ctxpkg.ClassSystem,
			Fetch: func(context.Context) (ctxpkg.LayerContent, error) {
				text := "You are an AI participant in a shared terminal partyline. Other agents and users may be present; speak when addressed with @mention."
				return ctxpkg.LayerContent{Content: text, EstimatedTokens: ctxpkg.EstimateTokens(text)}, nil
			},
		},
		{
			Name: "model_identity", Priority: ctxpkg.PriorityModelIdentity, Classification: ctxpkg.ClassSystem,
			Fetch: func(context.Context) (ctxpkg.LayerContent, error) {
				text := fmt.Sprintf("You are %s, backed by %s.", agent.Name, agent.Backend)
				return ctxpkg.LayerContent{Content: text, EstimatedTokens: ctxpkg.EstimateTokens(text)}, nil
			},
		},
		{
			Name: "room", Priority: ctxpkg.PriorityRoom, Classification: ctxpkg.ClassDynamic,
			Fetch: func(context.Context) (ctxpkg.LayerContent, error) {
				text := room.Description
				if room.Vibe != "" {
					text = strings.TrimSpace(text + "\nVibe: " + room.Vibe)
				}
				return ctxpkg.LayerContent{Content: text, EstimatedTokens: ctxpkg.EstimateTokens(text)}, nil
			},
		},
		{
			Name: "participants", Priority: ctxpkg.PriorityParticipants, Classification: ctxpkg.ClassDynamic,
			Fetch: func(fctx context.Context) (ctxpkg.LayerContent, error) {
				agents, err := p.store.Agents(fctx)
				if err != nil {
					return ctxpkg.LayerContent{}, err
				}
				var names []string
				for _, a := range agents {
					if a.Name != agent.Name {
						names = append(names, a.Name)
					}
				}
				if len(names) == 0 {
					return ctxpkg.LayerContent{}, nil
				}
				text := "Other agents configured in this room: " + strings.Join(names, ", ")
				return ctxpkg.LayerContent{Content: text, EstimatedTokens: ctxpkg.EstimateTokens(text)}, nil
			},
		},
		{
			Name: "journal", Priority: ctxpkg.PriorityJournal, Classification: ctxpkg.ClassDynamic,
			Fetch: func(fctx context.Context) (ctxpkg.LayerContent, error) {
				equipment, err := p.store.EquipmentFor(fctx, models.TargetRoom, room.ID)
				if err != nil {
					return ctxpkg.LayerContent{}, err
				}
				var parts []string
				for _, eq := range equipment {
					thing, err := p.store.Thing(fctx, eq.ThingID)
					if err != nil || thing.Kind != models.ThingData || !thing.Available {
						continue
					}
					parts = append(parts, thing.Body)
				}
				text := strings.Join(parts, "\n\n")
				return ctxpkg.LayerContent{Content: text, EstimatedTokens: ctxpkg.EstimateTokens(text)}, nil
			},
		},
		{
			Name: "history", Priority: ctxpkg.PriorityHistory, Classification: ctxpkg.ClassDynamic,
			Fetch: func(fctx context.Context) (ctxpkg.LayerContent, error) {
				rows, err := p.rows.List(fctx, bufferID, p.historyWindow, "")
				if err != nil {
					return ctxpkg.LayerContent{}, err
				}
				text := renderHistory(rows)
				return ctxpkg.LayerContent{Content: text, EstimatedTokens: ctxpkg.EstimateTokens(text)}, nil
			},
		},
	}
}

func renderHistory(rows []*models.Row) string {
	var b strings.Builder
	for _, r := range rows {
		switch r.Method {
		case models.MethodUserMessage:
			fmt.Fprintf(&b, "%s: %s\n", r.Author, r.Content)
		case models.MethodModelMessage:
			fmt.Fprintf(&b, "%s: %s\n", r.Author, r.Content)
		case models.MethodSystemMessage:
			fmt.Fprintf(&b, "[system] %s\n", r.Content)
		case models.MethodToolResult:
			fmt.Fprintf(&b, "[%s result] %s\n", r.ToolName, r.Content)
		}
	}
	return strings.TrimSpace(b.String())
}
