package tools

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tobert/sshwarma/internal/mcp"
	"github.com/tobert/sshwarma/internal/observability"
	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

// builtinOwner is the reserved owner prefix for built-in tools
// ("sshwarma:look").
const builtinOwner = "sshwarma"

// Router unifies built-in, scripted, and MCP-proxied tools behind one
// owner:name dispatch surface: a thread-safe name-to-tool map over three
// tool kinds with qualified addressing.
type Router struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	mu       sync.RWMutex
	builtins map[string]*Builtin

	store   Store
	scripts ScriptRunner
	mcp     McpCaller
}

// SetMetrics wires a Metrics sink for tool-call outcome counters. Safe to
// call with nil.
func (r *Router) SetMetrics(metrics *observability.Metrics) {
	r.metrics = metrics
}

// NewRouter constructs a Router. scripts and mcp may be nil if those
// subsystems are not wired up (e.g. in tests of builtins alone).
func NewRouter(logger *slog.Logger, store Store, scripts ScriptRunner, mcp McpCaller) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:   logger.With("component", "tool_router"),
		builtins: make(map[string]*Builtin),
		store:    store,
		scripts:  scripts,
		mcp:      mcp,
	}
}

// RegisterBuiltin adds or replaces a built-in tool.
func (r *Router) RegisterBuiltin(b *Builtin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builtins[b.Name] = b
}

func (r *Router) builtin(name string) *Builtin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.builtins[name]
}

// VisibleFor returns the union of tools visible at room, agent, and
// general-availability scope, filtered by availability. Built-ins and
// MCP-proxied tools are generally available;
// scripted tools must be equipped to the room or the agent to be visible.
func (r *Router) VisibleFor(ctx context.Context, roomID, agentID string) ([]models.ToolInfo, error) {
	seen := make(map[string]bool)
	var out []models.ToolInfo

	navDisabled := false
	if r.store != nil && roomID != "" {
		room, err := r.store.Room(ctx, roomID)
		if err != nil {
			return nil, coreerr.New(coreerr.Storage, "tools.VisibleFor", err)
		}
		navDisabled = room.NavigationDisabled()
	}

	r.mu.RLock()
	names := make([]string, 0, len(r.builtins))
	for name := range r.builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if name == "go" && navDisabled {
			continue
		}
		b := r.builtins[name]
		qn := builtinOwner + ":" + b.Name
		if seen[qn] {
			continue
		}
		seen[qn] = true
		out = append(out, models.ToolInfo{
			QualifiedName: qn,
			Description:   b.Description,
			Schema:        normalizeSchema(b.InputSchema),
			Source:        "builtin",
		})
	}
	r.mu.RUnlock()

	if r.store != nil {
		if roomID != "" {
			things, err := r.equippedTools(ctx, models.TargetRoom, roomID)
			if err != nil {
				return nil, err
			}
			appendNewThingTools(&out, seen, things)
		}
		if agentID != "" {
			things, err := r.equippedTools(ctx, models.TargetAgent, agentID)
			if err != nil {
				return nil, err
			}
			appendNewThingTools(&out, seen, things)
		}
	}

	if r.mcp != nil {
		for _, ti := range r.mcp.ListTools("") {
			if seen[ti.QualifiedName] {
				continue
			}
			seen[ti.QualifiedName] = true
			ti.Schema = normalizeSchema(ti.Schema)
			out = append(out, ti)
		}
	}

	return out, nil
}

func appendNewThingTools(out *[]models.ToolInfo, seen map[string]bool, things []*models.Thing) {
	for _, t := range things {
		qn := t.QualifiedName()
		if seen[qn] {
			continue
		}
		seen[qn] = true
		*out = append(*out, models.ToolInfo{
			QualifiedName: qn,
			Description:   t.Body,
			Source:        "scripted",
		})
	}
}

func (r *Router) equippedTools(ctx context.Context, kind models.EquipTargetKind, targetID string) ([]*models.Thing, error) {
	equipment, err := r.store.EquipmentFor(ctx, kind, targetID)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "tools.VisibleFor", err)
	}
	sort.Slice(equipment, func(i, j int) bool { return equipment[i].Priority > equipment[j].Priority })

	things := make([]*models.Thing, 0, len(equipment))
	for _, eq := range equipment {
		// Only the generally-available (empty) slot surfaces to the
		// model; command:/hook:/hotkey: bindings are distinct roles the
		// Script Host dispatches on its own terms.
		if eq.Slot != "" {
			continue
		}
		thing, err := r.store.Thing(ctx, eq.ThingID)
		if err != nil {
			r.logger.Warn("equipped thing lookup failed, skipping", "thing_id", eq.ThingID, "error", err)
			continue
		}
		if thing.Kind != models.ThingTool || !thing.Available {
			continue
		}
		things = append(things, thing)
	}
	return things, nil
}

// Call dispatches a qualified tool name to its built-in handler, a
// scripted body in the Script Host, or the MCP manager. It fails
// NotFound if the caller cannot see the tool,
// InvalidArgument if the schema rejects the call, Upstream for MCP
// errors surfaced from below.
func (r *Router) Call(ctx context.Context, qualifiedName string, args map[string]any, cc CallContext) (string, error) {
	result, err := r.call(ctx, qualifiedName, args, cc)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.metrics.RecordToolCall(qualifiedName, outcome)
	return result, err
}

func (r *Router) call(ctx context.Context, qualifiedName string, args map[string]any, cc CallContext) (string, error) {
	owner, name, ok := strings.Cut(qualifiedName, ":")
	if !ok || owner == "" || name == "" {
		return "", coreerr.Newf(coreerr.InvalidArgument, "tools.Call", "tool name must be qualified as owner:name, got %q", qualifiedName)
	}

	if owner == builtinOwner {
		return r.callBuiltin(ctx, name, args, cc)
	}

	if thing, ok := r.resolveVisibleScripted(ctx, owner, name, cc); ok {
		if r.scripts == nil {
			return "", coreerr.Newf(coreerr.Internal, "tools.Call", "no script host wired for scripted tool %q", qualifiedName)
		}
		return r.scripts.CallTool(ctx, thing, cc, args)
	}

	if r.mcp != nil {
		result, err := r.mcp.CallTool(ctx, qualifiedName, args)
		if err != nil {
			return "", err
		}
		return flattenMcpResult(result), nil
	}

	return "", coreerr.Newf(coreerr.NotFound, "tools.Call", "tool not found: %s", qualifiedName)
}

func (r *Router) callBuiltin(ctx context.Context, name string, args map[string]any, cc CallContext) (string, error) {
	b := r.builtin(name)
	if b == nil {
		return "", coreerr.Newf(coreerr.NotFound, "tools.Call", "tool not found: %s:%s", builtinOwner, name)
	}
	if name == "go" && r.store != nil && cc.RoomID != "" {
		room, err := r.store.Room(ctx, cc.RoomID)
		if err != nil {
			return "", coreerr.New(coreerr.Storage, "tools.Call", err)
		}
		if room.NavigationDisabled() {
			return "", coreerr.Newf(coreerr.NotFound, "tools.Call", "tool not visible: %s:go", builtinOwner)
		}
	}
	if err := validateArgs(b.InputSchema, args); err != nil {
		return "", coreerr.New(coreerr.InvalidArgument, "tools.Call", err)
	}
	return b.Fn(ctx, cc, args)
}

// resolveVisibleScripted returns the Thing addressed by owner:name if it
// is a tool, available, and equipped at the generally-available slot to
// the calling room or agent.
func (r *Router) resolveVisibleScripted(ctx context.Context, owner, name string, cc CallContext) (*models.Thing, bool) {
	if r.store == nil {
		return nil, false
	}
	thing, err := r.store.ThingByQualifiedName(ctx, owner, name)
	if err != nil || thing == nil || thing.Kind != models.ThingTool || !thing.Available {
		return nil, false
	}
	if cc.RoomID != "" && r.isEquippedTo(ctx, models.TargetRoom, cc.RoomID, thing.ID) {
		return thing, true
	}
	if cc.AgentID != "" && r.isEquippedTo(ctx, models.TargetAgent, cc.AgentID, thing.ID) {
		return thing, true
	}
	return nil, false
}

func (r *Router) isEquippedTo(ctx context.Context, kind models.EquipTargetKind, targetID, thingID string) bool {
	equipment, err := r.store.EquipmentFor(ctx, kind, targetID)
	if err != nil {
		return false
	}
	for _, eq := range equipment {
		if eq.ThingID == thingID && eq.Slot == "" {
			return true
		}
	}
	return false
}

func flattenMcpResult(result *mcp.ToolCallResult) string {
	var parts []string
	for _, c := range result.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Equip mutates a target's equipment set.
func (r *Router) Equip(ctx context.Context, targetKind models.EquipTargetKind, targetID, slot string, thing *models.Thing, priority int, config string) error {
	if r.store == nil {
		return coreerr.Newf(coreerr.Internal, "tools.Equip", "no store wired")
	}
	eq := &models.Equipment{
		ID:         uuid.NewString(),
		TargetKind: targetKind,
		TargetID:   targetID,
		Slot:       slot,
		ThingID:    thing.ID,
		Priority:   priority,
		Config:     config,
	}
	if err := r.store.Equip(ctx, eq); err != nil {
		return coreerr.New(coreerr.Storage, "tools.Equip", err)
	}
	return nil
}

// Unequip removes an equipment binding.
func (r *Router) Unequip(ctx context.Context, targetKind models.EquipTargetKind, targetID, slot, thingID string) error {
	if r.store == nil {
		return coreerr.Newf(coreerr.Internal, "tools.Unequip", "no store wired")
	}
	if err := r.store.Unequip(ctx, targetKind, targetID, slot, thingID); err != nil {
		return coreerr.New(coreerr.Storage, "tools.Unequip", err)
	}
	return nil
}
