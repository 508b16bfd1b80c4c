// Package tools implements the Tool Registry & Router: one
// qualified-name (owner:name) dispatch surface over built-in, scripted,
// and MCP-proxied tools, with visibility computed from equipped Things.
package tools

import (
	"context"

	"github.com/tobert/sshwarma/internal/mcp"
	"github.com/tobert/sshwarma/pkg/models"
)

// CallContext carries the caller identity and location a tool body
// needs.
type CallContext struct {
	RoomID  string
	AgentID string
	UserID  string
}

// BuiltinFunc implements one built-in operation body.
type BuiltinFunc func(ctx context.Context, cc CallContext, args map[string]any) (string, error)

// Builtin is a built-in tool, addressed under the reserved "sshwarma"
// owner.
type Builtin struct {
	Name        string
	Description string
	InputSchema map[string]any
	Fn          BuiltinFunc
}

// ScriptRunner is the Script Host surface the Router dispatches scripted
// tool calls to.
type ScriptRunner interface {
	CallTool(ctx context.Context, thing *models.Thing, cc CallContext, args map[string]any) (string, error)
}

// McpCaller is the MCP Connection Manager surface the Router proxies
// through; *mcp.Manager satisfies this.
type McpCaller interface {
	CallTool(ctx context.Context, qualifiedName string, args map[string]any) (*mcp.ToolCallResult, error)
	ListTools(filterServer string) []models.ToolInfo
}

// Store is the persistence surface the Router needs: Thing lookup and
// equipment sets. internal/room's sqlite store satisfies this.
type Store interface {
	Room(ctx context.Context, id string) (*models.Room, error)
	BufferIDForRoom(ctx context.Context, roomID string) (string, error)
	ThingByQualifiedName(ctx context.Context, owner, name string) (*models.Thing, error)
	Thing(ctx context.Context, id string) (*models.Thing, error)
	EquipmentFor(ctx context.Context, targetKind models.EquipTargetKind, targetID string) ([]*models.Equipment, error)
	Equip(ctx context.Context, eq *models.Equipment) error
	Unequip(ctx context.Context, targetKind models.EquipTargetKind, targetID, slot, thingID string) error
	ExitTo(ctx context.Context, fromRoomID, direction string) (*models.Exit, error)
}

// RowReader is the Row Log surface built-ins need for history lookups;
// *rowlog.Log satisfies this.
type RowReader interface {
	List(ctx context.Context, bufferID string, limit int, before string) ([]*models.Row, error)
}
