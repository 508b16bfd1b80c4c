// Package scripthost implements the Script Host: a gopher-lua based,
// single-threaded, sandboxed interpreter exposing the tools.* capability
// namespace to user- and room-authored scripts.
// One Host is created per session; scripts never share Lua-side state
// across sessions except through the server-mediated capability calls.
package scripthost

import (
	"context"
	"time"

	"github.com/tobert/sshwarma/internal/mcp"
	"github.com/tobert/sshwarma/internal/tools"
	"github.com/tobert/sshwarma/pkg/models"
)

// SessionInfo is the caller identity and location a capability call needs,
// mirroring tools.CallContext plus the display names session() returns.
type SessionInfo struct {
	UserID   string
	UserName string
	RoomID   string
	RoomName string
}

func (s SessionInfo) callContext() tools.CallContext {
	return tools.CallContext{RoomID: s.RoomID, UserID: s.UserID}
}

// ActionKind is the closed set of actions on_input/on_tick can hand back
// to the Session Controller.
type ActionKind string

const (
	ActionNone        ActionKind = ""
	ActionRedraw      ActionKind = "redraw"
	ActionExecute     ActionKind = "execute"
	ActionQuit        ActionKind = "quit"
	ActionClearScreen ActionKind = "clear_screen"
	ActionEscape      ActionKind = "escape"
	ActionPageUp      ActionKind = "page_up"
	ActionPageDown    ActionKind = "page_down"
	ActionTab         ActionKind = "tab"
)

// Action is what an entry point invocation returns to its caller.
type Action struct {
	Kind ActionKind
	Text string // set when Kind == ActionExecute
}

// CommandResult is a slash-command handler's outcome: either
// a page/notification to render, or an empty result when the handler's
// effects were already applied.
type CommandResult struct {
	Text string
	Mode string // "notification", "page" or "quit"
}

// Store is the persistence surface capability calls need. *internal/room.Store
// satisfies this directly.
type Store interface {
	Room(ctx context.Context, id string) (*models.Room, error)
	RoomByName(ctx context.Context, name string) (*models.Room, error)
	Rooms(ctx context.Context) ([]*models.Room, error)
	CreateRoom(ctx context.Context, name, description string) (*models.Room, error)
	Fork(ctx context.Context, sourceID, newName string) (*models.Room, error)
	BufferIDForRoom(ctx context.Context, roomID string) (string, error)
	AddExit(ctx context.Context, fromRoomID, toRoomID, direction string) error
	Exits(ctx context.Context, roomID string) ([]models.Exit, error)
	ExitTo(ctx context.Context, fromRoomID, direction string) (*models.Exit, error)
	SetVibe(ctx context.Context, id, vibe string) error
	SetNavigationDisabled(ctx context.Context, id string, disabled bool) error

	Thing(ctx context.Context, id string) (*models.Thing, error)
	ThingByQualifiedName(ctx context.Context, owner, name string) (*models.Thing, error)
	ThingsFind(ctx context.Context, pattern string) ([]*models.Thing, error)
	ThingsChildren(ctx context.Context, parentID string) ([]*models.Thing, error)
	ThingCreate(ctx context.Context, t *models.Thing) (*models.Thing, error)
	ThingDelete(ctx context.Context, id string) error
	ThingCopy(ctx context.Context, id, newParentID string) (*models.Thing, error)
	ThingMove(ctx context.Context, id, newParentID string) error

	EquipmentFor(ctx context.Context, targetKind models.EquipTargetKind, targetID string) ([]*models.Equipment, error)
	Equip(ctx context.Context, eq *models.Equipment) error
	Unequip(ctx context.Context, targetKind models.EquipTargetKind, targetID, slot, thingID string) error
}

// RowAccess is the Row Log surface capability calls need. *internal/rowlog.Log
// satisfies this.
type RowAccess interface {
	Append(ctx context.Context, bufferID string, method models.ContentMethod, author, content, parentID, toolName string) (*models.Row, error)
	List(ctx context.Context, bufferID string, limit int, before string) ([]*models.Row, error)
}

// ToolCaller is the Tool Registry surface behind the call/visible_for
// capabilities. *internal/tools.Router satisfies this.
type ToolCaller interface {
	VisibleFor(ctx context.Context, roomID, agentID string) ([]models.ToolInfo, error)
	Call(ctx context.Context, qualifiedName string, args map[string]any, cc tools.CallContext) (string, error)
}

// McpCaller is the MCP Connection Manager surface behind mcp_* capabilities.
// *internal/mcp.Manager satisfies this.
type McpCaller interface {
	Add(ctx context.Context, name, endpoint string)
	Remove(name string) bool
	Status(name string) *models.McpStatus
	List() []models.McpStatus
	CallTool(ctx context.Context, qualifiedName string, args map[string]any) (*mcp.ToolCallResult, error)
	ListTools(filterServer string) []models.ToolInfo
	Refresh(ctx context.Context, name string) error
}

// ScriptStore is the scripts-table surface behind module resolution's
// room/user scopes. *internal/room.Store satisfies this via a thin adapter
// since its GetScript takes a room.ScriptScope, not a bare string.
type ScriptStore interface {
	GetScript(ctx context.Context, scope, ownerID, name string) (body string, updatedAt time.Time, err error)
	PutScript(ctx context.Context, scope, ownerID, name, body string) error
}

// Deps bundles every external surface a Host's capability table dispatches
// into. All fields except Store and Rows may be nil: the capabilities that
// act through a missing dependency report a NotConnected error to scripts,
// while the listing ones (mcp_list, mcp_tools, mcp_servers, visible_for)
// return an empty list.
type Deps struct {
	Store   Store
	Rows    RowAccess
	Tools   ToolCaller
	Mcp     McpCaller
	Scripts ScriptStore

	// ScriptFSRoot is the filesystem directory beneath the user's
	// configuration path that plain module names fall back to, last in
	// the resolution order. Empty disables the filesystem fallback
	// entirely.
	ScriptFSRoot string
}
