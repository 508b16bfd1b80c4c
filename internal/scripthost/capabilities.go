package scripthost

import (
	"context"
	"strings"
	"unicode/utf8"

	lua "github.com/yuin/gopher-lua"

	"github.com/tobert/sshwarma/internal/mcp"
	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

// registerCapabilities builds the "tools" global table scripts call into
// and binds each operation to h.
func registerCapabilities(l *lua.LState, h *Host) {
	tbl := l.NewTable()
	set := func(name string, fn lua.LGFunction) { tbl.RawSetString(name, l.NewFunction(fn)) }

	set("history", h.capHistory)
	set("append_row", h.capAppendRow)
	set("session", h.capSession)
	set("rooms", h.capRooms)
	set("join", h.capJoin)
	set("leave", h.capLeave)
	set("create", h.capCreate)
	set("fork", h.capFork)
	set("go", h.capGo)
	set("look", h.capLook)
	set("who", h.capWho)
	set("inventory", h.capInventory)
	set("equip", h.capEquip)
	set("unequip", h.capUnequip)
	set("things_find", h.capThingsFind)
	set("things_children", h.capThingsChildren)
	set("thing_create", h.capThingCreate)
	set("thing_delete", h.capThingDelete)
	set("thing_copy", h.capThingCopy)
	set("thing_move", h.capThingMove)
	set("mcp_add", h.capMcpAdd)
	set("mcp_remove", h.capMcpRemove)
	set("mcp_status", h.capMcpStatus)
	set("mcp_list", h.capMcpList)
	set("mcp_call", h.capMcpCall)
	set("mcp_tools", h.capMcpTools)
	set("mcp_servers", h.capMcpServers)
	set("mark_dirty", h.capMarkDirty)
	set("display_width", h.capDisplayWidth)
	set("set_cursor_pos", h.capSetCursorPos)
	set("execute_code", h.capExecuteCode)
	set("on_row_added", h.capOnRowAdded)
	set("visible_for", h.capVisibleFor)
	set("call", h.capCall)
	set("set_vibe", h.capSetVibe)
	set("set_navigation", h.capSetNavigation)
	set("mcp_refresh", h.capMcpRefresh)
	set("reload", h.capReload)

	l.SetGlobal("tools", tbl)
}

func roomToLua(l *lua.LState, r *models.Room) *lua.LTable {
	tbl := l.NewTable()
	tbl.RawSetString("id", lua.LString(r.ID))
	tbl.RawSetString("name", lua.LString(r.Name))
	tbl.RawSetString("vibe", lua.LString(r.Vibe))
	tbl.RawSetString("description", lua.LString(r.Description))
	return tbl
}

func thingToLua(l *lua.LState, t *models.Thing) *lua.LTable {
	tbl := l.NewTable()
	tbl.RawSetString("id", lua.LString(t.ID))
	tbl.RawSetString("qualified_name", lua.LString(t.QualifiedName()))
	tbl.RawSetString("owner", lua.LString(t.Owner))
	tbl.RawSetString("name", lua.LString(t.Name))
	tbl.RawSetString("kind", lua.LString(t.Kind))
	tbl.RawSetString("parent_id", lua.LString(t.ParentID))
	tbl.RawSetString("body", lua.LString(t.Body))
	tbl.RawSetString("available", lua.LBool(t.Available))
	return tbl
}

func mcpStatusToLua(l *lua.LState, s models.McpStatus) *lua.LTable {
	tbl := l.NewTable()
	tbl.RawSetString("name", lua.LString(s.Name))
	tbl.RawSetString("endpoint", lua.LString(s.Endpoint))
	tbl.RawSetString("state", lua.LString(s.State))
	tbl.RawSetString("tool_count", lua.LNumber(s.ToolCount))
	tbl.RawSetString("attempt", lua.LNumber(s.Attempt))
	tbl.RawSetString("last_error", lua.LString(s.LastError))
	return tbl
}

func (h *Host) capHistory(l *lua.LState) int {
	ctx := context.Background()
	limit := l.OptInt(1, 50)
	bufferID, err := h.deps.Store.BufferIDForRoom(ctx, h.session.RoomID)
	if err != nil {
		return pushError(l, err)
	}
	rows, err := h.deps.Rows.List(ctx, bufferID, limit, "")
	if err != nil {
		return pushError(l, err)
	}
	out := l.NewTable()
	for i, row := range rows {
		out.RawSetInt(i+1, rowToLua(l, row))
	}
	l.Push(out)
	return 1
}

func (h *Host) capAppendRow(l *lua.LState) int {
	ctx := context.Background()
	bufferID := l.CheckString(1)
	method := l.CheckString(2)
	author := l.OptString(3, "")
	content := l.CheckString(4)
	parent := l.OptString(5, "")
	toolName := l.OptString(6, "")
	row, err := h.deps.Rows.Append(ctx, bufferID, models.ContentMethod(method), author, content, parent, toolName)
	if err != nil {
		return pushError(l, err)
	}
	l.Push(rowToLua(l, row))
	return 1
}

func (h *Host) capSession(l *lua.LState) int {
	tbl := l.NewTable()
	tbl.RawSetString("user_id", lua.LString(h.session.UserID))
	tbl.RawSetString("user_name", lua.LString(h.session.UserName))
	tbl.RawSetString("room_id", lua.LString(h.session.RoomID))
	tbl.RawSetString("room_name", lua.LString(h.session.RoomName))
	l.Push(tbl)
	return 1
}

func (h *Host) capRooms(l *lua.LState) int {
	rooms, err := h.deps.Store.Rooms(context.Background())
	if err != nil {
		return pushError(l, err)
	}
	out := l.NewTable()
	for i, r := range rooms {
		out.RawSetInt(i+1, roomToLua(l, r))
	}
	l.Push(out)
	return 1
}

func (h *Host) capJoin(l *lua.LState) int {
	ctx := context.Background()
	name := l.CheckString(1)
	room, err := h.deps.Store.RoomByName(ctx, name)
	if err != nil {
		return pushError(l, err)
	}
	h.session.RoomID, h.session.RoomName = room.ID, room.Name
	l.Push(roomToLua(l, room))
	return 1
}

// capLeave returns the session to a well-known "lobby" room; sshwarma has
// no stack of previously-visited rooms to pop back to.
func (h *Host) capLeave(l *lua.LState) int {
	ctx := context.Background()
	room, err := h.deps.Store.RoomByName(ctx, "lobby")
	if err != nil {
		return pushError(l, coreerr.Newf(coreerr.NotFound, "scripthost.leave", "no lobby room configured"))
	}
	h.session.RoomID, h.session.RoomName = room.ID, room.Name
	l.Push(roomToLua(l, room))
	return 1
}

func (h *Host) capCreate(l *lua.LState) int {
	ctx := context.Background()
	name := l.CheckString(1)
	desc := l.OptString(2, "")
	room, err := h.deps.Store.CreateRoom(ctx, name, desc)
	if err != nil {
		return pushError(l, err)
	}
	l.Push(roomToLua(l, room))
	return 1
}

func (h *Host) capFork(l *lua.LState) int {
	ctx := context.Background()
	name := l.CheckString(1)
	room, err := h.deps.Store.Fork(ctx, h.session.RoomID, name)
	if err != nil {
		return pushError(l, err)
	}
	l.Push(roomToLua(l, room))
	return 1
}

func (h *Host) capGo(l *lua.LState) int {
	ctx := context.Background()
	direction := l.CheckString(1)
	exit, err := h.deps.Store.ExitTo(ctx, h.session.RoomID, direction)
	if err != nil {
		return pushError(l, err)
	}
	room, err := h.deps.Store.Room(ctx, exit.ToRoomID)
	if err != nil {
		return pushError(l, err)
	}
	h.session.RoomID, h.session.RoomName = room.ID, room.Name
	l.Push(roomToLua(l, room))
	return 1
}

func (h *Host) capLook(l *lua.LState) int {
	ctx := context.Background()
	room, err := h.deps.Store.Room(ctx, h.session.RoomID)
	if err != nil {
		return pushError(l, err)
	}
	exits, err := h.deps.Store.Exits(ctx, h.session.RoomID)
	if err != nil {
		return pushError(l, err)
	}
	tbl := roomToLua(l, room)
	exitsTbl := l.NewTable()
	for i, e := range exits {
		exitsTbl.RawSetInt(i+1, lua.LString(e.Direction))
	}
	tbl.RawSetString("exits", exitsTbl)
	l.Push(tbl)
	return 1
}

// capWho reports only the caller: there is no server-wide presence
// registry at the Script Host layer, and the Session Controller does not
// inject one. A known gap, not silently wrong.
func (h *Host) capWho(l *lua.LState) int {
	out := l.NewTable()
	out.RawSetInt(1, lua.LString(h.session.UserName))
	l.Push(out)
	return 1
}

func (h *Host) capInventory(l *lua.LState) int {
	ctx := context.Background()
	equipment, err := h.deps.Store.EquipmentFor(ctx, models.TargetUser, h.session.UserID)
	if err != nil {
		return pushError(l, err)
	}
	out := l.NewTable()
	n := 0
	for _, eq := range equipment {
		thing, err := h.deps.Store.Thing(ctx, eq.ThingID)
		if err != nil {
			continue
		}
		n++
		out.RawSetInt(n, thingToLua(l, thing))
	}
	l.Push(out)
	return 1
}

func (h *Host) capEquip(l *lua.LState) int {
	ctx := context.Background()
	targetKind := models.EquipTargetKind(l.CheckString(1))
	targetID := l.CheckString(2)
	slot := l.OptString(3, "")
	qualifiedName := l.CheckString(4)
	priority := l.OptInt(5, 0)
	config := l.OptString(6, "")

	owner, name, ok := splitQualified(qualifiedName)
	if !ok {
		return pushError(l, coreerr.Newf(coreerr.InvalidArgument, "scripthost.equip", "thing name must be qualified as owner:name, got %q", qualifiedName))
	}
	thing, err := h.deps.Store.ThingByQualifiedName(ctx, owner, name)
	if err != nil {
		return pushError(l, err)
	}
	eq := &models.Equipment{TargetKind: targetKind, TargetID: targetID, Slot: slot, ThingID: thing.ID, Priority: priority, Config: config}
	if err := h.deps.Store.Equip(ctx, eq); err != nil {
		return pushError(l, err)
	}
	return pushResult(l, map[string]any{"success": true})
}

func (h *Host) capUnequip(l *lua.LState) int {
	ctx := context.Background()
	targetKind := models.EquipTargetKind(l.CheckString(1))
	targetID := l.CheckString(2)
	slot := l.OptString(3, "")
	qualifiedName := l.CheckString(4)

	owner, name, ok := splitQualified(qualifiedName)
	if !ok {
		return pushError(l, coreerr.Newf(coreerr.InvalidArgument, "scripthost.unequip", "thing name must be qualified as owner:name, got %q", qualifiedName))
	}
	thing, err := h.deps.Store.ThingByQualifiedName(ctx, owner, name)
	if err != nil {
		return pushError(l, err)
	}
	if err := h.deps.Store.Unequip(ctx, targetKind, targetID, slot, thing.ID); err != nil {
		return pushError(l, err)
	}
	return pushResult(l, map[string]any{"success": true})
}

func (h *Host) capThingsFind(l *lua.LState) int {
	pattern := l.CheckString(1)
	things, err := h.deps.Store.ThingsFind(context.Background(), pattern)
	if err != nil {
		return pushError(l, err)
	}
	out := l.NewTable()
	for i, t := range things {
		out.RawSetInt(i+1, thingToLua(l, t))
	}
	l.Push(out)
	return 1
}

func (h *Host) capThingsChildren(l *lua.LState) int {
	parentID := l.CheckString(1)
	things, err := h.deps.Store.ThingsChildren(context.Background(), parentID)
	if err != nil {
		return pushError(l, err)
	}
	out := l.NewTable()
	for i, t := range things {
		out.RawSetInt(i+1, thingToLua(l, t))
	}
	l.Push(out)
	return 1
}

func (h *Host) capThingCreate(l *lua.LState) int {
	name := l.CheckString(1)
	kind := l.CheckString(2)
	parentID := l.OptString(3, "")
	body := l.OptString(4, "")
	t := &models.Thing{
		Owner:     h.session.UserName,
		Name:      name,
		Kind:      models.ThingKind(kind),
		ParentID:  parentID,
		Body:      body,
		Available: true,
	}
	created, err := h.deps.Store.ThingCreate(context.Background(), t)
	if err != nil {
		return pushError(l, err)
	}
	l.Push(thingToLua(l, created))
	return 1
}

func (h *Host) capThingDelete(l *lua.LState) int {
	ctx := context.Background()
	id := l.CheckString(1)
	if owner, name, ok := splitQualified(id); ok {
		thing, err := h.deps.Store.ThingByQualifiedName(ctx, owner, name)
		if err != nil {
			return pushError(l, err)
		}
		id = thing.ID
	}
	if err := h.deps.Store.ThingDelete(ctx, id); err != nil {
		return pushError(l, err)
	}
	return pushResult(l, map[string]any{"success": true})
}

func (h *Host) capThingCopy(l *lua.LState) int {
	id := l.CheckString(1)
	newParent := l.CheckString(2)
	t, err := h.deps.Store.ThingCopy(context.Background(), id, newParent)
	if err != nil {
		return pushError(l, err)
	}
	l.Push(thingToLua(l, t))
	return 1
}

func (h *Host) capThingMove(l *lua.LState) int {
	id := l.CheckString(1)
	newParent := l.CheckString(2)
	if err := h.deps.Store.ThingMove(context.Background(), id, newParent); err != nil {
		return pushError(l, err)
	}
	return pushResult(l, map[string]any{"success": true})
}

func (h *Host) capMcpAdd(l *lua.LState) int {
	if h.deps.Mcp == nil {
		return pushError(l, coreerr.Newf(coreerr.NotConnected, "scripthost.mcp_add", "no MCP manager wired"))
	}
	name := l.CheckString(1)
	url := l.CheckString(2)
	h.deps.Mcp.Add(context.Background(), name, url)
	return pushResult(l, map[string]any{"success": true})
}

func (h *Host) capMcpRemove(l *lua.LState) int {
	if h.deps.Mcp == nil {
		return pushError(l, coreerr.Newf(coreerr.NotConnected, "scripthost.mcp_remove", "no MCP manager wired"))
	}
	name := l.CheckString(1)
	removed := h.deps.Mcp.Remove(name)
	return pushResult(l, map[string]any{"success": removed})
}

func (h *Host) capMcpStatus(l *lua.LState) int {
	if h.deps.Mcp == nil {
		return pushError(l, coreerr.Newf(coreerr.NotConnected, "scripthost.mcp_status", "no MCP manager wired"))
	}
	name := l.CheckString(1)
	status := h.deps.Mcp.Status(name)
	if status == nil {
		return pushError(l, coreerr.Newf(coreerr.NotFound, "scripthost.mcp_status", "no such connection: %s", name))
	}
	l.Push(mcpStatusToLua(l, *status))
	return 1
}

func (h *Host) capMcpList(l *lua.LState) int {
	if h.deps.Mcp == nil {
		l.Push(l.NewTable())
		return 1
	}
	statuses := h.deps.Mcp.List()
	out := l.NewTable()
	for i, s := range statuses {
		out.RawSetInt(i+1, mcpStatusToLua(l, s))
	}
	l.Push(out)
	return 1
}

func (h *Host) capMcpCall(l *lua.LState) int {
	if h.deps.Mcp == nil {
		return pushError(l, coreerr.Newf(coreerr.NotConnected, "scripthost.mcp_call", "no MCP manager wired"))
	}
	server := l.CheckString(1)
	tool := l.CheckString(2)
	args := argsTableToGo(l.Get(3))
	result, err := h.deps.Mcp.CallTool(context.Background(), server+":"+tool, args)
	if err != nil {
		return pushError(l, err)
	}
	l.Push(lua.LString(flattenMcpResult(result)))
	return 1
}

// flattenMcpResult mirrors internal/tools.Router's own flattening of an
// MCP tool result into plain text, since Lua scripts have no use for the
// structured content-block shape.
func flattenMcpResult(result *mcp.ToolCallResult) string {
	var parts []string
	for _, c := range result.Content {
		if c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func (h *Host) capMcpTools(l *lua.LState) int {
	if h.deps.Mcp == nil {
		l.Push(l.NewTable())
		return 1
	}
	filter := l.OptString(1, "")
	infos := h.deps.Mcp.ListTools(filter)
	out := l.NewTable()
	for i, info := range infos {
		tbl := l.NewTable()
		tbl.RawSetString("qualified_name", lua.LString(info.QualifiedName))
		tbl.RawSetString("description", lua.LString(info.Description))
		tbl.RawSetString("source", lua.LString(info.Source))
		out.RawSetInt(i+1, tbl)
	}
	l.Push(out)
	return 1
}

func (h *Host) capMcpServers(l *lua.LState) int {
	out := l.NewTable()
	if h.deps.Mcp == nil {
		l.Push(out)
		return 1
	}
	for i, s := range h.deps.Mcp.List() {
		out.RawSetInt(i+1, lua.LString(s.Name))
	}
	l.Push(out)
	return 1
}

func (h *Host) capMarkDirty(l *lua.LState) int {
	n := l.GetTop()
	for i := 1; i <= n; i++ {
		h.dirty[l.CheckString(i)] = true
	}
	return 0
}

// capDisplayWidth approximates grapheme display width by rune count. The
// pack carries no dedicated wide-character width library, so this falls
// back to unicode/utf8's rune counting rather than a visually-accurate
// East Asian Width table.
func (h *Host) capDisplayWidth(l *lua.LState) int {
	s := l.CheckString(1)
	l.Push(lua.LNumber(utf8.RuneCountInString(s)))
	return 1
}

func (h *Host) capSetCursorPos(l *lua.LState) int {
	h.cursorRow = l.CheckInt(1)
	h.cursorCol = l.CheckInt(2)
	return 0
}

func (h *Host) capExecuteCode(l *lua.LState) int {
	code := l.CheckString(1)
	args := l.Get(2)
	fn, err := l.LoadString(code)
	if err != nil {
		return pushError(l, coreerr.New(coreerr.InvalidArgument, "scripthost.execute_code", err))
	}
	l.Push(fn)
	l.Push(args)
	if err := l.PCall(1, 1, nil); err != nil {
		return pushError(l, coreerr.New(coreerr.Internal, "scripthost.execute_code", err))
	}
	return 1
}

func (h *Host) capOnRowAdded(l *lua.LState) int {
	fn := l.CheckFunction(1)
	h.rowHooks = append(h.rowHooks, fn)
	return 0
}

// capVisibleFor exposes internal/tools.Router.VisibleFor so the embedded
// /tools command can list what the caller's room can see.
func (h *Host) capVisibleFor(l *lua.LState) int {
	if h.deps.Tools == nil {
		l.Push(l.NewTable())
		return 1
	}
	agentID := l.OptString(1, "")
	infos, err := h.deps.Tools.VisibleFor(context.Background(), h.session.RoomID, agentID)
	if err != nil {
		return pushError(l, err)
	}
	out := l.NewTable()
	for i, info := range infos {
		tbl := l.NewTable()
		tbl.RawSetString("qualified_name", lua.LString(info.QualifiedName))
		tbl.RawSetString("description", lua.LString(info.Description))
		tbl.RawSetString("source", lua.LString(info.Source))
		out.RawSetInt(i+1, tbl)
	}
	l.Push(out)
	return 1
}

// capCall exposes internal/tools.Router.Call so the embedded /run command
// can invoke a tool directly from the terminal.
func (h *Host) capCall(l *lua.LState) int {
	if h.deps.Tools == nil {
		return pushError(l, coreerr.Newf(coreerr.NotConnected, "scripthost.call", "no tool router wired"))
	}
	qualifiedName := l.CheckString(1)
	args := argsTableToGo(l.Get(2))
	result, err := h.deps.Tools.Call(context.Background(), qualifiedName, args, h.session.callContext())
	if err != nil {
		return pushError(l, err)
	}
	l.Push(lua.LString(result))
	return 1
}

func (h *Host) capSetVibe(l *lua.LState) int {
	vibe := l.CheckString(1)
	if err := h.deps.Store.SetVibe(context.Background(), h.session.RoomID, vibe); err != nil {
		return pushError(l, err)
	}
	return pushResult(l, map[string]any{"success": true})
}

func (h *Host) capSetNavigation(l *lua.LState) int {
	disabled := lua.LVAsBool(l.Get(1))
	if err := h.deps.Store.SetNavigationDisabled(context.Background(), h.session.RoomID, disabled); err != nil {
		return pushError(l, err)
	}
	return pushResult(l, map[string]any{"success": true})
}

func (h *Host) capMcpRefresh(l *lua.LState) int {
	if h.deps.Mcp == nil {
		return pushError(l, coreerr.Newf(coreerr.NotConnected, "scripthost.mcp_refresh", "no MCP manager wired"))
	}
	name := l.CheckString(1)
	if err := h.deps.Mcp.Refresh(context.Background(), name); err != nil {
		return pushError(l, err)
	}
	return pushResult(l, map[string]any{"success": true})
}

// capReload forces the named module's loader cache entry to be dropped
// regardless of its fingerprint, so the next require/loadEntry recompiles
// even when storage hasn't changed the row's updated_at (e.g. a user
// wants to pick up an embedded-override change mid-session).
func (h *Host) capReload(l *lua.LState) int {
	name := l.CheckString(1)
	h.loader.invalidate(name)
	return pushResult(l, map[string]any{"success": true})
}

func splitQualified(qualifiedName string) (owner, name string, ok bool) {
	for i := 0; i < len(qualifiedName); i++ {
		if qualifiedName[i] == ':' {
			return qualifiedName[:i], qualifiedName[i+1:], true
		}
	}
	return "", "", false
}
