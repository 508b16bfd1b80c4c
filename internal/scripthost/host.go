package scripthost

import (
	"context"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

// Entry points never carry their own deadline beyond the caller's
// context; dispatch into the host holds the caller for exactly one
// script invocation.

// Host is one session's embedded Lua interpreter. The interpreter is not
// reentrant, so every exported method takes mu itself and callers
// never need to lock externally, but a Host instance belongs to exactly
// one Session Controller goroutine at a time.
type Host struct {
	logger  *slog.Logger
	deps    Deps
	loader  *moduleLoader
	session SessionInfo

	mu        sync.Mutex
	l         *lua.LState
	dirty     map[string]bool
	cursorRow int
	cursorCol int
	rowHooks  []*lua.LFunction
}

// NewHost constructs a Host for one session. The Lua state is created and
// sandboxed immediately; no on-disk or network access is ever registered
// on it.
func NewHost(logger *slog.Logger, deps Deps, session SessionInfo) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Host{
		logger:  logger.With("component", "scripthost", "user", session.UserName),
		deps:    deps,
		session: session,
		dirty:   make(map[string]bool),
	}
	h.loader = newModuleLoader(logger, deps)
	h.l = h.newState()
	return h
}

func (h *Host) newState() *lua.LState {
	l := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, pair := range []struct {
		n string
		f lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		l.Push(l.NewFunction(pair.f))
		l.Push(lua.LString(pair.n))
		l.Call(1, 0)
	}
	// Scripts get no io/os/debug/package libraries.
	l.SetGlobal("require", l.NewFunction(h.requireFn))
	registerCapabilities(l, h)
	return l
}

// requireFn is the Lua-callable global "require", replacing gopher-lua's
// stdlib module loader with the precedence-and-hot-reload resolution of
// moduleLoader.resolve.
func (h *Host) requireFn(l *lua.LState) int {
	name := l.CheckString(1)
	ctx := context.Background()
	src, fingerprint, ok, err := h.loader.resolve(ctx, name, h.session)
	if err != nil {
		l.RaiseError("module %q: %v", name, err)
		return 0
	}
	if !ok {
		l.RaiseError("module not found: %s", name)
		return 0
	}
	if cached, hit := h.loader.cacheGet(name, fingerprint); hit {
		l.Push(cached.(lua.LValue))
		return 1
	}
	fn, err := l.LoadString(src)
	if err != nil {
		l.RaiseError("module %q: %v", name, err)
		return 0
	}
	l.Push(fn)
	l.Call(0, 1)
	ret := l.Get(-1)
	l.Pop(1)
	h.loader.cachePut(name, fingerprint, ret)
	l.Push(ret)
	return 1
}

// loadEntry requires a named entry-point module and returns its exported
// fnName field, which must be a function. Returns NotFound if the module
// itself has no module (the "room." absent case, or an optional hook like
// "background" that a session never defined).
func (h *Host) loadEntry(name, fnName string) (*lua.LFunction, error) {
	ctx := context.Background()
	src, fingerprint, ok, err := h.loader.resolve(ctx, name, h.session)
	if err != nil {
		return nil, coreerr.New(coreerr.Internal, "scripthost.loadEntry", err)
	}
	if !ok {
		return nil, coreerr.Newf(coreerr.NotFound, "scripthost.loadEntry", "module not found: %s", name)
	}
	var ret lua.LValue
	if cached, hit := h.loader.cacheGet(name, fingerprint); hit {
		ret = cached.(lua.LValue)
	} else {
		fn, err := h.l.LoadString(src)
		if err != nil {
			return nil, coreerr.New(coreerr.InvalidArgument, "scripthost.loadEntry", err)
		}
		h.l.Push(fn)
		if err := h.l.PCall(0, 1, nil); err != nil {
			return nil, coreerr.New(coreerr.InvalidArgument, "scripthost.loadEntry", err)
		}
		ret = h.l.Get(-1)
		h.l.Pop(1)
		h.loader.cachePut(name, fingerprint, ret)
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, coreerr.Newf(coreerr.Internal, "scripthost.loadEntry", "module %s did not return a table", name)
	}
	fnVal := tbl.RawGetString(fnName)
	fn, ok := fnVal.(*lua.LFunction)
	if !ok {
		return nil, coreerr.Newf(coreerr.NotFound, "scripthost.loadEntry", "module %s has no %s", name, fnName)
	}
	return fn, nil
}

// MarkDirty tags a region dirty ahead of the next OnTick, used by the
// Session Controller to turn a transport resize event into a redraw, since
// resize has no entry point of its own; the dimensions are not carried.
func (h *Host) MarkDirty(tag string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dirty[tag] = true
}

// Session returns the current session identity, reflecting any room
// change a join/leave/go capability call has made.
func (h *Host) Session() SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.session
}

// CursorPos returns the last position set_cursor_pos reported.
func (h *Host) CursorPos() (row, col int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursorRow, h.cursorCol
}

// Close releases the Lua state and any filesystem watcher. Safe to call
// once per Host.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.l != nil {
		h.l.Close()
		h.l = nil
	}
	h.loader.Close()
}

// OnInput feeds one received byte run into the on_input entry point.
// The module named "input" (resolved per module resolution precedence)
// must export a function of that name.
func (h *Host) OnInput(ctx context.Context, data []byte) (Action, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn, err := h.loadEntry("input", "on_input")
	if err != nil {
		return Action{}, err
	}
	tbl := h.l.NewTable()
	for i, b := range data {
		tbl.RawSetInt(i+1, lua.LNumber(b))
	}
	return h.callForAction(fn, tbl)
}

// OnTick drives the ~100ms-cadence on_tick entry point. dirtyTags names
// the regions marked dirty since the last tick (consumed and cleared
// here). Terminal rendering itself belongs to the script side, so
// draw_ctx is passed as an empty table the script populates with draw
// operations; the host never interprets it.
func (h *Host) OnTick(ctx context.Context, tick int64) (Action, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn, err := h.loadEntry("render", "on_tick")
	if err != nil {
		return Action{}, err
	}
	tags := h.l.NewTable()
	i := 1
	for tag, isDirty := range h.dirty {
		if isDirty {
			tags.RawSetInt(i, lua.LString(tag))
			i++
		}
	}
	h.dirty = make(map[string]bool)
	return h.callForAction(fn, tags, lua.LNumber(tick), h.l.NewTable())
}

// Background drives the ~500ms-cadence background entry point. Unlike
// OnInput/OnTick it returns no action: background hooks exist for
// housekeeping (polling, timers), not for driving session side effects.
func (h *Host) Background(ctx context.Context, tick int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn, err := h.loadEntry("background", "background")
	if err != nil {
		if coreerr.KindOf(err) == coreerr.NotFound {
			return nil
		}
		return err
	}
	return h.l.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, lua.LNumber(tick))
}

// OnRowAdded notifies registered on_row_added subscribers
// that a row landed in a buffer this session subscribes to.
func (h *Host) OnRowAdded(ctx context.Context, bufferID string, row *models.Row) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.rowHooks) == 0 {
		return nil
	}
	rowTbl := rowToLua(h.l, row)
	for _, fn := range h.rowHooks {
		if err := h.l.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, lua.LString(bufferID), rowTbl); err != nil {
			h.logger.Warn("on_row_added hook failed", "error", err)
		}
	}
	return nil
}

// RunCommand dispatches a slash command through the embedded command
// module's handler table. Unknown commands report
// "unknown command: <name>" as the caller's content, not as a Go error.
func (h *Host) RunCommand(ctx context.Context, name string, args []string) (CommandResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn, err := h.loadEntry("commands", "dispatch_command")
	if err != nil {
		return CommandResult{}, err
	}
	argTbl := h.l.NewTable()
	for i, a := range args {
		argTbl.RawSetInt(i+1, lua.LString(a))
	}
	if err := h.l.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, lua.LString(name), argTbl); err != nil {
		return CommandResult{}, coreerr.New(coreerr.Internal, "scripthost.RunCommand", err)
	}
	ret := h.l.Get(-1)
	h.l.Pop(1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return CommandResult{}, nil
	}
	return CommandResult{
		Text: lua.LVAsString(tbl.RawGetString("text")),
		Mode: lua.LVAsString(tbl.RawGetString("mode")),
	}, nil
}

func (h *Host) callForAction(fn *lua.LFunction, args ...lua.LValue) (Action, error) {
	p := lua.P{Fn: fn, NRet: 1, Protect: true}
	if err := h.l.CallByParam(p, args...); err != nil {
		return Action{}, coreerr.New(coreerr.Internal, "scripthost", err)
	}
	ret := h.l.Get(-1)
	h.l.Pop(1)
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return Action{Kind: ActionNone}, nil
	}
	return Action{
		Kind: ActionKind(lua.LVAsString(tbl.RawGetString("kind"))),
		Text: lua.LVAsString(tbl.RawGetString("text")),
	}, nil
}

func rowToLua(l *lua.LState, row *models.Row) *lua.LTable {
	tbl := l.NewTable()
	tbl.RawSetString("id", lua.LString(row.ID))
	tbl.RawSetString("buffer_id", lua.LString(row.BufferID))
	tbl.RawSetString("parent_id", lua.LString(row.ParentID))
	tbl.RawSetString("method", lua.LString(row.Method))
	tbl.RawSetString("author", lua.LString(row.Author))
	tbl.RawSetString("content", lua.LString(row.Content))
	tbl.RawSetString("tool_name", lua.LString(row.ToolName))
	tbl.RawSetString("created_at", lua.LString(row.CreatedAt.Format("2006-01-02T15:04:05.999999999Z07:00")))
	return tbl
}
