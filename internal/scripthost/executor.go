package scripthost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	lua "github.com/yuin/gopher-lua"

	"github.com/tobert/sshwarma/internal/tools"
	"github.com/tobert/sshwarma/pkg/coreerr"
	"github.com/tobert/sshwarma/pkg/models"
)

// ToolExecutor runs a Thing's Lua body for Router-dispatched scripted
// tool calls. Unlike Host, it is not bound to any one session: an agent
// turn calling a scripted tool during a streaming pipeline has no
// terminal session to route through, so the Router holds a single
// ToolExecutor as its ScriptRunner rather than borrowing one session's
// interactive Host.
//
// It keeps one sandboxed Lua state, same as Host's, guarded by mu so
// concurrent tool calls from different agent turns serialize rather than
// racing on shared interpreter state.
type ToolExecutor struct {
	logger *slog.Logger

	mu sync.Mutex
	l  *lua.LState
}

// NewToolExecutor builds a ToolExecutor with a freshly sandboxed state.
func NewToolExecutor(logger *slog.Logger) *ToolExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &ToolExecutor{logger: logger.With("component", "scripthost_executor")}
	e.l = e.newState()
	return e
}

func (e *ToolExecutor) newState() *lua.LState {
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
	return l
}

// CallTool loads thing.Body as a Lua chunk and invokes it with args as its
// sole vararg argument, satisfying internal/tools.ScriptRunner. The chunk's
// convention is `local args = ...; return <string-or-table>`; a table
// result is rendered with luaToGo before returning. cc is unused: a
// scripted tool body has no notion of session identity beyond what the
// Router already encoded into args/the Thing it resolved.
func (e *ToolExecutor) CallTool(ctx context.Context, thing *models.Thing, cc tools.CallContext, args map[string]any) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn, err := e.l.LoadString(thing.Body)
	if err != nil {
		return "", coreerr.New(coreerr.InvalidArgument, "scripthost.ToolExecutor.CallTool", err)
	}
	e.l.Push(fn)
	e.l.Push(goToLua(e.l, args))
	if err := e.l.PCall(1, 1, nil); err != nil {
		return "", coreerr.New(coreerr.Upstream, "scripthost.ToolExecutor.CallTool", err)
	}
	ret := e.l.Get(-1)
	e.l.Pop(1)
	if s, ok := ret.(lua.LString); ok {
		return string(s), nil
	}
	return fmt.Sprintf("%v", luaToGo(ret)), nil
}

// Close releases the executor's Lua state.
func (e *ToolExecutor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.l != nil {
		e.l.Close()
		e.l = nil
	}
}
