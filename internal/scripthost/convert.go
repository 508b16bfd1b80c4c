package scripthost

import (
	lua "github.com/yuin/gopher-lua"
)

// goToLua converts a Go value produced by JSON-shaped Go code (map[string]any,
// []any, string, float64/int, bool, nil) into the equivalent Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case []string:
		tbl := L.NewTable()
		for i, s := range val {
			tbl.RawSetInt(i+1, lua.LString(s))
		}
		return tbl
	case []any:
		tbl := L.NewTable()
		for i, e := range val {
			tbl.RawSetInt(i+1, goToLua(L, e))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, e := range val {
			tbl.RawSetString(k, goToLua(L, e))
		}
		return tbl
	default:
		return lua.LNil
	}
}

// luaToGo converts a Lua value back into a plain Go value, the inverse of
// goToLua. Tables with only consecutive integer keys starting at 1 become
// []any; any other table becomes map[string]any.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(val)
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case *lua.LTable:
		return luaTableToGo(val)
	default:
		return nil
	}
}

func luaTableToGo(tbl *lua.LTable) any {
	n := tbl.Len()
	isArray := n > 0
	if isArray {
		count := 0
		tbl.ForEach(func(lua.LValue, lua.LValue) { count++ })
		isArray = count == n
	}
	if isArray {
		out := make([]any, n)
		for i := 1; i <= n; i++ {
			out[i-1] = luaToGo(tbl.RawGetInt(i))
		}
		return out
	}
	out := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		out[k.String()] = luaToGo(v)
	})
	return out
}

// argsTableToGo converts a capability call's arguments table (or nil) into
// the map[string]any shape tools.Router.Call expects.
func argsTableToGo(v lua.LValue) map[string]any {
	tbl, ok := v.(*lua.LTable)
	if !ok {
		return map[string]any{}
	}
	converted, ok := luaTableToGo(tbl).(map[string]any)
	if !ok {
		return map[string]any{}
	}
	return converted
}

// pushResult pushes a successful capability result, converting Go data
// into a Lua value (a structured record on success).
func pushResult(L *lua.LState, data any) int {
	L.Push(goToLua(L, data))
	return 1
}

// pushError pushes {success=false, error=<string>}.
func pushError(L *lua.LState, err error) int {
	tbl := L.NewTable()
	tbl.RawSetString("success", lua.LBool(false))
	tbl.RawSetString("error", lua.LString(err.Error()))
	L.Push(tbl)
	return 1
}
