package script

import (
	lua "github.com/yuin/gopher-lua"
)

// goToLua converts a decoded wire value (the wire codec's whitelist: nil,
// bool, int64, float64, []byte, string, []interface{}, map[string]interface{})
// into an LValue, grounded on petervdpas-goop2/internal/lua/api.go's
// goToLua.
func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch t := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case float64:
		return lua.LNumber(t)
	case string:
		return lua.LString(t)
	case []byte:
		return lua.LString(string(t))
	case []interface{}:
		tbl := L.NewTable()
		for i, item := range t {
			tbl.RawSetInt(i+1, goToLua(L, item))
		}
		return tbl
	case map[string]interface{}:
		tbl := L.NewTable()
		for k, item := range t {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	default:
		return lua.LNil
	}
}

// luaToGo is goToLua's inverse, disambiguating an LTable between a list and
// a map by checking whether its array part covers every key (Len), the
// same heuristic api.go's luaToGo uses.
func luaToGo(v lua.LValue) interface{} {
	switch t := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(t)
	case lua.LNumber:
		return float64(t)
	case lua.LString:
		return string(t)
	case *lua.LTable:
		n := t.Len()
		count := 0
		t.ForEach(func(_, _ lua.LValue) { count++ })
		if count == n {
			out := make([]interface{}, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(t.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]interface{}, count)
		t.ForEach(func(k, val lua.LValue) {
			out[k.String()] = luaToGo(val)
		})
		return out
	default:
		return nil
	}
}
