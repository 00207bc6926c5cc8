package script

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// newState builds a restricted *lua.LState: only the library subset a
// module needs to compute values, grounded on
// petervdpas-goop2/internal/lua/sandbox.go's newSandboxedVM/pruneOS (skip
// the default library set, open a fixed allow-list, then strip the
// filesystem-touching globals the stdlib libs still install).
func (e *Engine) newState() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       256,
		RegistrySize:        2048,
		IncludeGoStackTrace: false,
	})
	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.OsLibName, lua.OpenOs},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	pruneOS(L)
	return L
}

// pruneOS removes the globals a remote-executed chunk must never reach:
// filesystem access, process control, and dynamic source loading (the
// Importer is the only legitimate source of new code, per spec.md §4.8's
// security rationale for a closed codec).
func pruneOS(L *lua.LState) {
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require", "collectgarbage"} {
		L.SetGlobal(name, lua.LNil)
	}
	osTbl, ok := L.GetGlobal("os").(*lua.LTable)
	if !ok {
		return
	}
	keep := map[string]bool{"time": true, "date": true, "clock": true, "difftime": true}
	var drop []string
	osTbl.ForEach(func(k, _ lua.LValue) {
		if name := k.String(); !keep[strings.ToLower(name)] {
			drop = append(drop, name)
		}
	})
	for _, name := range drop {
		osTbl.RawSetString(name, lua.LNil)
	}
}
