package resolve

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// RenderScript runs a sandboxed Lua render(outputs) function and returns
// its string result. The sandbox opens base minus load/dofile/loadstring/
// print, plus table, string and math with math.random removed, so the
// same script run twice against the same outputs always renders the same
// string: a medic-triggered retry must reproduce an identical input.
func RenderScript(script string, outputs Outputs) (string, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	defer L.Close()

	openSandboxLibs(L)
	L.SetGlobal("outputs", toLuaTable(L, outputs))

	if err := L.DoString(script); err != nil {
		return "", fmt.Errorf("load input_script: %w", err)
	}

	render := L.GetGlobal("render")
	if render == lua.LNil {
		return "", fmt.Errorf("input_script must define a render(outputs) function")
	}

	L.Push(render)
	L.Push(L.GetGlobal("outputs"))
	if err := L.PCall(1, 1, nil); err != nil {
		return "", fmt.Errorf("run input_script: %w", err)
	}

	result := L.Get(-1)
	L.Pop(1)
	str, ok := result.(lua.LString)
	if !ok {
		return "", fmt.Errorf("render(outputs) must return a string, got %s", result.Type())
	}
	return string(str), nil
}

func openSandboxLibs(L *lua.LState) {
	lua.OpenBase(L)
	L.SetGlobal("loadfile", lua.LNil)
	L.SetGlobal("dofile", lua.LNil)
	L.SetGlobal("load", lua.LNil)
	L.SetGlobal("loadstring", lua.LNil)
	L.SetGlobal("print", lua.LNil)

	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)

	if tbl, ok := L.GetGlobal("math").(*lua.LTable); ok {
		L.SetField(tbl, "random", lua.LNil)
		L.SetField(tbl, "randomseed", lua.LNil)
	}
}

func toLuaTable(L *lua.LState, outputs Outputs) *lua.LTable {
	root := L.NewTable()
	for stepID, values := range outputs {
		stepTbl := L.NewTable()
		for k, v := range values {
			stepTbl.RawSetString(k, lua.LString(v))
		}
		root.RawSetString(stepID, stepTbl)
	}
	return root
}
