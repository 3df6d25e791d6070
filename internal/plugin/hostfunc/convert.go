// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package hostfunc

import (
	"encoding/json"
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// luaToGo converts a Lua value to a Go value.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LString:
		return string(val)
	case lua.LNumber:
		return float64(val)
	case lua.LBool:
		return bool(val)
	case *lua.LTable:
		// Check if it's an array or map
		if isArray(val) {
			return luaTableToSlice(val)
		}
		return luaTableToMap(val)
	case *lua.LNilType:
		return nil
	default:
		return v.String()
	}
}

// luaTableToMap converts a Lua table to a Go map[string]any.
func luaTableToMap(tbl *lua.LTable) map[string]any {
	result := make(map[string]any)
	tbl.ForEach(func(k, v lua.LValue) {
		key := k.String()
		result[key] = luaToGo(v)
	})
	return result
}

// luaTableToSlice converts a Lua array table to a Go []any slice.
func luaTableToSlice(tbl *lua.LTable) []any {
	var result []any
	tbl.ForEach(func(k, v lua.LValue) {
		if _, ok := k.(lua.LNumber); ok {
			result = append(result, luaToGo(v))
		}
	})
	return result
}

// isArray checks if a Lua table is an array (sequential integer keys starting from 1).
func isArray(tbl *lua.LTable) bool {
	maxN := tbl.MaxN()
	if maxN == 0 {
		// Empty or purely map-like table
		count := 0
		tbl.ForEach(func(_, _ lua.LValue) {
			count++
		})
		return count == 0
	}
	return true
}

// goToLua converts a Go value to a Lua value allocated against ls.
// Unrecognized types degrade to their fmt string form rather than erroring;
// plugin-facing surfaces only ever carry JSON-shaped data.
func goToLua(ls *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case json.Number:
		n, err := val.Float64()
		if err != nil {
			return lua.LString(val.String())
		}
		return lua.LNumber(n)
	case []string:
		tbl := ls.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, lua.LString(item))
		}
		return tbl
	case []any:
		tbl := ls.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, goToLua(ls, item))
		}
		return tbl
	case map[string]any:
		tbl := ls.NewTable()
		for k, item := range val {
			ls.SetField(tbl, k, goToLua(ls, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaArgs converts a Go argument slice to Lua values for a callback
// invocation.
func luaArgs(ls *lua.LState, args []any) []lua.LValue {
	out := make([]lua.LValue, len(args))
	for i, a := range args {
		out[i] = goToLua(ls, a)
	}
	return out
}
