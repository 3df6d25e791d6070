// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

// Package hostfunc note: L is the idiomatic variable name for lua.LState
// in the gopher-lua community, so these helpers keep that name.
//nolint:gocritic // captLocal: L is the idiomatic name for lua.LState
package hostfunc

import (
	"context"

	lua "github.com/yuin/gopher-lua"
)

// pushError pushes nil followed by an error string to the Lua stack and returns 2.
// This is the standard pattern for returning errors from host functions.
func pushError(L *lua.LState, errMsg string) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(errMsg))
	return 2
}

// pushSuccess pushes a value followed by nil (no error) to the Lua stack and returns 2.
// This is the standard pattern for returning successful results from host functions.
func pushSuccess(L *lua.LState, value lua.LValue) int {
	L.Push(value)
	L.Push(lua.LNil)
	return 2
}

// luaContext returns the context attached to the Lua state, or
// context.Background() when none is set.
func luaContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
