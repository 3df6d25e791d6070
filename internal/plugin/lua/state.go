// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

// Package lua executes fetched plugin modules in a shared sandboxed
// interpreter and adapts their factory tables to the plugin contract.
package lua

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// safeLibrary is a Lua library that is safe to load in the sandboxed state.
type safeLibrary struct {
	name string
	fn   lua.LGFunction
}

// safeLibraries lists the libraries the sandbox opens.
// Safe: base, table, string, math.
// Blocked: os, io, debug, package.
//
// The sandbox is hygiene, not a security boundary: plugins reach the host
// with full privilege through the runtime.* API anyway. Blocking the
// filesystem and process libraries keeps module code honest about going
// through that API.
var safeLibraries = []safeLibrary{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// unsafeBaseFunctions lists base library functions blocked because they
// bypass the loader and read code from the filesystem.
var unsafeBaseFunctions = []string{"dofile", "loadfile", "loadstring", "load"}

// newSandboxedState creates the interpreter with only safe libraries
// loaded and the filesystem-reaching base functions removed.
func newSandboxedState() (*lua.LState, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})

	for _, lib := range safeLibraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open library %s: %w", lib.name, err)
		}
	}

	for _, fn := range unsafeBaseFunctions {
		L.SetGlobal(fn, lua.LNil)
	}

	return L, nil
}
