// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package hostfunc

import (
	"context"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/hook"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/resource"
)

// sectionKey marks a context whose call chain is already executing inside
// an interpreter section. Hook chains thread it downward so that nested
// Lua callbacks reuse the active section instead of deadlocking on the
// interpreter lock.
type sectionKey struct{}

func markActive(ctx context.Context) context.Context {
	return context.WithValue(ctx, sectionKey{}, true)
}

func sectionActive(ctx context.Context) bool {
	b, _ := ctx.Value(sectionKey{}).(bool)
	return b
}

// enter runs fn inside the interpreter, reusing the active execution
// section when the call chain is already inside one.
//
// Interception points are called by the host application from its own
// goroutines, never from inside plugin callbacks; a call that arrives
// while another goroutine holds the interpreter simply waits its turn.
func enter(ctx context.Context, c Caller, owner string, fn func(ls *lua.LState) error) error {
	if sectionActive(ctx) {
		return c.Nested(owner, fn)
	}
	return c.Do(owner, fn)
}

// hooksPreFn returns the hooks_pre host function.
// Args: path (string), callback (function).
// Returns: (registration id, nil) or (nil, error string).
//
// The callback receives the intercepted call's arguments. Errors it raises
// are logged and never block the call.
func (f *Functions) hooksPreFn(rt Runtime) lua.LGFunction {
	return func(L *lua.LState) int {
		path := L.CheckString(1)
		cb := L.CheckFunction(2)
		owner, _ := rt.Current()

		if f.hooks == nil {
			return pushError(L, "hook registry not available")
		}

		fn := func(ctx context.Context, args []any) error {
			return enter(ctx, rt, owner, func(ls *lua.LState) error {
				return ls.CallByParam(lua.P{Fn: cb, NRet: 0, Protect: true}, luaArgs(ls, args)...)
			})
		}
		reg, err := f.hooks.RegisterPre(path, owner, fn)
		if err != nil {
			return pushError(L, err.Error())
		}
		return pushSuccess(L, lua.LString(f.retainHook(owner, reg)))
	}
}

// hooksPostFn returns the hooks_post host function.
// Args: path (string), callback (function).
// Returns: (registration id, nil) or (nil, error string).
//
// The callback receives the result followed by the call's arguments.
func (f *Functions) hooksPostFn(rt Runtime) lua.LGFunction {
	return func(L *lua.LState) int {
		path := L.CheckString(1)
		cb := L.CheckFunction(2)
		owner, _ := rt.Current()

		if f.hooks == nil {
			return pushError(L, "hook registry not available")
		}

		fn := func(ctx context.Context, result any, args []any) error {
			return enter(ctx, rt, owner, func(ls *lua.LState) error {
				callArgs := append([]lua.LValue{goToLua(ls, result)}, luaArgs(ls, args)...)
				return ls.CallByParam(lua.P{Fn: cb, NRet: 0, Protect: true}, callArgs...)
			})
		}
		reg, err := f.hooks.RegisterPost(path, owner, fn)
		if err != nil {
			return pushError(L, err.Error())
		}
		return pushSuccess(L, lua.LString(f.retainHook(owner, reg)))
	}
}

// hooksVoidFn returns the hooks_void host function.
// Args: path (string), callback (function).
// Returns: (registration id, nil) or (nil, error string).
//
// While any void hook is attached the intercepted call is vetoed: only
// void callbacks run and the caller gets a nil result.
func (f *Functions) hooksVoidFn(rt Runtime) lua.LGFunction {
	return func(L *lua.LState) int {
		path := L.CheckString(1)
		cb := L.CheckFunction(2)
		owner, _ := rt.Current()

		if f.hooks == nil {
			return pushError(L, "hook registry not available")
		}

		fn := func(ctx context.Context, args []any) error {
			return enter(ctx, rt, owner, func(ls *lua.LState) error {
				return ls.CallByParam(lua.P{Fn: cb, NRet: 0, Protect: true}, luaArgs(ls, args)...)
			})
		}
		reg, err := f.hooks.RegisterVoid(path, owner, fn)
		if err != nil {
			return pushError(L, err.Error())
		}
		return pushSuccess(L, lua.LString(f.retainHook(owner, reg)))
	}
}

// hooksReplaceFn returns the hooks_replace host function.
// Args: path (string), callback (function).
// Returns: (registration id, nil) or (nil, error string).
//
// The callback receives a next function followed by the call's arguments
// and must return the call's result. Calling next(...) runs the rest of
// the chain; skipping it short-circuits the intercepted call. A callback
// that raises an error is logged and the chain continues without it.
func (f *Functions) hooksReplaceFn(rt Runtime) lua.LGFunction {
	return func(L *lua.LState) int {
		path := L.CheckString(1)
		cb := L.CheckFunction(2)
		owner, _ := rt.Current()

		if f.hooks == nil {
			return pushError(L, "hook registry not available")
		}

		fn := func(ctx context.Context, next hook.CallFunc, args []any) (any, error) {
			var result any
			err := enter(ctx, rt, owner, func(ls *lua.LState) error {
				nextFn := ls.NewFunction(func(L *lua.LState) int {
					goArgs := make([]any, 0, L.GetTop())
					for i := 1; i <= L.GetTop(); i++ {
						goArgs = append(goArgs, luaToGo(L.Get(i)))
					}
					res, err := next(markActive(ctx), goArgs)
					if err != nil {
						L.RaiseError("%s", err.Error())
						return 0
					}
					L.Push(goToLua(L, res))
					return 1
				})
				callArgs := append([]lua.LValue{nextFn}, luaArgs(ls, args)...)
				if err := ls.CallByParam(lua.P{Fn: cb, NRet: 1, Protect: true}, callArgs...); err != nil {
					return err
				}
				result = luaToGo(ls.Get(-1))
				ls.Pop(1)
				return nil
			})
			return result, err
		}
		reg, err := f.hooks.RegisterReplace(path, owner, fn)
		if err != nil {
			return pushError(L, err.Error())
		}
		return pushSuccess(L, lua.LString(f.retainHook(owner, reg)))
	}
}

// hooksCallFn returns the hooks_call host function.
// Args: path (string), then the intercepted call's arguments.
// Returns: (result, nil) or (nil, error string).
func (f *Functions) hooksCallFn() lua.LGFunction {
	return func(L *lua.LState) int {
		path := L.CheckString(1)

		if f.hooks == nil {
			return pushError(L, "hook registry not available")
		}

		args := make([]any, 0, L.GetTop()-1)
		for i := 2; i <= L.GetTop(); i++ {
			args = append(args, luaToGo(L.Get(i)))
		}

		result, err := f.hooks.Call(markActive(luaContext(L)), path, args...)
		if err != nil {
			return pushError(L, err.Error())
		}
		return pushSuccess(L, goToLua(L, result))
	}
}

// hooksRemoveFn returns the hooks_remove host function.
// Args: registration id (string).
// Returns: true when a live registration was detached, false otherwise.
func (f *Functions) hooksRemoveFn() lua.LGFunction {
	return func(L *lua.LState) int {
		id := L.CheckString(1)

		f.mu.Lock()
		reg, ok := f.regs[id]
		delete(f.regs, id)
		f.mu.Unlock()

		if ok {
			f.hooks.Unregister(reg)
		}
		L.Push(lua.LBool(ok))
		return 1
	}
}

// retainHook files a registration under a fresh handle ID and records it in
// the owner's resource set. Hook attachments are recorded, not swept: a
// stopped plugin's callbacks stay attached until the plugin is removed or
// detaches them itself.
func (f *Functions) retainHook(owner string, reg *hook.Registration) string {
	id := ulid.Make().String()
	f.mu.Lock()
	f.regs[id] = reg
	f.mu.Unlock()

	if set := f.resourcesFor(owner); set != nil {
		set.TrackHook(resource.HookRecord{Path: reg.Path, Kind: string(reg.Kind)})
	}
	return id
}
