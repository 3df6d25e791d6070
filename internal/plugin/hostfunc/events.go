// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package hostfunc

import (
	"context"

	lua "github.com/yuin/gopher-lua"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/event"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/resource"
)

// eventsOnFn returns the events_on host function.
// Args: name (string), callback (function), optional options table.
// Returns: (subscription id, nil) or (nil, error string).
//
// A bare name subscribes to the calling plugin's own events; "other:name"
// crosses plugins, and glob patterns fan out. The subscription outlives a
// plugin stop unless the options table sets track = true, which routes
// cancellation through the plugin's resource set.
//
// Delivery re-enters the interpreter through enter: Lua-side emission
// arrives with a marked context and reuses the active section, while
// Go-side emission (the host, the settings watcher) takes the interpreter
// lock first.
func (f *Functions) eventsOnFn(rt Runtime) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		cb := L.CheckFunction(2)
		opts := L.OptTable(3, nil)
		owner, _ := rt.Current()

		if f.bus == nil {
			return pushError(L, "event bus not available")
		}

		handler := func(ctx context.Context, ev event.Event) {
			err := enter(ctx, rt, owner, func(ls *lua.LState) error {
				return ls.CallByParam(lua.P{Fn: cb, NRet: 0, Protect: true}, eventTable(ls, ev))
			})
			if err != nil {
				f.logger.Warn("event callback failed",
					"plugin", owner, "event", ev.Key, "error", err)
			}
		}

		sub, err := f.bus.Subscribe(owner, name, handler)
		if err != nil {
			return pushError(L, err.Error())
		}

		f.mu.Lock()
		f.subs[sub.ID()] = sub
		f.mu.Unlock()

		if opts != nil && lua.LVAsBool(opts.RawGetString("track")) {
			if set := f.resourcesFor(owner); set != nil {
				id := sub.ID()
				set.TrackSubscription(func() { f.dropSubscription(id) })
			} else {
				f.logger.Debug("subscription tracking unavailable",
					"plugin", owner, "event", name)
			}
		}

		return pushSuccess(L, lua.LString(sub.ID()))
	}
}

// eventsEmitFn returns the events_emit host function.
// Args: name (string), optional payload (any Lua value).
// Returns: (event id, nil) or (nil, error string).
//
// Dispatch is synchronous: every matching callback has run by the time this
// returns. Emission from Lua happens inside the caller's execution section,
// so the context is marked and subscriber callbacks re-enter the
// interpreter without re-acquiring the lock.
func (f *Functions) eventsEmitFn(ident Identity) lua.LGFunction {
	return func(L *lua.LState) int {
		name := L.CheckString(1)
		payload := luaToGo(L.Get(2))
		owner, _ := ident.Current()

		if f.bus == nil {
			return pushError(L, "event bus not available")
		}

		ev := f.bus.Emit(markActive(luaContext(L)), owner, name, payload)
		return pushSuccess(L, lua.LString(ev.ID))
	}
}

// eventsOffFn returns the events_off host function.
// Args: subscription id (string).
// Returns: true when a live subscription was cancelled, false otherwise.
func (f *Functions) eventsOffFn() lua.LGFunction {
	return func(L *lua.LState) int {
		id := L.CheckString(1)
		L.Push(lua.LBool(f.dropSubscription(id)))
		return 1
	}
}

// dropSubscription cancels and forgets a subscription by ID. Safe for
// unknown IDs, so tracked cleanup and an explicit events_off can race.
func (f *Functions) dropSubscription(id string) bool {
	f.mu.Lock()
	sub, ok := f.subs[id]
	delete(f.subs, id)
	f.mu.Unlock()
	if !ok {
		return false
	}
	sub.Cancel()
	return true
}

// resourcesFor looks up the owner's resource set, tolerating a missing
// provider.
func (f *Functions) resourcesFor(owner string) *resource.Set {
	if f.resources == nil {
		return nil
	}
	return f.resources.ResourcesFor(owner)
}

// eventTable builds the Lua-side view of a delivered event.
func eventTable(ls *lua.LState, ev event.Event) *lua.LTable {
	tbl := ls.NewTable()
	ls.SetField(tbl, "id", lua.LString(ev.ID))
	ls.SetField(tbl, "owner", lua.LString(ev.Owner))
	ls.SetField(tbl, "name", lua.LString(ev.Name))
	ls.SetField(tbl, "key", lua.LString(ev.Key))
	ls.SetField(tbl, "timestamp", lua.LNumber(ev.Timestamp.UnixMilli()))
	ls.SetField(tbl, "payload", goToLua(ls, ev.Payload))
	return tbl
}
