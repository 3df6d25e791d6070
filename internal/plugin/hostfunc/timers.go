// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package hostfunc

import (
	"time"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"
)

// setTimeoutFn returns the set_timeout host function.
// Args: callback (function), delay in milliseconds (number).
// Returns: (timer id, nil) or (nil, error string).
//
// The callback fires on a timer goroutine and enters the interpreter
// through a fresh execution section. Timers are tracked in the owner's
// resource set and stop when the plugin stops.
func (f *Functions) setTimeoutFn(rt Runtime) lua.LGFunction {
	return func(L *lua.LState) int {
		cb := L.CheckFunction(1)
		ms := L.CheckNumber(2)
		owner, _ := rt.Current()

		set := f.resourcesFor(owner)
		if set == nil {
			return pushError(L, "resource tracking not available for "+owner)
		}

		id := ulid.Make().String()
		timer := set.AfterFunc(durationMS(ms), func() {
			f.dropTimer(id)
			f.fireTimer(rt, owner, cb)
		})

		f.mu.Lock()
		f.timers[id] = timer
		f.mu.Unlock()
		return pushSuccess(L, lua.LString(id))
	}
}

// setIntervalFn returns the set_interval host function.
// Args: callback (function), period in milliseconds (number).
// Returns: (timer id, nil) or (nil, error string).
func (f *Functions) setIntervalFn(rt Runtime) lua.LGFunction {
	return func(L *lua.LState) int {
		cb := L.CheckFunction(1)
		ms := L.CheckNumber(2)
		owner, _ := rt.Current()

		if ms <= 0 {
			return pushError(L, "interval must be positive")
		}

		set := f.resourcesFor(owner)
		if set == nil {
			return pushError(L, "resource tracking not available for "+owner)
		}

		id := ulid.Make().String()
		timer := set.Every(durationMS(ms), func() {
			f.fireTimer(rt, owner, cb)
		})

		f.mu.Lock()
		f.timers[id] = timer
		f.mu.Unlock()
		return pushSuccess(L, lua.LString(id))
	}
}

// clearTimerFn returns the clear_timer host function.
// Args: timer id (string).
// Returns: true when a live timer was stopped, false otherwise.
func (f *Functions) clearTimerFn() lua.LGFunction {
	return func(L *lua.LState) int {
		id := L.CheckString(1)
		L.Push(lua.LBool(f.dropTimer(id)))
		return 1
	}
}

// fireTimer runs a timer callback inside its own execution section.
func (f *Functions) fireTimer(c Caller, owner string, cb *lua.LFunction) {
	err := c.Do(owner, func(ls *lua.LState) error {
		return ls.CallByParam(lua.P{Fn: cb, NRet: 0, Protect: true})
	})
	if err != nil {
		f.logger.Warn("timer callback failed", "plugin", owner, "error", err)
	}
}

// dropTimer stops and forgets a timer by ID. One-shot timers drop
// themselves when they fire, so a later clear_timer finds nothing.
func (f *Functions) dropTimer(id string) bool {
	f.mu.Lock()
	timer, ok := f.timers[id]
	delete(f.timers, id)
	f.mu.Unlock()
	if !ok {
		return false
	}
	timer.Stop()
	return true
}

func durationMS(ms lua.LNumber) time.Duration {
	return time.Duration(float64(ms) * float64(time.Millisecond))
}
