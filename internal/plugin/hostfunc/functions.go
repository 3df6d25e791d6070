// Package hostfunc provides the runtime.* host functions exposed to Lua
// plugins.
//
// Every plugin runs in one shared interpreter, so host functions cannot
// close over a plugin name the way a per-plugin state would allow. They
// resolve the calling plugin through an Identity at call time instead.
package hostfunc

import (
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/event"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/hook"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/logging"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/resource"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/settings"
)

// Identity resolves which plugin the interpreter is currently running code
// for. The owner drives log attribution, settings namespacing, and event
// scoping; the source URL is the module address the plugin was loaded from.
type Identity interface {
	Current() (owner, sourceURL string)
}

// Caller runs Go code against the shared interpreter.
//
// Do enters the interpreter and runs fn inside a new execution section
// attributed to owner. Nested runs fn as part of the execution section that
// is already active; host functions use it to fire plugin callbacks during
// dispatch without re-entering the interpreter lock.
type Caller interface {
	Do(owner string, fn func(ls *lua.LState) error) error
	Nested(owner string, fn func(ls *lua.LState) error) error
}

// Runtime is the interpreter surface host functions call back into.
// *lua.Host implements it.
type Runtime interface {
	Identity
	Caller
}

// ResourceProvider hands out per-plugin resource sets for timer and
// subscription tracking. A nil set means the owner has no tracking, which
// happens while a module's top-level chunk is still executing.
type ResourceProvider interface {
	ResourcesFor(id string) *resource.Set
}

// Option configures Functions.
type Option func(*Functions)

// WithResources sets the resource provider backing timers and tracked
// subscriptions.
func WithResources(rp ResourceProvider) Option {
	return func(f *Functions) {
		f.resources = rp
	}
}

// Functions provides the runtime.* host functions to Lua plugins.
//
// Registration handles (subscriptions, hook attachments, timers) are handed
// to Lua as opaque ULID strings and resolved back through the bookkeeping
// maps below, so plugin code never holds a Go pointer.
type Functions struct {
	logger    *slog.Logger
	settings  *settings.Registry
	bus       *event.Bus
	hooks     *hook.Registry
	resources ResourceProvider

	mu     sync.Mutex
	subs   map[string]*event.Subscription
	regs   map[string]*hook.Registration
	timers map[string]*resource.Timer
}

// New creates host functions over the given registries. Any registry may be
// nil; the functions that need it then return an error to the calling
// plugin instead of failing registration.
func New(logger *slog.Logger, reg *settings.Registry, bus *event.Bus, hooks *hook.Registry, opts ...Option) *Functions {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Functions{
		logger:   logger,
		settings: reg,
		bus:      bus,
		hooks:    hooks,
		subs:     make(map[string]*event.Subscription),
		regs:     make(map[string]*hook.Registration),
		timers:   make(map[string]*resource.Timer),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Register adds the runtime.* host functions to a Lua state.
func (f *Functions) Register(ls *lua.LState, rt Runtime) {
	if rt == nil {
		panic("hostfunc: Register requires a runtime")
	}

	mod := ls.NewTable()

	// Logging
	ls.SetField(mod, "log", ls.NewFunction(f.logFn(rt)))
	ls.SetField(mod, "toast", ls.NewFunction(f.toastFn(rt)))
	ls.SetField(mod, "notify", ls.NewFunction(f.notifyFn(rt)))

	// Identity
	ls.SetField(mod, "source_url", ls.NewFunction(f.sourceURLFn(rt)))
	ls.SetField(mod, "new_id", ls.NewFunction(f.newIDFn()))

	// Settings
	ls.SetField(mod, "settings_register", ls.NewFunction(f.settingsRegisterFn(rt)))
	ls.SetField(mod, "settings_get", ls.NewFunction(f.settingsGetFn(rt)))
	ls.SetField(mod, "settings_set", ls.NewFunction(f.settingsSetFn(rt)))

	// Events
	ls.SetField(mod, "events_on", ls.NewFunction(f.eventsOnFn(rt)))
	ls.SetField(mod, "events_emit", ls.NewFunction(f.eventsEmitFn(rt)))
	ls.SetField(mod, "events_off", ls.NewFunction(f.eventsOffFn()))

	// Hooks
	ls.SetField(mod, "hooks_pre", ls.NewFunction(f.hooksPreFn(rt)))
	ls.SetField(mod, "hooks_post", ls.NewFunction(f.hooksPostFn(rt)))
	ls.SetField(mod, "hooks_void", ls.NewFunction(f.hooksVoidFn(rt)))
	ls.SetField(mod, "hooks_replace", ls.NewFunction(f.hooksReplaceFn(rt)))
	ls.SetField(mod, "hooks_call", ls.NewFunction(f.hooksCallFn()))
	ls.SetField(mod, "hooks_remove", ls.NewFunction(f.hooksRemoveFn()))

	// Timers
	ls.SetField(mod, "set_timeout", ls.NewFunction(f.setTimeoutFn(rt)))
	ls.SetField(mod, "set_interval", ls.NewFunction(f.setIntervalFn(rt)))
	ls.SetField(mod, "clear_timer", ls.NewFunction(f.clearTimerFn()))

	ls.SetGlobal("runtime", mod)
}

func (f *Functions) logFn(ident Identity) lua.LGFunction {
	return func(L *lua.LState) int {
		level := L.CheckString(1)
		message := L.CheckString(2)
		owner, _ := ident.Current()

		logger := f.logger.With("plugin", owner)
		switch level {
		case "debug":
			logger.Debug(message)
		case "info":
			logger.Info(message)
		case "warn":
			logger.Warn(message)
		case "error":
			logger.Error(message)
		default:
			L.RaiseError("unknown log level %q (want debug, info, warn, or error)", level)
		}
		return 0
	}
}

func (f *Functions) toastFn(ident Identity) lua.LGFunction {
	return func(L *lua.LState) int {
		return f.notifyDest(L, ident, logging.DestToast)
	}
}

func (f *Functions) notifyFn(ident Identity) lua.LGFunction {
	return func(L *lua.LState) int {
		return f.notifyDest(L, ident, logging.DestNotification)
	}
}

// notifyDest routes a message to a user-facing destination. The record also
// reaches the base log handler, so toasts and notifications always leave a
// console trail.
func (f *Functions) notifyDest(L *lua.LState, ident Identity, dest string) int {
	message := L.CheckString(1)
	level := L.OptString(2, "info")
	owner, _ := ident.Current()

	logger := f.logger.With("plugin", owner)
	attr := logging.Dest(dest)
	switch level {
	case "info":
		logger.Info(message, attr)
	case "warn":
		logger.Warn(message, attr)
	case "error":
		logger.Error(message, attr)
	default:
		L.RaiseError("unknown level %q (want info, warn, or error)", level)
	}
	return 0
}

func (f *Functions) sourceURLFn(ident Identity) lua.LGFunction {
	return func(L *lua.LState) int {
		_, url := ident.Current()
		L.Push(lua.LString(url))
		return 1
	}
}

func (f *Functions) newIDFn() lua.LGFunction {
	return func(L *lua.LState) int {
		id := ulid.Make()
		L.Push(lua.LString(id.String()))
		return 1
	}
}
