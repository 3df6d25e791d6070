// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package lua

import (
	"context"
	"log/slog"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/plugin/hostfunc"
	pluginsdk "github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/plugin"
)

// Compile-time interface check.
var _ hostfunc.Runtime = (*Host)(nil)

// Host executes plugin modules in one shared, sandboxed interpreter.
//
// A single state serves every plugin, so module globals are a shared
// namespace: that is what lets library modules contribute helper code to
// the plugins loaded after them. Exclusive access is enforced through
// execution sections: Do enters the interpreter and attributes everything
// that runs to one owner, Nested runs callback code inside the section
// that is already open. Host functions resolve the acting plugin through
// the section stack, never through state captured at registration.
type Host struct {
	logger *slog.Logger
	funcs  *hostfunc.Functions

	mu sync.Mutex // interpreter lock: one section at a time
	ls *lua.LState

	stateMu sync.Mutex
	frames  []frame           // identity stack of the open section
	sources map[string]string // owner id -> module URL
	closed  bool
}

// frame attributes interpreter work to a plugin.
type frame struct {
	owner string
	url   string
}

// NewHost creates the shared interpreter and installs the runtime.* host
// functions. Panics if funcs is nil; the host is useless without its API
// surface.
func NewHost(funcs *hostfunc.Functions, logger *slog.Logger) (*Host, error) {
	if funcs == nil {
		panic("lua.NewHost: host functions cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	ls, err := newSandboxedState()
	if err != nil {
		return nil, oops.In("lua").Wrapf(err, "create interpreter")
	}
	h := &Host{
		logger:  logger.With("component", "lua"),
		funcs:   funcs,
		ls:      ls,
		sources: make(map[string]string),
	}
	funcs.Register(ls, h)
	return h, nil
}

// Current returns the owner and module URL of the innermost open
// execution section. Outside any section both are empty; host functions
// only call this while a section is open.
func (h *Host) Current() (owner, sourceURL string) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if n := len(h.frames); n > 0 {
		f := h.frames[n-1]
		return f.owner, f.url
	}
	return "", ""
}

// Do enters the interpreter and runs fn inside a new execution section
// attributed to owner. Sections serialize: a Do issued while another
// section is open waits its turn.
func (h *Host) Do(owner string, fn func(ls *lua.LState) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stateMu.Lock()
	if h.closed {
		h.stateMu.Unlock()
		return oops.In("lua").With("owner", owner).New("interpreter is closed")
	}
	h.stateMu.Unlock()

	return h.Nested(owner, fn)
}

// Nested runs fn as part of the section that is already open. Host
// functions use it to fire plugin callbacks during dispatch without
// re-entering the interpreter lock.
func (h *Host) Nested(owner string, fn func(ls *lua.LState) error) error {
	h.push(owner)
	defer h.pop()
	return fn(h.ls)
}

func (h *Host) push(owner string) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	h.frames = append(h.frames, frame{owner: owner, url: h.sources[owner]})
}

func (h *Host) pop() {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	h.frames = h.frames[:len(h.frames)-1]
}

// Execute runs fetched module source. The chunk executes attributed to
// the id derived from url, so settings and subscriptions registered at
// the top level already land under the right owner, and
// runtime.source_url() answers with url before the module has declared
// anything.
//
// The chunk's return value is the factory contract: a table with
// metadata fields and lifecycle functions produces a plugin, nil means
// the module only contributed library code. Anything else is a load
// failure.
func (h *Host) Execute(ctx context.Context, url, source string) (pluginsdk.Plugin, error) {
	owner := pluginsdk.DeriveID(url)
	errb := oops.In("lua").
		Code("load_failure").
		With("url", url)

	h.bindSource(owner, url)

	var factory *lua.LTable
	err := h.Do(owner, func(ls *lua.LState) error {
		ls.SetContext(ctx)
		defer ls.SetContext(nil)

		chunk, err := ls.LoadString(source)
		if err != nil {
			return errb.Wrapf(err, "compile module")
		}
		base := ls.GetTop()
		ls.Push(chunk)
		if err := ls.PCall(0, lua.MultRet, nil); err != nil {
			return errb.Wrapf(err, "execute module")
		}

		// First return value only; extra values are ignored.
		var ret lua.LValue = lua.LNil
		if ls.GetTop() > base {
			ret = ls.Get(base + 1)
		}
		ls.SetTop(base)

		switch v := ret.(type) {
		case *lua.LNilType:
			return nil
		case *lua.LTable:
			factory = v
			return nil
		default:
			return errb.With("returned", ret.Type().String()).
				New("module must return a plugin table or nil")
		}
	})
	if err != nil {
		return nil, err
	}
	if factory == nil {
		h.logger.Debug("module returned no factory, treating as library", "url", url)
		return nil, nil
	}

	p, err := h.wrap(owner, url, factory)
	if err != nil {
		return nil, err
	}
	h.bindSource(p.meta.ID, url)
	return p, nil
}

// bindSource records which URL an owner id executes from, so later
// sections for that owner report the right source.
func (h *Host) bindSource(owner, url string) {
	if owner == "" {
		return
	}
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	h.sources[owner] = url
}

// wrap builds a plugin from a factory table. Called inside no section;
// the table is only read here, never retained beyond the callbacks.
func (h *Host) wrap(owner, url string, factory *lua.LTable) (*modulePlugin, error) {
	meta := pluginsdk.Metadata{
		ID:          tableString(factory, "id"),
		Name:        tableString(factory, "name"),
		Description: tableString(factory, "description"),
		Author:      tableString(factory, "author"),
		Version:     tableString(factory, "version"),
		Build:       tableString(factory, "build"),
		APIRequire:  tableString(factory, "api_require"),
		SourceURL:   url,
	}
	if deps := factory.RawGetString("dependencies"); deps != lua.LNil {
		tbl, ok := deps.(*lua.LTable)
		if !ok {
			return nil, oops.In("lua").
				Code("load_failure").
				With("url", url).
				New("dependencies must be an array of URLs")
		}
		tbl.ForEach(func(_, v lua.LValue) {
			meta.Dependencies = append(meta.Dependencies, v.String())
		})
	}
	if meta.ID == "" {
		meta.ID = owner
	}

	p := &modulePlugin{host: h, meta: meta, callbacks: make(map[string]*lua.LFunction, 4)}
	for _, name := range []string{"load", "start", "on_login", "stop"} {
		v := factory.RawGetString(name)
		if v == lua.LNil {
			continue
		}
		fn, ok := v.(*lua.LFunction)
		if !ok {
			return nil, oops.In("lua").
				Code("load_failure").
				With("url", url).
				With("field", name).
				New("lifecycle field must be a function")
		}
		p.callbacks[name] = fn
	}
	return p, nil
}

// Close shuts the interpreter down. Callbacks arriving afterwards fail
// with a closed-interpreter error instead of touching a dead state.
func (h *Host) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	h.ls.Close()
}

func tableString(tbl *lua.LTable, field string) string {
	v := tbl.RawGetString(field)
	if v == lua.LNil {
		return ""
	}
	return v.String()
}

// modulePlugin adapts a factory table to the plugin contract. Lifecycle
// methods open a fresh execution section per call; the manager never
// calls them from inside plugin code.
type modulePlugin struct {
	host      *Host
	meta      pluginsdk.Metadata
	callbacks map[string]*lua.LFunction
}

func (p *modulePlugin) Metadata() *pluginsdk.Metadata { return &p.meta }

func (p *modulePlugin) Load(ctx context.Context) error {
	return p.call(ctx, "load")
}

func (p *modulePlugin) Start(ctx context.Context) error {
	return p.call(ctx, "start")
}

func (p *modulePlugin) OnLogin(ctx context.Context, user pluginsdk.User) error {
	return p.call(ctx, "on_login", func(ls *lua.LState) lua.LValue {
		t := ls.NewTable()
		ls.SetField(t, "id", lua.LString(user.ID))
		ls.SetField(t, "display_name", lua.LString(user.DisplayName))
		return t
	})
}

func (p *modulePlugin) Stop(ctx context.Context) error {
	return p.call(ctx, "stop")
}

// call invokes one lifecycle callback. A missing callback is a no-op:
// most plugins only implement the subset they need.
func (p *modulePlugin) call(ctx context.Context, name string, args ...func(ls *lua.LState) lua.LValue) error {
	cb, ok := p.callbacks[name]
	if !ok {
		return nil
	}
	return p.host.Do(p.meta.ID, func(ls *lua.LState) error {
		ls.SetContext(ctx)
		defer ls.SetContext(nil)

		callArgs := make([]lua.LValue, 0, len(args))
		for _, build := range args {
			callArgs = append(callArgs, build(ls))
		}
		if err := ls.CallByParam(lua.P{Fn: cb, NRet: 0, Protect: true}, callArgs...); err != nil {
			return oops.In("lua").
				Code("lifecycle_error").
				With("plugin", p.meta.ID).
				With("callback", name).
				Wrap(err)
		}
		return nil
	})
}
