// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package hostfunc_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	lua "github.com/yuin/gopher-lua"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/resource"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/settings"
)

// fakeRuntime drives host functions against a test-owned state. Do
// serializes sections with a mutex the way the real interpreter host does;
// Nested runs inline. Every completed Do signals done so tests can wait for
// callbacks that fire on timer goroutines.
type fakeRuntime struct {
	mu    sync.Mutex
	ls    *lua.LState
	owner string
	url   string
	done  chan struct{}
}

func newFakeRuntime(ls *lua.LState, owner string) *fakeRuntime {
	return &fakeRuntime{ls: ls, owner: owner, done: make(chan struct{}, 16)}
}

func (r *fakeRuntime) Current() (string, string) { return r.owner, r.url }

func (r *fakeRuntime) Do(_ string, fn func(*lua.LState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := fn(r.ls)
	select {
	case r.done <- struct{}{}:
	default:
	}
	return err
}

func (r *fakeRuntime) Nested(_ string, fn func(*lua.LState) error) error {
	return fn(r.ls)
}

func newState(t *testing.T) *lua.LState {
	t.Helper()
	L := lua.NewState()
	t.Cleanup(L.Close)
	return L
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSettings(t *testing.T) *settings.Registry {
	t.Helper()
	store := settings.NewFileStore(filepath.Join(t.TempDir(), "config.json"))
	reg := settings.NewRegistry(store, discardLogger())
	t.Cleanup(reg.Close)
	return reg
}

// fakeResources maps plugin IDs to resource sets, the way the plugin
// manager does for registered plugins.
type fakeResources struct {
	mu   sync.Mutex
	sets map[string]*resource.Set
}

func newFakeResources() *fakeResources {
	return &fakeResources{sets: make(map[string]*resource.Set)}
}

func (p *fakeResources) add(t *testing.T, owner string) *resource.Set {
	t.Helper()
	set := resource.NewSet(owner, discardLogger())
	t.Cleanup(func() { set.Cleanup() })
	p.mu.Lock()
	p.sets[owner] = set
	p.mu.Unlock()
	return set
}

func (p *fakeResources) ResourcesFor(id string) *resource.Set {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sets[id]
}

// captureSink records notifications for one destination.
type captureSink struct {
	name string

	mu     sync.Mutex
	levels []slog.Level
	msgs   []string
	attrs  []map[string]any
}

func (s *captureSink) Name() string { return s.name }

func (s *captureSink) Notify(_ context.Context, level slog.Level, message string, attrs map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.levels = append(s.levels, level)
	s.msgs = append(s.msgs, message)
	s.attrs = append(s.attrs, attrs)
}

func (s *captureSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.msgs...)
}

func (s *captureSink) levelAt(i int) slog.Level {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.levels[i]
}

func (s *captureSink) attrAt(i int) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attrs[i]
}
