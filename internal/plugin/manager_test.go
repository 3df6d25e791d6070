// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package plugin_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/loader"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/plugin"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/settings"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/errutil"
	pluginsdk "github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/plugin"
)

// callLog records lifecycle calls across plugins in order.
type callLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, s)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.entries))
	copy(out, l.entries)
	return out
}

// spyPlugin records its lifecycle calls and can be scripted to fail or
// panic at any step.
type spyPlugin struct {
	pluginsdk.Base
	log      *callLog
	loadErr  error
	startErr error
	stopErr  error
	panicOn  string

	mu      sync.Mutex
	user    pluginsdk.User
	gotUser bool
}

func newSpy(id, url string, log *callLog) *spyPlugin {
	return &spyPlugin{
		Base: pluginsdk.Base{Meta: pluginsdk.Metadata{
			ID:        id,
			Version:   "1.0.0",
			SourceURL: url,
		}},
		log: log,
	}
}

func (p *spyPlugin) step(op string) {
	p.log.add(p.Meta.ID + ":" + op)
	if p.panicOn == op {
		panic("scripted panic in " + op)
	}
}

func (p *spyPlugin) Load(context.Context) error {
	p.step("load")
	return p.loadErr
}

func (p *spyPlugin) Start(context.Context) error {
	p.step("start")
	return p.startErr
}

func (p *spyPlugin) OnLogin(_ context.Context, user pluginsdk.User) error {
	p.step("on_login")
	p.mu.Lock()
	p.user = user
	p.gotUser = true
	p.mu.Unlock()
	return nil
}

func (p *spyPlugin) Stop(context.Context) error {
	p.step("stop")
	return p.stopErr
}

func (p *spyPlugin) loginUser() (pluginsdk.User, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.user, p.gotUser
}

// moduleScript is one URL's scripted outcome.
type moduleScript struct {
	plugin pluginsdk.Plugin // nil means library module
	err    error
}

// fakeLoader mimics the loader contract: one execution per URL, failures
// stick for the session until Unload.
type fakeLoader struct {
	mu      sync.Mutex
	modules map[string]moduleScript
	loaded  map[string]bool
	failed  map[string]error
	fetches map[string]int
}

func newFakeLoader() *fakeLoader {
	return &fakeLoader{
		modules: make(map[string]moduleScript),
		loaded:  make(map[string]bool),
		failed:  make(map[string]error),
		fetches: make(map[string]int),
	}
}

func (f *fakeLoader) serve(url string, p pluginsdk.Plugin) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modules[url] = moduleScript{plugin: p}
}

func (f *fakeLoader) serveLibrary(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modules[url] = moduleScript{}
}

func (f *fakeLoader) serveError(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.modules[url] = moduleScript{err: err}
}

func (f *fakeLoader) fetchCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[url]
}

func (f *fakeLoader) Load(_ context.Context, url string) (*loader.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.loaded[url] {
		return &loader.Result{URL: url, AlreadyLoaded: true}, nil
	}
	if err, ok := f.failed[url]; ok {
		return nil, err
	}

	f.fetches[url]++
	script, ok := f.modules[url]
	if !ok {
		err := errors.New("module not scripted: " + url)
		f.failed[url] = err
		return nil, err
	}
	if script.err != nil {
		f.failed[url] = script.err
		return nil, script.err
	}
	f.loaded[url] = true
	return &loader.Result{URL: url, Plugin: script.plugin}, nil
}

func (f *fakeLoader) Unload(url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.loaded, url)
	delete(f.failed, url)
}

func (f *fakeLoader) IsLoaded(url string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded[url]
}

func (f *fakeLoader) Loaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.loaded))
	for url := range f.loaded {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

func (f *fakeLoader) Failed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.failed))
	for url := range f.failed {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}

var _ plugin.Loader = (*fakeLoader)(nil)

func newTestManager(t *testing.T, ld plugin.Loader, opts ...plugin.ManagerOption) (*plugin.Manager, *settings.Registry) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := settings.NewFileStore(filepath.Join(t.TempDir(), "config.json"))
	reg := settings.NewRegistry(store, logger)
	t.Cleanup(reg.Close)
	return plugin.NewManager(ld, reg, logger, opts...), reg
}

func TestManagerRegister(t *testing.T) {
	m, _ := newTestManager(t, newFakeLoader())

	spy := newSpy("sample", "https://plugins.example.com/sample.lua", &callLog{})
	inst, err := m.Register(spy)
	require.NoError(t, err)

	assert.Equal(t, "sample", inst.ID())
	assert.True(t, inst.Enabled())
	assert.False(t, inst.Loaded())
	assert.False(t, inst.Started())

	got, ok := m.Plugin("sample")
	require.True(t, ok)
	assert.Same(t, inst, got)

	s := inst.Summary()
	assert.Equal(t, "sample", s.ID)
	assert.Equal(t, "sample", s.Name) // normalized from the id
	assert.Equal(t, "1.0.0", s.Version)
	assert.Equal(t, "https://plugins.example.com/sample.lua", s.SourceURL)
}

func TestManagerRegister_DuplicateKeepsFirst(t *testing.T) {
	m, _ := newTestManager(t, newFakeLoader())
	log := &callLog{}

	first, err := m.Register(newSpy("sample", "", log))
	require.NoError(t, err)

	_, err = m.Register(newSpy("sample", "", log))
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "duplicate_registration")

	got, ok := m.Plugin("sample")
	require.True(t, ok)
	assert.Same(t, first, got)
	assert.Len(t, m.Instances(), 1)
}

func TestManagerRegister_InvalidMetadata(t *testing.T) {
	m, _ := newTestManager(t, newFakeLoader())

	bad := &pluginsdk.Base{Meta: pluginsdk.Metadata{ID: "Not Valid!"}}
	_, err := m.Register(bad)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "lifecycle_error")
}

func TestManagerRegister_ObserverSeesTransitions(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	observer := func(id, transition string) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, id+":"+transition)
	}

	m, _ := newTestManager(t, newFakeLoader(), plugin.WithLifecycleObserver(observer))
	log := &callLog{}
	_, err := m.Register(newSpy("sample", "", log))
	require.NoError(t, err)
	require.NoError(t, m.Enable(context.Background(), "sample"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"sample:registered", "sample:loaded", "sample:started"}, transitions)
}

func TestManagerColdStart(t *testing.T) {
	const (
		libURL = "https://plugins.example.com/lib/base.lua"
		aURL   = "https://plugins.example.com/a.lua"
		bURL   = "https://plugins.example.com/b.lua"
	)
	log := &callLog{}
	ld := newFakeLoader()
	ld.serveLibrary(libURL)
	ld.serve(aURL, newSpy("a", aURL, log))
	ld.serve(bURL, newSpy("b", bURL, log))

	catalog := &plugin.Catalog{Plugins: []plugin.Entry{
		{URL: libURL, Enabled: true, Library: true},
		{URL: aURL, Enabled: true},
		{URL: bURL, Enabled: false},
	}}
	m, reg := newTestManager(t, ld, plugin.WithCatalog(catalog))

	require.NoError(t, m.LoadAll(context.Background()))

	// Library executed, disabled module never fetched.
	assert.Equal(t, 1, ld.fetchCount(libURL))
	assert.True(t, m.IsLibrary(libURL))
	assert.Equal(t, 1, ld.fetchCount(aURL))
	assert.Equal(t, 0, ld.fetchCount(bURL))

	inst, ok := m.Plugin("a")
	require.True(t, ok)
	assert.True(t, inst.Loaded())
	assert.True(t, inst.Started())
	assert.Equal(t, []string{"a:load", "a:start"}, log.snapshot())

	// Merged enablement persisted for every catalog entry.
	enabled, known := reg.PluginEnabled(aURL)
	assert.True(t, known)
	assert.True(t, enabled)
	enabled, known = reg.PluginEnabled(bURL)
	assert.True(t, known)
	assert.False(t, enabled)
}

func TestManagerColdStart_PersistedChoiceWins(t *testing.T) {
	const url = "https://plugins.example.com/b.lua"
	log := &callLog{}
	ld := newFakeLoader()
	ld.serve(url, newSpy("b", url, log))

	catalog := &plugin.Catalog{Plugins: []plugin.Entry{
		{URL: url, Enabled: false},
	}}
	m, reg := newTestManager(t, ld, plugin.WithCatalog(catalog))

	// The user enabled it in an earlier session.
	reg.SetPluginEnabled(url, true)

	require.NoError(t, m.LoadAll(context.Background()))

	inst, ok := m.Plugin("b")
	require.True(t, ok)
	assert.True(t, inst.Started())
}

func TestManagerColdStart_PersistedExtraURLLoads(t *testing.T) {
	const url = "https://plugins.example.com/added-last-session.lua"
	log := &callLog{}
	ld := newFakeLoader()
	ld.serve(url, newSpy("added", url, log))

	m, reg := newTestManager(t, ld, plugin.WithCatalog(&plugin.Catalog{}))
	reg.SetPluginEnabled(url, true)

	require.NoError(t, m.LoadAll(context.Background()))

	_, ok := m.Plugin("added")
	assert.True(t, ok)
	assert.Equal(t, 1, ld.fetchCount(url))
}

func TestManagerColdStart_FetchFailureIsIsolated(t *testing.T) {
	const (
		okURL  = "https://plugins.example.com/ok.lua"
		badURL = "https://plugins.example.com/bad.lua"
	)
	log := &callLog{}
	ld := newFakeLoader()
	ld.serve(okURL, newSpy("ok", okURL, log))
	ld.serveError(badURL, errors.New("http 500"))

	catalog := &plugin.Catalog{Plugins: []plugin.Entry{
		{URL: badURL, Enabled: true},
		{URL: okURL, Enabled: true},
	}}
	m, _ := newTestManager(t, ld, plugin.WithCatalog(catalog))

	require.NoError(t, m.LoadAll(context.Background()))

	inst, ok := m.Plugin("ok")
	require.True(t, ok)
	assert.True(t, inst.Started())

	report := m.PluginList()
	assert.Equal(t, []string{okURL}, report.Loaded)
	assert.Equal(t, []string{badURL}, report.Failed)
	require.Len(t, report.Plugins, 1)
	assert.Equal(t, "ok", report.Plugins[0].ID)
}

func TestManagerColdStart_LoadErrorSkipsStart(t *testing.T) {
	const (
		brokenURL = "https://plugins.example.com/broken.lua"
		okURL     = "https://plugins.example.com/ok.lua"
	)
	log := &callLog{}
	broken := newSpy("broken", brokenURL, log)
	broken.loadErr = errors.New("missing table")
	ld := newFakeLoader()
	ld.serve(brokenURL, broken)
	ld.serve(okURL, newSpy("ok", okURL, log))

	catalog := &plugin.Catalog{Plugins: []plugin.Entry{
		{URL: brokenURL, Enabled: true},
		{URL: okURL, Enabled: true},
	}}
	m, _ := newTestManager(t, ld, plugin.WithCatalog(catalog))

	require.NoError(t, m.LoadAll(context.Background()))

	inst, _ := m.Plugin("broken")
	assert.False(t, inst.Loaded())
	assert.False(t, inst.Started())
	require.Error(t, inst.Err())
	errutil.AssertErrorCode(t, inst.Err(), "lifecycle_error")
	assert.NotEmpty(t, inst.Summary().Error)

	other, _ := m.Plugin("ok")
	assert.True(t, other.Started())

	// The broken plugin was never started.
	assert.Equal(t, []string{"broken:load", "ok:load", "ok:start"}, log.snapshot())
}

func TestManagerColdStart_PanicIsIsolated(t *testing.T) {
	const (
		panicURL = "https://plugins.example.com/panics.lua"
		okURL    = "https://plugins.example.com/ok.lua"
	)
	log := &callLog{}
	panicky := newSpy("panics", panicURL, log)
	panicky.panicOn = "start"
	ld := newFakeLoader()
	ld.serve(panicURL, panicky)
	ld.serve(okURL, newSpy("ok", okURL, log))

	catalog := &plugin.Catalog{Plugins: []plugin.Entry{
		{URL: panicURL, Enabled: true},
		{URL: okURL, Enabled: true},
	}}
	m, _ := newTestManager(t, ld, plugin.WithCatalog(catalog))

	require.NoError(t, m.LoadAll(context.Background()))

	inst, _ := m.Plugin("panics")
	assert.True(t, inst.Loaded())
	assert.False(t, inst.Started())
	require.Error(t, inst.Err())

	other, _ := m.Plugin("ok")
	assert.True(t, other.Started())
}

func TestManagerDisableStopsAndSweeps(t *testing.T) {
	const url = "https://plugins.example.com/sample.lua"
	log := &callLog{}
	ld := newFakeLoader()
	ld.serve(url, newSpy("sample", url, log))
	catalog := &plugin.Catalog{Plugins: []plugin.Entry{{URL: url, Enabled: true}}}
	m, reg := newTestManager(t, ld, plugin.WithCatalog(catalog))
	require.NoError(t, m.LoadAll(context.Background()))

	inst, _ := m.Plugin("sample")
	inst.Resources().AfterFunc(time.Hour, func() {})
	require.Equal(t, 1, inst.Resources().Stats().Timers)

	require.NoError(t, m.Disable(context.Background(), "sample"))

	assert.False(t, inst.Enabled())
	assert.False(t, inst.Started())
	assert.True(t, inst.Loaded(), "disable keeps the code loaded")
	assert.Equal(t, 0, inst.Resources().Stats().Timers)

	enabled, known := reg.PluginEnabled(url)
	assert.True(t, known)
	assert.False(t, enabled)
}

func TestManagerEnableRestartsWithoutRefetch(t *testing.T) {
	const url = "https://plugins.example.com/sample.lua"
	log := &callLog{}
	ld := newFakeLoader()
	ld.serve(url, newSpy("sample", url, log))
	catalog := &plugin.Catalog{Plugins: []plugin.Entry{{URL: url, Enabled: true}}}
	m, reg := newTestManager(t, ld, plugin.WithCatalog(catalog))
	require.NoError(t, m.LoadAll(context.Background()))

	require.NoError(t, m.Disable(context.Background(), "sample"))
	require.NoError(t, m.Enable(context.Background(), "sample"))

	inst, _ := m.Plugin("sample")
	assert.True(t, inst.Started())
	assert.Equal(t, 1, ld.fetchCount(url), "enable must not refetch")

	// load ran once, start twice.
	assert.Equal(t, []string{"sample:load", "sample:start", "sample:stop", "sample:start"}, log.snapshot())

	enabled, _ := reg.PluginEnabled(url)
	assert.True(t, enabled)
}

func TestManagerEnable_UnknownPlugin(t *testing.T) {
	m, _ := newTestManager(t, newFakeLoader())
	err := m.Enable(context.Background(), "ghost")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "lifecycle_error")
}

func TestManagerStopAll_ReverseOrder(t *testing.T) {
	log := &callLog{}
	m, _ := newTestManager(t, newFakeLoader())

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Register(newSpy(id, "", log))
		require.NoError(t, err)
		require.NoError(t, m.Enable(context.Background(), id))
	}

	m.StopAll(context.Background())

	entries := log.snapshot()
	require.Len(t, entries, 9) // 3 loads, 3 starts, 3 stops
	assert.Equal(t, []string{"c:stop", "b:stop", "a:stop"}, entries[6:])
}

func TestManagerAddPlugin(t *testing.T) {
	const url = "https://plugins.example.com/new.lua"
	log := &callLog{}
	ld := newFakeLoader()
	ld.serve(url, newSpy("new", url, log))
	m, reg := newTestManager(t, ld)

	res := m.AddPlugin(context.Background(), url)
	require.True(t, res.Success, res.Message)
	assert.Contains(t, res.Message, "new")

	inst, ok := m.Plugin("new")
	require.True(t, ok)
	assert.True(t, inst.Started())

	enabled, known := reg.PluginEnabled(url)
	assert.True(t, known)
	assert.True(t, enabled)
}

func TestManagerAddPlugin_Library(t *testing.T) {
	const url = "https://plugins.example.com/lib.lua"
	ld := newFakeLoader()
	ld.serveLibrary(url)
	m, _ := newTestManager(t, ld)

	res := m.AddPlugin(context.Background(), url)
	require.True(t, res.Success)
	assert.Contains(t, res.Message, "library module")
	assert.True(t, m.IsLibrary(url))
	assert.Empty(t, m.Instances())
}

func TestManagerAddPlugin_FetchFailure(t *testing.T) {
	const url = "https://plugins.example.com/missing.lua"
	ld := newFakeLoader()
	ld.serveError(url, errors.New("http 404"))
	m, _ := newTestManager(t, ld)

	res := m.AddPlugin(context.Background(), url)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, url)
	assert.Equal(t, []string{url}, m.PluginList().Failed)
}

func TestManagerAddPlugin_AlreadyLoaded(t *testing.T) {
	const url = "https://plugins.example.com/new.lua"
	log := &callLog{}
	ld := newFakeLoader()
	ld.serve(url, newSpy("new", url, log))
	m, _ := newTestManager(t, ld)

	require.True(t, m.AddPlugin(context.Background(), url).Success)
	res := m.AddPlugin(context.Background(), url)
	require.True(t, res.Success)
	assert.Contains(t, res.Message, "already loaded")
	assert.Len(t, m.Instances(), 1)
}

func TestManagerAddPlugin_StartFailure(t *testing.T) {
	const url = "https://plugins.example.com/flaky.lua"
	log := &callLog{}
	flaky := newSpy("flaky", url, log)
	flaky.startErr = errors.New("no connection")
	ld := newFakeLoader()
	ld.serve(url, flaky)
	m, _ := newTestManager(t, ld)

	res := m.AddPlugin(context.Background(), url)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "not running")

	// Registered and loaded all the same; only start failed.
	inst, ok := m.Plugin("flaky")
	require.True(t, ok)
	assert.True(t, inst.Loaded())
	assert.False(t, inst.Started())
}

func TestManagerRemovePlugin(t *testing.T) {
	const url = "https://plugins.example.com/old.lua"
	log := &callLog{}
	ld := newFakeLoader()
	ld.serve(url, newSpy("old", url, log))
	m, reg := newTestManager(t, ld)
	require.True(t, m.AddPlugin(context.Background(), url).Success)

	inst, _ := m.Plugin("old")
	inst.Resources().AfterFunc(time.Hour, func() {})

	res := m.RemovePlugin(context.Background(), url)
	require.True(t, res.Success, res.Message)

	_, ok := m.Plugin("old")
	assert.False(t, ok)
	assert.False(t, ld.IsLoaded(url))
	assert.Equal(t, 0, inst.Resources().Stats().Timers)
	assert.Contains(t, log.snapshot(), "old:stop")

	_, known := reg.PluginEnabled(url)
	assert.False(t, known, "enablement record cleared")
}

func TestManagerRemovePlugin_UnknownURL(t *testing.T) {
	m, _ := newTestManager(t, newFakeLoader())
	res := m.RemovePlugin(context.Background(), "https://plugins.example.com/ghost.lua")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "no plugin loaded")
}

func TestManagerRemovePlugin_Library(t *testing.T) {
	const url = "https://plugins.example.com/lib.lua"
	ld := newFakeLoader()
	ld.serveLibrary(url)
	m, _ := newTestManager(t, ld)
	require.True(t, m.AddPlugin(context.Background(), url).Success)

	res := m.RemovePlugin(context.Background(), url)
	require.True(t, res.Success)
	assert.Contains(t, res.Message, "module unloaded")
	assert.False(t, m.IsLibrary(url))
}

func TestManagerReloadPlugin(t *testing.T) {
	const url = "https://plugins.example.com/sample.lua"
	log := &callLog{}
	ld := newFakeLoader()
	ld.serve(url, newSpy("sample", url, log))
	m, _ := newTestManager(t, ld)
	require.True(t, m.AddPlugin(context.Background(), url).Success)

	res := m.ReloadPlugin(context.Background(), url)
	require.True(t, res.Success, res.Message)

	assert.Equal(t, 2, ld.fetchCount(url), "reload must refetch")
	inst, ok := m.Plugin("sample")
	require.True(t, ok)
	assert.True(t, inst.Started())

	assert.Equal(t, []string{
		"sample:load", "sample:start",
		"sample:stop",
		"sample:load", "sample:start",
	}, log.snapshot())
}

func TestManagerReloadPlugin_ClearsFailureMark(t *testing.T) {
	const url = "https://plugins.example.com/flaky.lua"
	log := &callLog{}
	ld := newFakeLoader()
	ld.serveError(url, errors.New("http 500"))
	m, _ := newTestManager(t, ld)

	require.False(t, m.AddPlugin(context.Background(), url).Success)

	// The server recovered; reload retries the fetch.
	ld.serve(url, newSpy("flaky", url, log))
	res := m.ReloadPlugin(context.Background(), url)
	require.True(t, res.Success, res.Message)
	assert.Empty(t, m.PluginList().Failed)
}

func TestManagerReloadAll_SkipsLibraries(t *testing.T) {
	const (
		libURL = "https://plugins.example.com/lib.lua"
		aURL   = "https://plugins.example.com/a.lua"
		bURL   = "https://plugins.example.com/b.lua"
	)
	log := &callLog{}
	ld := newFakeLoader()
	ld.serveLibrary(libURL)
	ld.serve(aURL, newSpy("a", aURL, log))
	ld.serve(bURL, newSpy("b", bURL, log))
	m, _ := newTestManager(t, ld)

	for _, url := range []string{libURL, aURL, bURL} {
		require.True(t, m.AddPlugin(context.Background(), url).Success)
	}

	results := m.ReloadAll(context.Background())

	require.Len(t, results, 2)
	assert.True(t, results[aURL].Success)
	assert.True(t, results[bURL].Success)
	assert.NotContains(t, results, libURL)
	assert.Equal(t, 1, ld.fetchCount(libURL), "library modules are not reloaded")
	assert.Equal(t, 2, ld.fetchCount(aURL))
}

func TestManagerReloadAll_ContinuesPastFailures(t *testing.T) {
	const (
		okURL  = "https://plugins.example.com/ok.lua"
		badURL = "https://plugins.example.com/bad.lua"
	)
	log := &callLog{}
	ld := newFakeLoader()
	ld.serve(okURL, newSpy("ok", okURL, log))
	ld.serve(badURL, newSpy("bad", badURL, log))
	m, _ := newTestManager(t, ld)
	require.True(t, m.AddPlugin(context.Background(), okURL).Success)
	require.True(t, m.AddPlugin(context.Background(), badURL).Success)

	// The second fetch of badURL fails.
	ld.serveError(badURL, errors.New("http 502"))

	results := m.ReloadAll(context.Background())
	require.Len(t, results, 2)
	assert.True(t, results[okURL].Success)
	assert.False(t, results[badURL].Success)

	inst, ok := m.Plugin("ok")
	require.True(t, ok)
	assert.True(t, inst.Started())
}

func TestManagerTriggerLogin_OncePerSession(t *testing.T) {
	log := &callLog{}
	m, _ := newTestManager(t, newFakeLoader())

	running := newSpy("running", "", log)
	stopped := newSpy("stopped", "", log)
	for _, p := range []*spyPlugin{running, stopped} {
		_, err := m.Register(p)
		require.NoError(t, err)
		require.NoError(t, m.Enable(context.Background(), p.Meta.ID))
	}
	require.NoError(t, m.Disable(context.Background(), "stopped"))

	user := pluginsdk.User{ID: "usr_1", DisplayName: "Anna"}
	m.TriggerLogin(context.Background(), user)

	got, ok := running.loginUser()
	require.True(t, ok)
	assert.Equal(t, user, got)

	_, ok = stopped.loginUser()
	assert.False(t, ok, "stopped plugins do not see the login")

	// A second trigger is ignored.
	m.TriggerLogin(context.Background(), pluginsdk.User{ID: "usr_2"})
	got, _ = running.loginUser()
	assert.Equal(t, "usr_1", got.ID)
}

func TestManagerTriggerLogin_LateStartGetsCachedLogin(t *testing.T) {
	log := &callLog{}
	m, _ := newTestManager(t, newFakeLoader())

	user := pluginsdk.User{ID: "usr_1", DisplayName: "Anna"}
	m.TriggerLogin(context.Background(), user)

	// Enabled after the session login: on_login arrives right after start.
	late := newSpy("late", "", log)
	_, err := m.Register(late)
	require.NoError(t, err)
	require.NoError(t, m.Enable(context.Background(), "late"))

	got, ok := late.loginUser()
	require.True(t, ok, "late-started plugin should see the cached login")
	assert.Equal(t, user, got)
	assert.Equal(t, []string{"late:load", "late:start", "late:on_login"}, log.snapshot())
}

func TestManagerOnLogin_FlushAndLateRegistration(t *testing.T) {
	m, _ := newTestManager(t, newFakeLoader())

	var mu sync.Mutex
	var seen []string
	record := func(tag string) func(pluginsdk.User) {
		return func(u pluginsdk.User) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, tag+":"+u.ID)
		}
	}

	m.OnLogin(record("early"))
	m.TriggerLogin(context.Background(), pluginsdk.User{ID: "usr_1"})

	// Late registration fires immediately with the cached user.
	m.OnLogin(record("late"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"early:usr_1", "late:usr_1"}, seen)
}

func TestManagerOnLogin_PanicIsolated(t *testing.T) {
	m, _ := newTestManager(t, newFakeLoader())

	var called bool
	m.OnLogin(func(pluginsdk.User) { panic("bad callback") })
	m.OnLogin(func(pluginsdk.User) { called = true })

	m.TriggerLogin(context.Background(), pluginsdk.User{ID: "usr_1"})
	assert.True(t, called, "second callback runs despite the first panicking")
}

func TestManagerUser(t *testing.T) {
	m, _ := newTestManager(t, newFakeLoader())

	_, ok := m.User()
	assert.False(t, ok)

	m.TriggerLogin(context.Background(), pluginsdk.User{ID: "usr_1"})
	user, ok := m.User()
	require.True(t, ok)
	assert.Equal(t, "usr_1", user.ID)
}

func TestManagerWaitForPlugin(t *testing.T) {
	defer goleak.VerifyNone(t)

	log := &callLog{}
	m, _ := newTestManager(t, newFakeLoader(), plugin.WithPollInterval(5*time.Millisecond))

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(30 * time.Millisecond)
		if _, err := m.Register(newSpy("slow", "", log)); err != nil {
			return
		}
		_ = m.Enable(context.Background(), "slow")
	}()

	err := m.WaitForPlugin(context.Background(), "slow", time.Second)
	assert.NoError(t, err)
	<-done
}

func TestManagerWaitForPlugin_Timeout(t *testing.T) {
	m, _ := newTestManager(t, newFakeLoader(), plugin.WithPollInterval(5*time.Millisecond))

	err := m.WaitForPlugin(context.Background(), "ghost", 30*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not loaded within")
}

func TestManagerWaitForPlugin_ContextCanceled(t *testing.T) {
	m, _ := newTestManager(t, newFakeLoader(), plugin.WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := m.WaitForPlugin(ctx, "ghost", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestManagerResourcesFor(t *testing.T) {
	m, _ := newTestManager(t, newFakeLoader())
	log := &callLog{}
	inst, err := m.Register(newSpy("sample", "", log))
	require.NoError(t, err)

	assert.Same(t, inst.Resources(), m.ResourcesFor("sample"))
	assert.Nil(t, m.ResourcesFor("ghost"))
}
