// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package plugin

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/loader"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/resource"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/settings"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/errutil"
	pluginsdk "github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/plugin"
)

// Loader is the module loading surface the manager drives.
type Loader interface {
	Load(ctx context.Context, url string) (*loader.Result, error)
	Unload(url string)
	IsLoaded(url string) bool
	Loaded() []string
	Failed() []string
}

// Compile-time interface check.
var _ Loader = (*loader.Loader)(nil)

// defaultPollInterval is how often WaitForPlugin re-checks the instance.
const defaultPollInterval = 100 * time.Millisecond

// ManagerOption configures the Manager.
type ManagerOption func(*Manager)

// WithCatalog sets the built-in module catalog used by the cold start.
func WithCatalog(c *Catalog) ManagerOption {
	return func(m *Manager) {
		if c != nil {
			m.catalog = c
		}
	}
}

// WithPollInterval overrides the WaitForPlugin poll interval.
func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.poll = d
		}
	}
}

// WithLifecycleObserver installs a callback invoked on every plugin state
// transition ("registered", "loaded", "started", "stopped", "removed",
// and the corresponding *_failed forms).
func WithLifecycleObserver(fn func(id, transition string)) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.observe = fn
		}
	}
}

// Manager owns every plugin instance and drives the lifecycle sequences.
//
// Lifecycle callbacks run sequentially on the caller's goroutine so later
// plugins may rely on earlier ones; the manager itself is safe for
// concurrent use by the embedding host.
type Manager struct {
	logger   *slog.Logger
	loader   Loader
	settings *settings.Registry
	catalog  *Catalog
	poll     time.Duration
	observe  func(id, transition string)

	mu        sync.RWMutex
	instances map[string]*Instance
	order     []string
	libraries map[string]bool

	loginMu  sync.Mutex
	loggedIn bool
	user     pluginsdk.User
	loginCbs []func(pluginsdk.User)
}

// NewManager creates a plugin manager. The loader and settings registry
// must be non-nil; the catalog defaults to empty.
func NewManager(ld Loader, reg *settings.Registry, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:    logger.With("component", "plugins"),
		loader:    ld,
		settings:  reg,
		catalog:   &Catalog{},
		poll:      defaultPollInterval,
		observe:   func(string, string) {},
		instances: make(map[string]*Instance),
		libraries: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a plugin under its metadata id and gives it an empty
// resource bucket. The instance starts enabled unless a persisted choice
// or the catalog says otherwise.
//
// Design: duplicate registration is a warning, not a fatal error. The
// first registration wins, so a misbehaving module cannot displace a
// running plugin by reusing its id.
func (m *Manager) Register(p pluginsdk.Plugin) (*Instance, error) {
	errb := oops.In("plugin").Code("lifecycle_error")
	if p == nil {
		return nil, errb.New("register: plugin is nil")
	}
	meta := p.Metadata()
	if meta == nil {
		return nil, errb.New("register: plugin metadata is nil")
	}
	meta.Normalize()
	if err := meta.Validate(); err != nil {
		return nil, errb.With("plugin", meta.ID).Wrapf(err, "register plugin")
	}

	inst := &Instance{
		plugin:    p,
		meta:      meta,
		resources: resource.NewSet(meta.ID, m.logger),
		enabled:   m.defaultEnabled(meta.SourceURL),
	}

	m.mu.Lock()
	if _, ok := m.instances[meta.ID]; ok {
		m.mu.Unlock()
		err := oops.In("plugin").
			Code("duplicate_registration").
			With("plugin", meta.ID).
			With("source_url", meta.SourceURL).
			New("plugin id already registered")
		errutil.LogWarn(m.logger, "duplicate plugin registration", err)
		return nil, err
	}
	m.instances[meta.ID] = inst
	m.order = append(m.order, meta.ID)
	m.mu.Unlock()

	m.observe(meta.ID, "registered")
	m.logger.Info("plugin registered",
		"plugin", meta.ID,
		"name", meta.Name,
		"version", meta.Version,
		"source_url", meta.SourceURL)
	return inst, nil
}

// defaultEnabled resolves the initial enablement for a source URL: the
// persisted choice wins, then the catalog default, then enabled.
func (m *Manager) defaultEnabled(url string) bool {
	if url == "" {
		return true
	}
	if enabled, known := m.settings.PluginEnabled(url); known {
		return enabled
	}
	if e, ok := m.catalog.Lookup(url); ok {
		return e.Enabled
	}
	return true
}

// Plugin returns the instance registered under id.
func (m *Manager) Plugin(id string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	return inst, ok
}

// Instances returns all instances in registration order.
func (m *Manager) Instances() []*Instance {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Instance, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.instances[id])
	}
	return out
}

// Summaries returns the management view of every instance in registration
// order.
func (m *Manager) Summaries() []Summary {
	instances := m.Instances()
	out := make([]Summary, 0, len(instances))
	for _, inst := range instances {
		out = append(out, inst.Summary())
	}
	return out
}

// ResourcesFor returns the resource bucket for a plugin id, or nil when
// the id is not registered.
func (m *Manager) ResourcesFor(id string) *resource.Set {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inst, ok := m.instances[id]
	if !ok {
		return nil
	}
	return inst.resources
}

// instanceByURL finds the instance fetched from url.
func (m *Manager) instanceByURL(url string) (*Instance, bool) {
	if url == "" {
		return nil, false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		if inst := m.instances[id]; inst.meta.SourceURL == url {
			return inst, true
		}
	}
	return nil, false
}

// unregister drops the instance from the manager. The caller stops it
// first.
func (m *Manager) unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[id]; !ok {
		return
	}
	delete(m.instances, id)
	for i, other := range m.order {
		if other == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

// markLibrary records that url executed without producing a plugin
// factory. Library URLs are skipped by reload-all.
func (m *Manager) markLibrary(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.libraries[url] = true
}

func (m *Manager) forgetLibrary(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.libraries, url)
}

// IsLibrary reports whether url executed as a library module, or is
// declared one by the catalog.
func (m *Manager) IsLibrary(url string) bool {
	if e, ok := m.catalog.Lookup(url); ok && e.Library {
		return true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.libraries[url]
}
