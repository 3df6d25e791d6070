// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

// Package runtime wires the plugin runtime's components into one explicit
// context object.
//
// Construction order follows the dependency order: settings, bus, hooks,
// host functions, interpreter, loader, manager. Nothing here is a
// package-level singleton; the embedding host holds the Runtime and passes
// it wherever runtime access is needed.
package runtime

import (
	"context"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/event"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/hook"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/loader"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/observability"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/plugin"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/plugin/hostfunc"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/plugin/lua"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/resource"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/settings"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/xdg"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/errutil"
	pluginsdk "github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/plugin"
)

// Options configures a Runtime. The zero value works: settings land in the
// XDG config dir and the catalog starts empty.
type Options struct {
	// Logger receives everything the runtime logs. Defaults to
	// slog.Default().
	Logger *slog.Logger

	// SettingsPath is the settings document location. Defaults to
	// settings.json in the XDG config dir. Ignored when Store is set.
	SettingsPath string

	// Store overrides the settings persistence backend entirely.
	Store settings.DocumentStore

	// Catalog is the built-in module list for the cold start.
	Catalog *plugin.Catalog

	// HTTPClient fetches module sources. Defaults to a fresh client.
	HTTPClient *http.Client

	// FetchTimeout bounds each module fetch-and-execute attempt.
	FetchTimeout time.Duration

	// FetchAttempts is how many times a module load is tried before the
	// URL is marked failed for the session.
	FetchAttempts int

	// WatchSettings reloads the settings document when something else
	// edits it on disk. Only effective for file-backed settings.
	WatchSettings bool

	// Metrics receives runtime counters when set.
	Metrics *observability.Metrics
}

// Runtime owns the component graph of one plugin runtime instance.
type Runtime struct {
	logger   *slog.Logger
	settings *settings.Registry
	bus      *event.Bus
	hooks    *hook.Registry
	host     *lua.Host
	loader   *loader.Loader
	manager  *plugin.Manager
	watcher  *settings.Watcher

	ready atomic.Bool
}

// resourceProxy breaks the construction cycle between host functions and
// the manager: the host functions need per-plugin resource sets, which the
// manager owns, which transitively depends on the host functions.
type resourceProxy struct {
	manager atomic.Pointer[plugin.Manager]
}

func (p *resourceProxy) ResourcesFor(id string) *resource.Set {
	if m := p.manager.Load(); m != nil {
		return m.ResourcesFor(id)
	}
	return nil
}

// countingStore counts successful document writes.
type countingStore struct {
	settings.DocumentStore
	inc func()
}

func (s countingStore) WriteDocument(data []byte) error {
	err := s.DocumentStore.WriteDocument(data)
	if err == nil {
		s.inc()
	}
	return err
}

// New wires a Runtime from opts. Nothing starts yet; Start runs the cold
// start.
func New(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := opts.Metrics

	settingsPath := opts.SettingsPath
	if settingsPath == "" {
		settingsPath = filepath.Join(xdg.ConfigDir(), "settings.json")
	}
	store := opts.Store
	if store == nil {
		store = settings.NewFileStore(settingsPath)
	}
	if m != nil {
		store = countingStore{DocumentStore: store, inc: m.SettingsSaves.Inc}
	}

	var regOpts []settings.RegistryOption
	if m != nil {
		regOpts = append(regOpts, settings.WithCoalesceObserver(m.SettingsCoalesced.Inc))
	}
	reg := settings.NewRegistry(store, logger, regOpts...)

	var busOpts []event.BusOption
	if m != nil {
		busOpts = append(busOpts, event.WithDeliveryObserver(func(_ string, listeners int) {
			m.EventDeliveries.Add(float64(listeners))
		}))
	}
	bus := event.NewBus(logger, busOpts...)

	var hookOpts []hook.Option
	if m != nil {
		hookOpts = append(hookOpts, hook.WithCallObserver(func(path string) {
			m.HookCalls.WithLabelValues(path).Inc()
		}))
	}
	hooks := hook.NewRegistry(logger, hookOpts...)

	proxy := &resourceProxy{}
	funcs := hostfunc.New(logger, reg, bus, hooks, hostfunc.WithResources(proxy))

	host, err := lua.NewHost(funcs, logger)
	if err != nil {
		reg.Close()
		return nil, oops.In("runtime").Wrapf(err, "create module host")
	}

	var loaderOpts []loader.Option
	if opts.FetchTimeout > 0 {
		loaderOpts = append(loaderOpts, loader.WithTimeout(opts.FetchTimeout))
	}
	if opts.FetchAttempts > 0 {
		loaderOpts = append(loaderOpts, loader.WithAttempts(opts.FetchAttempts))
	}
	if m != nil {
		loaderOpts = append(loaderOpts, loader.WithLoadObserver(func(_, outcome string) {
			m.ModuleLoads.WithLabelValues(outcome).Inc()
		}))
	}
	ld := loader.New(loader.NewHTTPFetcher(opts.HTTPClient), host, logger, loaderOpts...)

	var mgrOpts []plugin.ManagerOption
	if opts.Catalog != nil {
		mgrOpts = append(mgrOpts, plugin.WithCatalog(opts.Catalog))
	}
	if m != nil {
		mgrOpts = append(mgrOpts, plugin.WithLifecycleObserver(func(_, transition string) {
			m.LifecycleTransitions.WithLabelValues(transition).Inc()
		}))
	}
	mgr := plugin.NewManager(ld, reg, logger, mgrOpts...)
	proxy.manager.Store(mgr)

	rt := &Runtime{
		logger:   logger.With("component", "runtime"),
		settings: reg,
		bus:      bus,
		hooks:    hooks,
		host:     host,
		loader:   ld,
		manager:  mgr,
	}

	if opts.WatchSettings && opts.Store == nil {
		w, err := settings.NewWatcher(settingsPath, rt.reloadSettings, logger)
		if err != nil {
			rt.logger.Warn("settings watcher unavailable", "error", err.Error())
		} else {
			rt.watcher = w
		}
	}

	return rt, nil
}

// Start runs the cold start: read the settings document, arm the watcher,
// then drive the manager's load sequence. A missing or unreadable document
// degrades to defaults and does not abort the start.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.settings.Load(ctx); err != nil {
		errutil.LogError(r.logger, "settings load failed, continuing with defaults", err)
	}
	if r.watcher != nil {
		if err := r.watcher.Start(); err != nil {
			errutil.LogError(r.logger, "settings watcher start failed", err)
		}
	}
	if err := r.manager.LoadAll(ctx); err != nil {
		return err
	}
	r.ready.Store(true)
	return nil
}

// Stop tears the runtime down: plugins stop in reverse registration order,
// pending settings saves flush, and the interpreter closes. Hooks stay
// bound on the host side; what the runtime owned is gone.
func (r *Runtime) Stop(ctx context.Context) error {
	r.ready.Store(false)
	r.manager.StopAll(ctx)
	r.hooks.Close()
	if r.watcher != nil {
		if err := r.watcher.Close(); err != nil {
			errutil.LogError(r.logger, "settings watcher close failed", err)
		}
	}
	if err := r.settings.Save(ctx); err != nil {
		errutil.LogError(r.logger, "final settings save failed", err)
	}
	r.settings.Close()
	r.host.Close()
	r.logger.Info("runtime stopped")
	return nil
}

// reloadSettings applies an external document edit and announces it on the
// bus. External edits win over unsaved in-memory changes.
func (r *Runtime) reloadSettings() {
	ctx := context.Background()
	if err := r.settings.Load(ctx); err != nil {
		errutil.LogError(r.logger, "settings reload failed", err)
		return
	}
	r.logger.Info("settings document reloaded after external change")
	r.bus.Emit(ctx, "settings", "changed", nil)
}

// Ready reports whether the cold start completed.
func (r *Runtime) Ready() bool { return r.ready.Load() }

// TriggerLogin delivers the one-shot login broadcast.
func (r *Runtime) TriggerLogin(ctx context.Context, user pluginsdk.User) {
	r.manager.TriggerLogin(ctx, user)
}

// Settings returns the settings registry.
func (r *Runtime) Settings() *settings.Registry { return r.settings }

// Bus returns the event bus.
func (r *Runtime) Bus() *event.Bus { return r.bus }

// Hooks returns the interception registry.
func (r *Runtime) Hooks() *hook.Registry { return r.hooks }

// Manager returns the lifecycle manager.
func (r *Runtime) Manager() *plugin.Manager { return r.manager }

// Loader returns the module loader.
func (r *Runtime) Loader() *loader.Loader { return r.loader }
