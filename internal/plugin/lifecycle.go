// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package plugin

import (
	"context"

	"github.com/samber/oops"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/errutil"
)

// LoadAll runs the cold-start sequence: library modules in declared
// order, then the merged catalog's enabled modules, then load() and
// start() on every registered plugin in registration order, and finally
// the persisted enablement map is rewritten from the merged view.
//
// Design: graceful degradation. Every step isolates per-module and
// per-plugin failures so that one broken download or one bad callback
// cannot take down the rest of the cold start. The only error returned
// is context cancellation.
func (m *Manager) LoadAll(ctx context.Context) error {
	for _, url := range m.catalog.Libraries() {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.loadModule(ctx, url)
	}

	entries := m.catalog.Merge(m.settings.Enablement())

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Libraries already executed above; disabled modules are not
		// fetched at all.
		if e.Library || !e.Enabled {
			continue
		}
		m.loadModule(ctx, e.URL)
	}

	for _, inst := range m.Instances() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if inst.Enabled() && !inst.Loaded() {
			m.loadInstance(ctx, inst)
		}
	}

	for _, inst := range m.Instances() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if inst.Enabled() && inst.Loaded() && !inst.Started() {
			m.startInstance(ctx, inst)
		}
	}

	// From here on the embedding host may deliver the login.
	m.logger.Debug("login monitoring armed")

	for _, e := range entries {
		m.settings.SetPluginEnabled(e.URL, e.Enabled)
	}

	m.logger.Info("cold start complete",
		"loaded", len(m.loader.Loaded()),
		"failed", len(m.loader.Failed()),
		"plugins", len(m.Instances()))
	return nil
}

// loadModule fetches and executes one module URL, registering the plugin
// it produces. Failures are logged and recorded by the loader; they never
// propagate.
func (m *Manager) loadModule(ctx context.Context, url string) {
	res, err := m.loader.Load(ctx, url)
	if err != nil {
		errutil.LogError(m.logger, "module load failed", err)
		return
	}
	if res.AlreadyLoaded {
		return
	}
	if res.Plugin == nil {
		m.markLibrary(url)
		return
	}
	if _, err := m.Register(res.Plugin); err != nil {
		errutil.LogError(m.logger, "plugin registration failed", err)
	}
}

// invoke runs one lifecycle callback with panic isolation. The outcome is
// recorded on the instance; failures are logged and never propagate to
// sibling plugins.
func (m *Manager) invoke(ctx context.Context, inst *Instance, op string, fn func(context.Context) error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = oops.In("plugin").
				Code("lifecycle_error").
				With("plugin", inst.ID()).
				With("operation", op).
				Errorf("callback panicked: %v", rec)
		}
		inst.setErr(err)
		if err != nil {
			errutil.LogError(m.logger, "plugin lifecycle callback failed", err)
			m.observe(inst.ID(), op+"_failed")
		}
	}()

	if err = fn(ctx); err != nil {
		err = oops.In("plugin").
			Code("lifecycle_error").
			With("plugin", inst.ID()).
			With("operation", op).
			Wrap(err)
	}
	return err
}

func (m *Manager) loadInstance(ctx context.Context, inst *Instance) {
	if err := m.invoke(ctx, inst, "load", inst.plugin.Load); err != nil {
		return
	}
	inst.setLoaded(true)
	m.observe(inst.ID(), "loaded")
	m.logger.Debug("plugin loaded", "plugin", inst.ID())
}

func (m *Manager) startInstance(ctx context.Context, inst *Instance) {
	if err := m.invoke(ctx, inst, "start", inst.plugin.Start); err != nil {
		return
	}
	inst.setStarted(true)
	m.observe(inst.ID(), "started")
	m.logger.Info("plugin started", "plugin", inst.ID())

	// A plugin that starts after the session login still gets it, with
	// the cached user. Together with TriggerLogin this covers every
	// enabled plugin exactly once per start.
	if user, ok := m.User(); ok {
		m.invoke(ctx, inst, "on_login", func(ctx context.Context) error {
			return inst.plugin.OnLogin(ctx, user)
		})
	}
}

// stopInstance stops the plugin and sweeps its tracked resources. The
// started flag drops and the sweep runs even when the stop callback
// fails, so a bad stop() cannot leak timers.
func (m *Manager) stopInstance(ctx context.Context, inst *Instance) {
	if !inst.Started() {
		return
	}
	m.invoke(ctx, inst, "stop", inst.plugin.Stop)
	inst.setStarted(false)

	stats := inst.Resources().Cleanup()
	m.observe(inst.ID(), "stopped")
	m.logger.Info("plugin stopped",
		"plugin", inst.ID(),
		"timers", stats.Timers,
		"observers", stats.Observers,
		"listeners", stats.Listeners,
		"subscriptions", stats.Subscriptions,
		"retained_hooks", stats.Hooks)
}

// Enable marks the plugin enabled and brings it up: load if it never
// loaded this session, then start. The choice is persisted when the
// plugin has a source URL.
func (m *Manager) Enable(ctx context.Context, id string) error {
	inst, ok := m.Plugin(id)
	if !ok {
		return oops.In("plugin").
			Code("lifecycle_error").
			With("plugin", id).
			New("enable: plugin not registered")
	}

	inst.setEnabled(true)
	if url := inst.SourceURL(); url != "" {
		m.settings.SetPluginEnabled(url, true)
	}

	if !inst.Loaded() {
		m.loadInstance(ctx, inst)
	}
	if inst.Loaded() && !inst.Started() {
		m.startInstance(ctx, inst)
	}

	if !inst.Started() {
		return inst.Err()
	}
	return nil
}

// Disable stops the plugin and persists the choice. The plugin stays
// registered and its code stays loaded; Enable brings it back without a
// refetch.
func (m *Manager) Disable(ctx context.Context, id string) error {
	inst, ok := m.Plugin(id)
	if !ok {
		return oops.In("plugin").
			Code("lifecycle_error").
			With("plugin", id).
			New("disable: plugin not registered")
	}

	m.stopInstance(ctx, inst)
	inst.setEnabled(false)
	if url := inst.SourceURL(); url != "" {
		m.settings.SetPluginEnabled(url, false)
	}
	return nil
}

// StopAll stops every started plugin in reverse registration order.
func (m *Manager) StopAll(ctx context.Context) {
	instances := m.Instances()
	for i := len(instances) - 1; i >= 0; i-- {
		m.stopInstance(ctx, instances[i])
	}
}
