// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package plugin

import (
	"context"
	"sort"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/errutil"
	pluginsdk "github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/plugin"
)

// Management operations return Result values instead of errors: the
// runtime keeps running whatever the outcome, and the embedding host
// renders Message to the user.

// AddPlugin fetches, executes, registers, loads and starts the module at
// url, and persists it as enabled. A chunk that returns no factory is a
// library module and reports success.
func (m *Manager) AddPlugin(ctx context.Context, url string) pluginsdk.Result {
	res, err := m.loader.Load(ctx, url)
	if err != nil {
		errutil.LogError(m.logger, "add plugin failed", err)
		return pluginsdk.Fail("load module %s: %v", url, err)
	}
	if res.AlreadyLoaded {
		return pluginsdk.OK("module already loaded: %s", url)
	}

	if res.Plugin == nil {
		m.markLibrary(url)
		m.settings.SetPluginEnabled(url, true)
		return pluginsdk.OK("library module loaded: %s", url)
	}

	inst, err := m.Register(res.Plugin)
	if err != nil {
		return pluginsdk.Fail("register plugin from %s: %v", url, err)
	}
	inst.setEnabled(true)
	m.settings.SetPluginEnabled(url, true)

	m.loadInstance(ctx, inst)
	if inst.Loaded() {
		m.startInstance(ctx, inst)
	}
	if !inst.Started() {
		return pluginsdk.Fail("plugin %s added but not running: %v", inst.ID(), inst.Err())
	}
	return pluginsdk.OK("plugin %s added", inst.ID())
}

// RemovePlugin stops and unregisters the plugin fetched from url and
// clears its loader and enablement records. A failed URL is also cleared
// so a later add retries the fetch.
//
// Executed module code stays resident in the host until the view reloads;
// removal only guarantees the plugin no longer runs.
func (m *Manager) RemovePlugin(ctx context.Context, url string) pluginsdk.Result {
	inst, ok := m.instanceByURL(url)
	if !ok {
		known := m.loader.IsLoaded(url)
		m.loader.Unload(url)
		m.forgetLibrary(url)
		m.settings.ForgetPlugin(url)
		if known {
			return pluginsdk.OK("module unloaded: %s", url)
		}
		return pluginsdk.Fail("no plugin loaded from %s", url)
	}

	id := inst.ID()
	m.stopInstance(ctx, inst)
	m.unregister(id)
	m.loader.Unload(url)
	m.settings.ForgetPlugin(url)

	m.observe(id, "removed")
	m.logger.Warn("plugin removed; executed module code stays resident until the host view reloads",
		"plugin", id,
		"url", url)
	return pluginsdk.OK("plugin %s removed", id)
}

// ReloadPlugin is remove followed by add. A URL that was never loaded, or
// failed permanently, skips straight to the add.
func (m *Manager) ReloadPlugin(ctx context.Context, url string) pluginsdk.Result {
	m.RemovePlugin(ctx, url)
	res := m.AddPlugin(ctx, url)
	if !res.Success {
		return res
	}
	return pluginsdk.OK("reloaded %s", url)
}

// ReloadAll reloads every module currently loaded or failed, skipping
// library modules, and continues past individual failures. Results are
// keyed by URL.
func (m *Manager) ReloadAll(ctx context.Context) map[string]pluginsdk.Result {
	seen := make(map[string]bool)
	var urls []string
	for _, url := range append(m.loader.Loaded(), m.loader.Failed()...) {
		if seen[url] {
			continue
		}
		seen[url] = true
		if m.IsLibrary(url) {
			continue
		}
		urls = append(urls, url)
	}
	sort.Strings(urls)

	results := make(map[string]pluginsdk.Result, len(urls))
	for _, url := range urls {
		results[url] = m.ReloadPlugin(ctx, url)
	}
	m.logger.Info("reload all complete", "modules", len(urls))
	return results
}

// ListReport is the management view of the runtime: module fetch outcomes
// plus per-plugin summaries.
type ListReport struct {
	Loaded  []string  `json:"loaded"`
	Failed  []string  `json:"failed"`
	Plugins []Summary `json:"plugins"`
}

// PluginList reports loaded and failed module URLs and every registered
// instance.
func (m *Manager) PluginList() ListReport {
	return ListReport{
		Loaded:  m.loader.Loaded(),
		Failed:  m.loader.Failed(),
		Plugins: m.Summaries(),
	}
}
