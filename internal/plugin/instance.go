// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package plugin

import (
	"sync"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/resource"
	pluginsdk "github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/plugin"
)

// Instance is one registered plugin plus its runtime state.
//
// State is three independent booleans, not a single machine: a plugin can
// be enabled but not yet loaded (fetch pending), loaded but stopped
// (disabled after startup), or disabled while still loaded (its code stays
// resident). The manager is the only writer; the setters are unexported.
type Instance struct {
	plugin    pluginsdk.Plugin
	meta      *pluginsdk.Metadata
	resources *resource.Set

	mu      sync.RWMutex
	enabled bool
	loaded  bool
	started bool
	lastErr error
}

// ID returns the plugin id.
func (in *Instance) ID() string { return in.meta.ID }

// Meta returns the plugin descriptor.
func (in *Instance) Meta() *pluginsdk.Metadata { return in.meta }

// SourceURL returns the URL the plugin was fetched from, or "" for
// plugins compiled into the embedding application.
func (in *Instance) SourceURL() string { return in.meta.SourceURL }

// Plugin returns the wrapped implementation.
func (in *Instance) Plugin() pluginsdk.Plugin { return in.plugin }

// Resources returns the plugin's resource bucket.
func (in *Instance) Resources() *resource.Set { return in.resources }

// Enabled reports whether the plugin should run.
func (in *Instance) Enabled() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.enabled
}

// Loaded reports whether Load completed successfully this session.
func (in *Instance) Loaded() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.loaded
}

// Started reports whether the plugin is currently running.
func (in *Instance) Started() bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.started
}

// Err returns the most recent lifecycle error, or nil.
func (in *Instance) Err() error {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.lastErr
}

func (in *Instance) setEnabled(v bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.enabled = v
}

func (in *Instance) setLoaded(v bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.loaded = v
}

func (in *Instance) setStarted(v bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.started = v
}

func (in *Instance) setErr(err error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.lastErr = err
}

// Summary is the management-surface view of an instance.
type Summary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Author       string   `json:"author,omitempty"`
	Version      string   `json:"version,omitempty"`
	SourceURL    string   `json:"sourceUrl,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Enabled      bool     `json:"enabled"`
	Loaded       bool     `json:"loaded"`
	Started      bool     `json:"started"`
	Error        string   `json:"error,omitempty"`
}

// Summary captures the instance state for listings.
func (in *Instance) Summary() Summary {
	in.mu.RLock()
	defer in.mu.RUnlock()

	s := Summary{
		ID:           in.meta.ID,
		Name:         in.meta.Name,
		Description:  in.meta.Description,
		Author:       in.meta.Author,
		Version:      in.meta.Version,
		SourceURL:    in.meta.SourceURL,
		Dependencies: in.meta.Dependencies,
		Enabled:      in.enabled,
		Loaded:       in.loaded,
		Started:      in.started,
	}
	if in.lastErr != nil {
		s.Error = in.lastErr.Error()
	}
	return s
}
