// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package settings

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/samber/oops"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/errutil"
)

// namespace is the reserved top-level key in the shared document. Everything
// the registry writes lives under it; everything outside it is preserved
// untouched.
const namespace = "pluginSystem"

type settingKey struct {
	owner    string
	category string
	key      string
}

// Registry holds every registered setting plus the plugin enablement map and
// drives persistence of both.
//
// Save requests are coalesced: a save in progress sets a busy flag, and any
// number of requests arriving during that window trigger exactly one
// follow-up write after it completes.
type Registry struct {
	logger *slog.Logger
	store  DocumentStore

	mu       sync.RWMutex
	settings map[settingKey]*Setting
	byOwner  map[string][]*Setting
	// pending holds stored values for settings that are not registered
	// yet. Plugins register their settings during load, which runs after
	// the document is read.
	pending map[settingKey]json.RawMessage
	plugins map[string]bool // source URL -> enabled

	saveMu   sync.Mutex
	saveCond *sync.Cond
	saving   bool
	queued   bool
	closed   bool
	wg       sync.WaitGroup

	observeCoalesce func()
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCoalesceObserver installs a callback invoked every time a save
// request is absorbed by a save already in flight.
func WithCoalesceObserver(fn func()) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.observeCoalesce = fn
		}
	}
}

// NewRegistry creates an empty registry persisting through store.
func NewRegistry(store DocumentStore, logger *slog.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		logger:          logger.With("component", "settings"),
		store:           store,
		settings:        make(map[settingKey]*Setting),
		byOwner:         make(map[string][]*Setting),
		pending:         make(map[settingKey]json.RawMessage),
		plugins:         make(map[string]bool),
		observeCoalesce: func() {},
	}
	r.saveCond = sync.NewCond(&r.saveMu)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a setting from def and returns it. Registering the same
// owner/category/key again returns the existing setting unchanged, so plugin
// reloads keep whatever value the user already has.
func (r *Registry) Register(def Definition) (*Setting, error) {
	if err := def.normalize(); err != nil {
		return nil, oops.In("settings").Wrap(err)
	}

	k := settingKey{owner: def.Owner, category: def.Category, key: def.Key}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.settings[k]; ok {
		r.logger.Debug("setting already registered",
			"owner", def.Owner, "category", def.Category, "key", def.Key)
		return existing, nil
	}

	s := newSetting(def)
	if raw, ok := r.pending[k]; ok {
		r.applyStored(s, raw)
		delete(r.pending, k)
	}
	r.settings[k] = s
	r.byOwner[def.Owner] = append(r.byOwner[def.Owner], s)
	return s, nil
}

// applyStored decodes a persisted value onto s. Values that no longer match
// the registered type are dropped with a warning and the default stays.
func (r *Registry) applyStored(s *Setting, raw json.RawMessage) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		r.logger.Warn("stored setting value is not valid JSON",
			"owner", s.Owner, "category", s.Category, "key", s.Key)
		return
	}
	if err := s.Set(v); err != nil {
		r.logger.Warn("stored setting value does not match registered type",
			"owner", s.Owner, "category", s.Category, "key", s.Key,
			"type", string(s.Type), "error", err.Error())
	}
}

// Lookup returns the registered setting, or nil. An empty owner means the
// global bucket.
func (r *Registry) Lookup(owner, category, key string) *Setting {
	if owner == "" {
		owner = GlobalOwner
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings[settingKey{owner: owner, category: category, key: key}]
}

// Value returns the current value of a registered setting.
func (r *Registry) Value(owner, category, key string) (any, bool) {
	s := r.Lookup(owner, category, key)
	if s == nil {
		return nil, false
	}
	return s.Value(), true
}

// Set writes a new value onto a registered setting and requests a save.
func (r *Registry) Set(owner, category, key string, v any) error {
	s := r.Lookup(owner, category, key)
	if s == nil {
		return oops.
			In("settings").
			With("owner", owner).
			With("category", category).
			With("key", key).
			Wrap(ErrNotRegistered)
	}
	if err := s.Set(v); err != nil {
		return err
	}
	r.RequestSave()
	return nil
}

// Owner returns all settings registered for one owner, sorted by category
// then key.
func (r *Registry) Owner(owner string) []*Setting {
	if owner == "" {
		owner = GlobalOwner
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Setting, len(r.byOwner[owner]))
	copy(out, r.byOwner[owner])
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Owners returns every owner with at least one registered setting.
func (r *Registry) Owners() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byOwner))
	for owner := range r.byOwner {
		out = append(out, owner)
	}
	sort.Strings(out)
	return out
}

// Reset restores one owner's settings to their defaults in memory. Nothing
// is persisted until the next save, which then naturally writes nothing for
// the now-unmodified settings.
func (r *Registry) Reset(owner string) {
	if owner == "" {
		owner = GlobalOwner
	}
	r.mu.RLock()
	list := make([]*Setting, len(r.byOwner[owner]))
	copy(list, r.byOwner[owner])
	r.mu.RUnlock()

	for _, s := range list {
		s.Reset()
	}
}

// ResetAll restores every setting to its default in memory.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	list := make([]*Setting, 0, len(r.settings))
	for _, s := range r.settings {
		list = append(list, s)
	}
	r.mu.RUnlock()

	for _, s := range list {
		s.Reset()
	}
}

// SetPluginEnabled records the enablement flag for a plugin source URL and
// requests a save.
func (r *Registry) SetPluginEnabled(url string, enabled bool) {
	r.mu.Lock()
	r.plugins[url] = enabled
	r.mu.Unlock()
	r.RequestSave()
}

// PluginEnabled returns the stored enablement flag for a source URL. The
// second result is false when no flag has ever been stored.
func (r *Registry) PluginEnabled(url string) (enabled, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	enabled, known = r.plugins[url]
	return enabled, known
}

// Enablement returns a copy of the full enablement map.
func (r *Registry) Enablement() map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]bool, len(r.plugins))
	for url, enabled := range r.plugins {
		out[url] = enabled
	}
	return out
}

// ForgetPlugin drops the enablement entry for a source URL and requests a
// save.
func (r *Registry) ForgetPlugin(url string) {
	r.mu.Lock()
	_, known := r.plugins[url]
	delete(r.plugins, url)
	r.mu.Unlock()
	if known {
		r.RequestSave()
	}
}

// Load reads the persisted document and applies stored values onto matching
// registered settings. Stored values for unregistered settings are retained
// and applied if the setting is registered later. Registered settings with
// no stored value keep their defaults.
func (r *Registry) Load(ctx context.Context) error {
	raw, err := r.store.ReadDocument()
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if !gjson.ValidBytes(raw) {
		return oops.
			In("settings").
			Code("config_io_error").
			Errorf("settings document is not valid JSON")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	stored := gjson.GetBytes(raw, namespace+".settings")
	stored.ForEach(func(owner, cats gjson.Result) bool {
		cats.ForEach(func(cat, keys gjson.Result) bool {
			keys.ForEach(func(key, val gjson.Result) bool {
				k := settingKey{owner: owner.String(), category: cat.String(), key: key.String()}
				if s, ok := r.settings[k]; ok {
					r.applyStored(s, json.RawMessage(val.Raw))
				} else {
					r.pending[k] = json.RawMessage(val.Raw)
				}
				return true
			})
			return true
		})
		return true
	})

	enablement := gjson.GetBytes(raw, namespace+".plugins")
	enablement.ForEach(func(url, enabled gjson.Result) bool {
		r.plugins[url.String()] = enabled.Bool()
		return true
	})

	return nil
}

// Save writes the document synchronously: read the current bytes, merge in
// every modified setting and the enablement map, write the result back.
// Keys outside the namespace and stored values for unregistered settings
// survive untouched. Most callers want RequestSave instead.
func (r *Registry) Save(ctx context.Context) error {
	raw, err := r.store.ReadDocument()
	if err != nil {
		return err
	}
	doc := raw
	if len(doc) == 0 {
		doc = []byte("{}")
	} else if !gjson.ValidBytes(doc) {
		// Overwriting would destroy whatever the host still has in the
		// document, so the cycle is abandoned instead.
		return oops.
			In("settings").
			Code("config_io_error").
			Errorf("settings document is not valid JSON, save abandoned")
	}

	doc, err = r.merge(doc)
	if err != nil {
		return err
	}
	return r.store.WriteDocument(doc)
}

func (r *Registry) merge(doc []byte) ([]byte, error) {
	errb := oops.In("settings").Code("config_io_error")

	r.mu.RLock()
	list := make([]*Setting, 0, len(r.settings))
	for _, s := range r.settings {
		list = append(list, s)
	}
	urls := make([]string, 0, len(r.plugins))
	for url := range r.plugins {
		urls = append(urls, url)
	}
	enabled := make(map[string]bool, len(r.plugins))
	for url, on := range r.plugins {
		enabled[url] = on
	}
	r.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Owner != b.Owner {
			return a.Owner < b.Owner
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Key < b.Key
	})
	sort.Strings(urls)

	var err error
	for _, s := range list {
		path := namespace + ".settings." +
			escapeSegment(s.Owner) + "." + escapeSegment(s.Category) + "." + escapeSegment(s.Key)
		if s.Modified() {
			doc, err = sjson.SetBytes(doc, path, s.Value())
		} else {
			doc, err = sjson.DeleteBytes(doc, path)
		}
		if err != nil {
			return nil, errb.Wrapf(err, "merge setting %s.%s.%s", s.Owner, s.Category, s.Key)
		}
	}
	doc = pruneEmpty(doc, namespace+".settings")

	// The enablement map is authoritative in memory, so its subtree is
	// rewritten rather than merged.
	doc, err = sjson.DeleteBytes(doc, namespace+".plugins")
	if err != nil {
		return nil, errb.Wrapf(err, "clear enablement map")
	}
	for _, url := range urls {
		doc, err = sjson.SetBytes(doc, namespace+".plugins."+escapeSegment(url), enabled[url])
		if err != nil {
			return nil, errb.Wrapf(err, "merge enablement for %s", url)
		}
	}

	// A namespace left with nothing in it disappears entirely.
	ns := gjson.GetBytes(doc, namespace)
	if ns.IsObject() && len(ns.Map()) == 0 {
		doc, err = sjson.DeleteBytes(doc, namespace)
		if err != nil {
			return nil, errb.Wrapf(err, "drop empty namespace")
		}
	}
	return doc, nil
}

// pruneEmpty removes category and owner objects left empty after deletes,
// and base itself when nothing remains under it.
func pruneEmpty(doc []byte, base string) []byte {
	root := gjson.GetBytes(doc, base)
	if !root.IsObject() {
		return doc
	}
	root.ForEach(func(owner, cats gjson.Result) bool {
		cats.ForEach(func(cat, keys gjson.Result) bool {
			if keys.IsObject() && len(keys.Map()) == 0 {
				doc, _ = sjson.DeleteBytes(doc,
					base+"."+escapeSegment(owner.String())+"."+escapeSegment(cat.String()))
			}
			return true
		})
		return true
	})
	root = gjson.GetBytes(doc, base)
	root.ForEach(func(owner, cats gjson.Result) bool {
		if cats.IsObject() && len(cats.Map()) == 0 {
			doc, _ = sjson.DeleteBytes(doc, base+"."+escapeSegment(owner.String()))
		}
		return true
	})
	root = gjson.GetBytes(doc, base)
	if root.IsObject() && len(root.Map()) == 0 {
		doc, _ = sjson.DeleteBytes(doc, base)
	}
	return doc
}

// escapeSegment escapes path separator characters so owner ids, categories,
// keys, and source URLs map onto single JSON keys.
func escapeSegment(s string) string {
	if !strings.ContainsAny(s, `\.*?`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for _, r := range s {
		switch r {
		case '\\', '.', '*', '?':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// RequestSave schedules a save. When one is already running the request is
// queued, and any number of queued requests collapse into a single follow-up
// write.
func (r *Registry) RequestSave() {
	r.saveMu.Lock()
	if r.closed {
		r.saveMu.Unlock()
		return
	}
	if r.saving {
		r.queued = true
		r.saveMu.Unlock()
		r.observeCoalesce()
		return
	}
	r.saving = true
	r.saveMu.Unlock()

	r.wg.Add(1)
	go r.saveLoop()
}

func (r *Registry) saveLoop() {
	defer r.wg.Done()
	for {
		if err := r.Save(context.Background()); err != nil {
			errutil.LogError(r.logger, "settings save failed", err)
		}

		r.saveMu.Lock()
		if r.queued {
			r.queued = false
			r.saveMu.Unlock()
			continue
		}
		r.saving = false
		r.saveCond.Broadcast()
		r.saveMu.Unlock()
		return
	}
}

// Flush blocks until no save is running or queued.
func (r *Registry) Flush() {
	r.saveMu.Lock()
	for r.saving {
		r.saveCond.Wait()
	}
	r.saveMu.Unlock()
}

// Close flushes pending saves and rejects further save requests.
func (r *Registry) Close() {
	r.saveMu.Lock()
	r.closed = true
	for r.saving {
		r.saveCond.Wait()
	}
	r.saveMu.Unlock()
	r.wg.Wait()
}
