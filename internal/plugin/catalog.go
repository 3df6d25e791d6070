// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

// Package plugin provides plugin registration and lifecycle control.
package plugin

import (
	"fmt"
	"net/url"
	"sort"

	"gopkg.in/yaml.v3"
)

// Entry describes one module source in the catalog.
type Entry struct {
	// URL is the module source. Required, http or https.
	URL string `yaml:"url" json:"url"`

	// Name is an informational label, shown before the module reports its
	// own metadata.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Enabled is the default enablement. A persisted user choice overrides
	// it.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Library marks modules that only provide shared code and never
	// register a plugin. Library modules load before everything else and
	// are skipped by reload-all.
	Library bool `yaml:"library,omitempty" json:"library,omitempty"`
}

// Catalog is the built-in module list: the URLs the runtime knows about
// before any persisted configuration is applied.
type Catalog struct {
	Plugins []Entry `yaml:"plugins" json:"plugins"`
}

// maxNameLength is the maximum allowed length for entry names.
const maxNameLength = 64

// ParseCatalog parses and validates a catalog.yaml document.
func ParseCatalog(data []byte) (*Catalog, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("catalog data is empty")
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return &c, nil
}

// Validate checks catalog constraints.
func (c *Catalog) Validate() error {
	seen := make(map[string]int, len(c.Plugins))
	for i, e := range c.Plugins {
		if e.URL == "" {
			return fmt.Errorf("entry %d: url is required", i)
		}
		u, err := url.Parse(e.URL)
		if err != nil {
			return fmt.Errorf("entry %d: invalid url %q: %w", i, e.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("entry %d: url scheme must be http or https, got %q", i, u.Scheme)
		}
		if len(e.Name) > maxNameLength {
			return fmt.Errorf("entry %d: name must be %d characters or less, got %d", i, maxNameLength, len(e.Name))
		}
		if prev, ok := seen[e.URL]; ok {
			return fmt.Errorf("entry %d: duplicate url %q (also entry %d)", i, e.URL, prev)
		}
		seen[e.URL] = i
	}
	return nil
}

// Libraries returns the URLs of library entries in declared order.
func (c *Catalog) Libraries() []string {
	var urls []string
	for _, e := range c.Plugins {
		if e.Library {
			urls = append(urls, e.URL)
		}
	}
	return urls
}

// Lookup returns the catalog entry for a URL.
func (c *Catalog) Lookup(url string) (Entry, bool) {
	for _, e := range c.Plugins {
		if e.URL == url {
			return e, true
		}
	}
	return Entry{}, false
}

// Merge applies a persisted enablement map on top of the catalog defaults.
// Catalog entries keep their declared order; URLs present only in the
// overlay (modules the user added in an earlier session) are appended after
// them, sorted for determinism.
func (c *Catalog) Merge(overlay map[string]bool) []Entry {
	merged := make([]Entry, 0, len(c.Plugins)+len(overlay))
	seen := make(map[string]bool, len(c.Plugins))

	for _, e := range c.Plugins {
		if enabled, ok := overlay[e.URL]; ok {
			e.Enabled = enabled
		}
		merged = append(merged, e)
		seen[e.URL] = true
	}

	extra := make([]string, 0, len(overlay))
	for u := range overlay {
		if !seen[u] {
			extra = append(extra, u)
		}
	}
	sort.Strings(extra)
	for _, u := range extra {
		merged = append(merged, Entry{URL: u, Enabled: overlay[u]})
	}

	return merged
}
