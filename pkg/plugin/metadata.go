// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package pluginsdk

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Metadata describes a plugin. ID is immutable once the plugin is
// registered; everything else is informational.
type Metadata struct {
	// ID uniquely identifies the plugin within the runtime. Derived from
	// SourceURL by Normalize when empty.
	ID string `json:"id"`

	// Name is the human-readable display name. Defaults to ID.
	Name string `json:"name"`

	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`

	// Version is a semver string. Optional, but validated when present.
	Version string `json:"version,omitempty"`

	// Build is an opaque build identifier (timestamp, commit, counter).
	Build string `json:"build,omitempty"`

	// APIRequire is an optional semver constraint on the runtime's
	// APIVersion, e.g. ">= 1.0".
	APIRequire string `json:"apiRequire,omitempty"`

	// Dependencies lists module URLs this plugin relies on, in declared
	// order. Informational: the runtime reports them but does not fetch
	// them; put required libraries in the catalog ahead of the plugin.
	Dependencies []string `json:"dependencies,omitempty"`

	// SourceURL is the URL the plugin was fetched from. Empty for plugins
	// compiled into the embedding application.
	SourceURL string `json:"sourceUrl,omitempty"`
}

// maxIDLength is the maximum allowed length for plugin IDs.
const maxIDLength = 64

// idPattern validates plugin IDs: must start with a lowercase letter,
// followed by lowercase letters, digits, or hyphens. Cannot end with a
// hyphen. Single character IDs are allowed.
var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

var idSanitize = regexp.MustCompile(`[^a-z0-9-]+`)

// Normalize fills derivable fields: ID from SourceURL, Name from ID.
func (m *Metadata) Normalize() {
	if m.ID == "" && m.SourceURL != "" {
		m.ID = DeriveID(m.SourceURL)
	}
	if m.Name == "" {
		m.Name = m.ID
	}
}

// Validate checks metadata constraints. Call Normalize first.
func (m *Metadata) Validate() error {
	if m.ID == "" || !idPattern.MatchString(m.ID) {
		return fmt.Errorf("id %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", m.ID)
	}
	if len(m.ID) > maxIDLength {
		return fmt.Errorf("id must be %d characters or less, got %d", maxIDLength, len(m.ID))
	}

	if m.Version != "" {
		if _, err := semver.NewVersion(m.Version); err != nil {
			return fmt.Errorf("version %q is not valid semver: %w", m.Version, err)
		}
	}

	if m.APIRequire != "" {
		c, err := semver.NewConstraint(m.APIRequire)
		if err != nil {
			return fmt.Errorf("apiRequire %q is not a valid constraint: %w", m.APIRequire, err)
		}
		if !c.Check(semver.MustParse(APIVersion)) {
			return fmt.Errorf("plugin requires runtime API %q, runtime offers %s", m.APIRequire, APIVersion)
		}
	}

	return nil
}

// DeriveID produces a stable plugin ID from a module URL: the file basename
// without extension, lowercased, with invalid characters folded to hyphens.
func DeriveID(sourceURL string) string {
	base := sourceURL
	if u, err := url.Parse(sourceURL); err == nil && u.Path != "" {
		base = u.Path
	}
	base = path.Base(base)
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.ToLower(base)
	base = idSanitize.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")

	if base == "" {
		return "plugin"
	}
	if !idPattern.MatchString(base) {
		// Leading digit or similar; prefix to satisfy the ID grammar.
		base = strings.Trim("plugin-"+base, "-")
	}
	if len(base) > maxIDLength {
		base = strings.Trim(base[:maxIDLength], "-")
	}
	return base
}
