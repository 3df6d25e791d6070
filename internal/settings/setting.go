// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

// Package settings implements the typed settings registry and its JSON
// persistence.
//
// Settings are grouped plugin -> category -> key, with a reserved "global"
// owner for values that belong to no plugin. Only values that differ from
// their registered default are written to disk. The persisted document is
// shared with the host application, so every write is a read-merge-write on
// the full document and never touches keys outside the pluginSystem
// namespace.
package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// GlobalOwner is the reserved owner bucket for settings that belong to no
// plugin.
const GlobalOwner = "global"

// Type identifies the JSON shape a setting's value must have.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeObject  Type = "object"
	TypeArray   Type = "array"
)

// Valid reports whether t names a known setting type.
func (t Type) Valid() bool {
	switch t {
	case TypeString, TypeNumber, TypeBoolean, TypeObject, TypeArray:
		return true
	}
	return false
}

// Check verifies that v is an acceptable value for the type. A nil value is
// accepted for every type.
func (t Type) Check(v any) error {
	if v == nil {
		return nil
	}
	switch t {
	case TypeString:
		if _, ok := v.(string); ok {
			return nil
		}
	case TypeNumber:
		switch v.(type) {
		case int, int32, int64, float32, float64, json.Number:
			return nil
		}
	case TypeBoolean:
		if _, ok := v.(bool); ok {
			return nil
		}
	case TypeObject:
		if reflect.TypeOf(v).Kind() == reflect.Map {
			return nil
		}
	case TypeArray:
		switch reflect.TypeOf(v).Kind() {
		case reflect.Slice, reflect.Array:
			return nil
		}
	default:
		return fmt.Errorf("unknown setting type %q", string(t))
	}
	return &TypeError{Expected: t, Actual: fmt.Sprintf("%T", v)}
}

// inferType guesses a Type from a default value.
func inferType(v any) (Type, bool) {
	switch v.(type) {
	case string:
		return TypeString, true
	case bool:
		return TypeBoolean, true
	case int, int32, int64, float32, float64, json.Number:
		return TypeNumber, true
	}
	if v == nil {
		return "", false
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Map:
		return TypeObject, true
	case reflect.Slice, reflect.Array:
		return TypeArray, true
	}
	return "", false
}

// TypeError reports a value that does not match a setting's declared type.
type TypeError struct {
	Expected Type
	Actual   string
}

func (e *TypeError) Error() string {
	return fmt.Sprintf("expected %s value, got %s", e.Expected, e.Actual)
}

// ErrNotRegistered indicates a lookup for a setting that was never
// registered.
var ErrNotRegistered = errors.New("setting not registered")

// Definition describes a setting to register.
type Definition struct {
	Owner       string // empty means GlobalOwner
	Category    string
	Key         string
	DisplayName string
	Type        Type // inferred from Default when empty
	Default     any
	Description string
}

func (d *Definition) normalize() error {
	if d.Owner == "" {
		d.Owner = GlobalOwner
	}
	if d.Category == "" {
		return errors.New("setting category cannot be empty")
	}
	if d.Key == "" {
		return errors.New("setting key cannot be empty")
	}
	if d.Type == "" {
		t, ok := inferType(d.Default)
		if !ok {
			return fmt.Errorf("cannot infer type for %s.%s.%s: no type given and default is %T",
				d.Owner, d.Category, d.Key, d.Default)
		}
		d.Type = t
	}
	if !d.Type.Valid() {
		return fmt.Errorf("unknown setting type %q", string(d.Type))
	}
	if err := d.Type.Check(d.Default); err != nil {
		return fmt.Errorf("default for %s.%s.%s: %w", d.Owner, d.Category, d.Key, err)
	}
	if d.DisplayName == "" {
		d.DisplayName = d.Key
	}
	return nil
}

// Setting is a single registered setting. Identity and metadata are fixed at
// registration; only the value changes afterwards.
type Setting struct {
	Owner       string
	Category    string
	Key         string
	DisplayName string
	Type        Type
	Description string

	mu    sync.RWMutex
	def   any
	value any
}

func newSetting(d Definition) *Setting {
	return &Setting{
		Owner:       d.Owner,
		Category:    d.Category,
		Key:         d.Key,
		DisplayName: d.DisplayName,
		Type:        d.Type,
		Description: d.Description,
		def:         d.Default,
		value:       d.Default,
	}
}

// Value returns the current value.
func (s *Setting) Value() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.value
}

// Default returns the registered default value.
func (s *Setting) Default() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.def
}

// Set replaces the current value after checking it against the setting's
// type. Persistence is the registry's concern, not Set's.
func (s *Setting) Set(v any) error {
	if err := s.Type.Check(v); err != nil {
		return fmt.Errorf("set %s.%s.%s: %w", s.Owner, s.Category, s.Key, err)
	}
	s.mu.Lock()
	s.value = v
	s.mu.Unlock()
	return nil
}

// Reset restores the default value in memory.
func (s *Setting) Reset() {
	s.mu.Lock()
	s.value = s.def
	s.mu.Unlock()
}

// Modified reports whether the current value serializes differently from the
// default. Only modified settings are persisted.
func (s *Setting) Modified() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !jsonEqual(s.value, s.def)
}

// jsonEqual compares two values by their JSON serialization. Map keys are
// sorted by encoding/json, so object comparison is order-insensitive.
func jsonEqual(a, b any) bool {
	ja, err := json.Marshal(a)
	if err != nil {
		return false
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ja, jb)
}
