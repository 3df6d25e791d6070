// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package settings

// Accessor is a live-bound typed view of a single setting. Get and Set read
// and write the underlying Setting, so every Accessor for the same setting
// observes the same value. Set schedules a coalesced save through the
// registry the setting was registered with.
type Accessor[T any] struct {
	setting  *Setting
	registry *Registry
}

// Bind creates a typed accessor for a registered setting.
func Bind[T any](r *Registry, s *Setting) Accessor[T] {
	return Accessor[T]{setting: s, registry: r}
}

// Get returns the current value coerced to T. When the stored value cannot
// be represented as T the registered default is tried, then the zero value.
func (a Accessor[T]) Get() T {
	if v, ok := coerce[T](a.setting.Value()); ok {
		return v
	}
	if v, ok := coerce[T](a.setting.Default()); ok {
		return v
	}
	var zero T
	return zero
}

// Set writes a new value and requests a save.
func (a Accessor[T]) Set(v T) error {
	if err := a.setting.Set(v); err != nil {
		return err
	}
	if a.registry != nil {
		a.registry.RequestSave()
	}
	return nil
}

// Setting exposes the underlying setting with its metadata.
func (a Accessor[T]) Setting() *Setting {
	return a.setting
}

// coerce converts a decoded JSON value to T. JSON numbers decode as float64,
// so numeric targets accept the usual widenings.
func coerce[T any](v any) (T, bool) {
	if t, ok := v.(T); ok {
		return t, true
	}
	var zero T
	switch p := any(&zero).(type) {
	case *int:
		switch n := v.(type) {
		case float64:
			*p = int(n)
			return zero, true
		case int64:
			*p = int(n)
			return zero, true
		}
	case *int64:
		switch n := v.(type) {
		case float64:
			*p = int64(n)
			return zero, true
		case int:
			*p = int64(n)
			return zero, true
		}
	case *float64:
		switch n := v.(type) {
		case int:
			*p = float64(n)
			return zero, true
		case int64:
			*p = float64(n)
			return zero, true
		case float32:
			*p = float64(n)
			return zero, true
		}
	case *[]string:
		items, ok := v.([]any)
		if !ok {
			return zero, false
		}
		out := make([]string, len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return zero, false
			}
			out[i] = s
		}
		*p = out
		return zero, true
	}
	return zero, false
}
