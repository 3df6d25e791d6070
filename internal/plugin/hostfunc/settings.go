// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package hostfunc

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/settings"
)

// settingsRegisterFn returns the settings_register host function.
// Args: definition table with "category", "key", "default" and optional
// "type", "name", "description" fields.
// Returns: (true, nil) or (nil, error string).
//
// Settings register under the calling plugin's ID, so two plugins can use
// the same category and key without colliding. Re-registering an existing
// setting keeps the stored value, which is what a plugin reload wants.
func (f *Functions) settingsRegisterFn(ident Identity) lua.LGFunction {
	return func(L *lua.LState) int {
		tbl := L.CheckTable(1)
		owner, _ := ident.Current()

		if f.settings == nil {
			return pushError(L, "settings registry not available")
		}

		def := settings.Definition{
			Owner:       owner,
			Category:    stringField(tbl, "category"),
			Key:         stringField(tbl, "key"),
			DisplayName: stringField(tbl, "name"),
			Type:        settings.Type(stringField(tbl, "type")),
			Description: stringField(tbl, "description"),
			Default:     luaToGo(tbl.RawGetString("default")),
		}
		if _, err := f.settings.Register(def); err != nil {
			return pushError(L, err.Error())
		}
		return pushSuccess(L, lua.LTrue)
	}
}

// settingsGetFn returns the settings_get host function.
// Args: category (string), key (string).
// Returns: (value, nil) or (nil, error string).
func (f *Functions) settingsGetFn(ident Identity) lua.LGFunction {
	return func(L *lua.LState) int {
		category := L.CheckString(1)
		key := L.CheckString(2)
		owner, _ := ident.Current()

		if f.settings == nil {
			return pushError(L, "settings registry not available")
		}

		v, ok := f.settings.Value(owner, category, key)
		if !ok {
			return pushError(L, fmt.Sprintf("setting %s.%s not registered", category, key))
		}
		return pushSuccess(L, goToLua(L, v))
	}
}

// settingsSetFn returns the settings_set host function.
// Args: category (string), key (string), value.
// Returns: (true, nil) or (nil, error string).
func (f *Functions) settingsSetFn(ident Identity) lua.LGFunction {
	return func(L *lua.LState) int {
		category := L.CheckString(1)
		key := L.CheckString(2)
		value := luaToGo(L.Get(3))
		owner, _ := ident.Current()

		if f.settings == nil {
			return pushError(L, "settings registry not available")
		}

		if err := f.settings.Set(owner, category, key, value); err != nil {
			return pushError(L, err.Error())
		}
		return pushSuccess(L, lua.LTrue)
	}
}

// stringField reads a string field from a definition table. Missing or
// non-string fields read as empty.
func stringField(tbl *lua.LTable, name string) string {
	v := tbl.RawGetString(name)
	if s, ok := v.(lua.LString); ok {
		return string(s)
	}
	return ""
}
