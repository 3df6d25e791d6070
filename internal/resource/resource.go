// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

// Package resource tracks everything a plugin acquires during its lifetime —
// timers, observers, event listeners, subscriptions — so that stopping the
// plugin releases all of it in one sweep.
//
// Hook registrations are the exception: they are recorded for visibility but
// never detached by Cleanup, because other plugins' callbacks may already be
// layered on top of the same interception point.
package resource

// Observer is a detachable observation handle.
type Observer interface {
	Disconnect()
}

// ObserverFunc adapts a plain function to Observer.
type ObserverFunc func()

// Disconnect calls the function.
func (f ObserverFunc) Disconnect() { f() }

// ListenerFunc handles a listener event payload.
type ListenerFunc func(payload any)

// ListenerOptions carries listener registration options. The value handed to
// AddEventListener is replayed verbatim to RemoveEventListener on cleanup.
type ListenerOptions map[string]any

// ListenerTarget is any surface that accepts event listeners.
type ListenerTarget interface {
	AddEventListener(event string, handler ListenerFunc, opts ListenerOptions)
	RemoveEventListener(event string, handler ListenerFunc, opts ListenerOptions)
}

// HookRecord notes a hook registration made by the owner. Records make the
// retained callbacks visible in Stats; Cleanup does not remove them.
type HookRecord struct {
	Path string
	Kind string
}

// Stats reports collection sizes. For Cleanup it reports what was released,
// except Hooks, which reports what was deliberately retained.
type Stats struct {
	Timers        int
	Observers     int
	Listeners     int
	Subscriptions int
	Hooks         int
}
