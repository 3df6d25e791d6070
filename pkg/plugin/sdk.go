// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

// Package pluginsdk defines the contract between the plugin runtime and
// plugin implementations.
//
// Plugins fetched from remote sources are wrapped into this interface by the
// Lua module host; plugins compiled into the embedding application implement
// it directly, usually by embedding Base.
package pluginsdk

import (
	"context"
	"fmt"
)

// APIVersion is the runtime API version offered to plugins. Plugins that
// declare a minimum API requirement are gated against this value with a
// semver constraint at registration time.
const APIVersion = "1.0.0"

// Plugin is implemented by every runtime-managed plugin.
//
// Lifecycle methods are invoked sequentially by the manager, never
// concurrently for the same plugin. Implementations must not assume any
// particular goroutine.
type Plugin interface {
	// Metadata returns the plugin descriptor. Must be non-nil and stable
	// after registration.
	Metadata() *Metadata

	// Load performs one-time initialization: settings registration, hook and
	// event wiring. Called before Start.
	Load(ctx context.Context) error

	// Start activates the plugin. May be called again after Stop.
	Start(ctx context.Context) error

	// OnLogin is invoked at most once per session, after Start, when the
	// host account becomes available.
	OnLogin(ctx context.Context, user User) error

	// Stop deactivates the plugin. Tracked timers, observers, listeners and
	// subscriptions are swept by the runtime after Stop returns.
	Stop(ctx context.Context) error
}

// User identifies the signed-in account of the host application.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// Result reports the outcome of a management operation. Management
// operations never abort the runtime; failures surface here and in logs.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// OK builds a successful Result with a formatted message.
func OK(format string, args ...any) Result {
	return Result{Success: true, Message: fmt.Sprintf(format, args...)}
}

// Fail builds a failed Result with a formatted message.
func Fail(format string, args ...any) Result {
	return Result{Success: false, Message: fmt.Sprintf(format, args...)}
}

// Base provides metadata storage and no-op lifecycle methods. Plugins that
// only need a subset of the lifecycle embed Base and override what they use.
type Base struct {
	Meta Metadata
}

// Metadata returns the embedded descriptor.
func (b *Base) Metadata() *Metadata { return &b.Meta }

// Load is a no-op.
func (b *Base) Load(context.Context) error { return nil }

// Start is a no-op.
func (b *Base) Start(context.Context) error { return nil }

// OnLogin is a no-op.
func (b *Base) OnLogin(context.Context, User) error { return nil }

// Stop is a no-op.
func (b *Base) Stop(context.Context) error { return nil }

// Compile-time interface check.
var _ Plugin = (*Base)(nil)
