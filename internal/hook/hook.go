// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

// Package hook provides a typed registry of interception points.
//
// An interception point is a named callable surface of the host application
// (dotted path, e.g. "api.sendNotification"). Plugins layer callbacks onto a
// point in four kinds:
//
//   - pre: observes the arguments before the target runs
//   - post: observes the result and arguments after the target ran
//   - void: vetoes the call entirely; when any void hook is registered, only
//     void hooks run and the caller gets a zero result
//   - replace: wraps the target; the last-registered replacement is the
//     outermost layer, and a failing layer falls back to the remainder of
//     the chain (fail-open)
//
// Points bind to their target lazily: the host either hands the target over
// directly with Bind, or installs a resolver that the registry retries with
// exponential backoff until the target appears.
package hook

import "context"

// Kind identifies how a callback attaches to an interception point.
type Kind string

// Hook kinds supported by the registry.
const (
	KindPre     Kind = "pre"
	KindPost    Kind = "post"
	KindVoid    Kind = "void"
	KindReplace Kind = "replace"
)

// CallFunc is the shape of an interception point: positional arguments in,
// one result out.
type CallFunc func(ctx context.Context, args []any) (any, error)

// PreFunc observes arguments before the target runs. Errors are logged and
// never block the call.
type PreFunc func(ctx context.Context, args []any) error

// PostFunc observes the result and arguments after the target ran. Errors
// are logged and never alter the result.
type PostFunc func(ctx context.Context, result any, args []any) error

// VoidFunc observes arguments of a vetoed call.
type VoidFunc func(ctx context.Context, args []any) error

// ReplaceFunc wraps an interception point. next is the remainder of the
// chain (deeper replacements, then the target); implementations may alter
// arguments, short-circuit, or transform the result.
type ReplaceFunc func(ctx context.Context, next CallFunc, args []any) (any, error)

// Registration is a live callback attachment. Hold onto it to Unregister.
type Registration struct {
	Path  string
	Owner string
	Kind  Kind

	pre     PreFunc
	post    PostFunc
	void    VoidFunc
	replace ReplaceFunc
}
