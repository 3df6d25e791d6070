// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

// Package event provides the namespaced pub/sub bus plugins use to talk to
// each other and to the runtime.
//
// Every event is addressed by a key of the form "{owner}:{name}", where
// owner is the emitting plugin's ID. Subscriptions may target an exact key,
// a bare name (implicitly scoped to the subscriber), or a glob pattern with
// ':' as the segment separator:
//   - "greeter:*" matches every event emitted by greeter
//   - "*:login" matches login from any single owner
//   - "**" matches everything
package event

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event is a single bus delivery.
type Event struct {
	// ID is a ULID; IDs from the same bus sort by emission order.
	ID string

	// Owner is the ID of the emitting plugin (or a runtime component name).
	Owner string

	// Name is the bare event name, without the owner prefix.
	Name string

	// Key is the canonical "{owner}:{name}" subscription key.
	Key string

	Timestamp time.Time
	Payload   any
}

// Key joins an owner and event name into the canonical subscription key.
func Key(owner, name string) string {
	return owner + ":" + name
}

var (
	entropy     = ulid.Monotonic(rand.Reader, 0)
	entropyLock sync.Mutex
)

// NewID generates a new ULID string. Monotonic entropy keeps IDs generated
// in the same millisecond ordered.
func NewID() string {
	entropyLock.Lock()
	defer entropyLock.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
