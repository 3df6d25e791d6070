// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package event

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/samber/oops"
)

// Handler receives one delivered event. Handlers run synchronously on the
// emitter's goroutine; a slow handler delays everyone behind it.
type Handler func(ctx context.Context, ev Event)

// Subscription is a live registration on the bus. It stays active until Cancel
// or Bus.Unsubscribe; the bus never removes subscriptions on its own when the
// owning plugin stops. Owners that want stop-time cleanup route Cancel through
// their resource set.
type Subscription struct {
	id      string
	key     string
	owner   string
	pattern glob.Glob // non-nil for wildcard subscriptions
	handler Handler
	bus     *Bus
}

// ID returns the subscription's ULID.
func (s *Subscription) ID() string { return s.id }

// Key returns the key or pattern this subscription matches.
func (s *Subscription) Key() string { return s.key }

// Owner returns the subscribing plugin's ID.
func (s *Subscription) Owner() string { return s.owner }

// Cancel removes the subscription from the bus. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.bus.Unsubscribe(s)
}

// BusOption configures the Bus.
type BusOption func(*Bus)

// WithDeliveryObserver installs a callback invoked after each emission with
// the event key and the number of handlers that ran. Used for metrics.
func WithDeliveryObserver(fn func(key string, listeners int)) BusOption {
	return func(b *Bus) {
		b.observe = fn
	}
}

// Bus is a synchronous, namespaced pub/sub dispatcher.
//
// Delivery is in subscription order: exact-key subscriptions first, then
// pattern subscriptions, each in registration order. A panicking handler is
// logged and skipped; the remaining handlers still run.
type Bus struct {
	mu       sync.RWMutex
	exact    map[string][]*Subscription
	patterns []*Subscription
	logger   *slog.Logger
	observe  func(key string, listeners int)
}

// NewBus creates an event bus. A nil logger falls back to slog.Default().
func NewBus(logger *slog.Logger, opts ...BusOption) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		exact:  make(map[string][]*Subscription),
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a handler for events matching spec.
//
// spec resolution:
//   - a bare name ("login") is scoped to the subscribing owner: "{owner}:login"
//   - a qualified key ("other:login") crosses plugins as written
//   - anything containing glob metacharacters is compiled as a pattern with
//     ':' as the separator
func (b *Bus) Subscribe(owner, spec string, h Handler) (*Subscription, error) {
	if h == nil {
		return nil, oops.In("event").With("owner", owner).With("spec", spec).New("handler cannot be nil")
	}
	if spec == "" {
		return nil, oops.In("event").With("owner", owner).New("event spec cannot be empty")
	}

	key := spec
	if !strings.Contains(spec, ":") {
		key = Key(owner, spec)
	}

	sub := &Subscription{
		id:      NewID(),
		key:     key,
		owner:   owner,
		handler: h,
		bus:     b,
	}

	if strings.ContainsAny(key, "*?[{") {
		g, err := glob.Compile(key, ':')
		if err != nil {
			return nil, oops.In("event").With("owner", owner).With("pattern", key).Hint("invalid glob pattern").Wrap(err)
		}
		sub.pattern = g
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.pattern != nil {
		b.patterns = append(b.patterns, sub)
	} else {
		b.exact[key] = append(b.exact[key], sub)
	}
	return sub, nil
}

// Unsubscribe removes a subscription. Unknown or already-removed
// subscriptions are ignored.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.pattern != nil {
		for i, s := range b.patterns {
			if s == sub {
				b.patterns = append(b.patterns[:i], b.patterns[i+1:]...)
				return
			}
		}
		return
	}

	subs := b.exact[sub.key]
	for i, s := range subs {
		if s == sub {
			b.exact[sub.key] = append(subs[:i], subs[i+1:]...)
			if len(b.exact[sub.key]) == 0 {
				delete(b.exact, sub.key)
			}
			return
		}
	}
}

// Emit dispatches an event to every matching subscription, synchronously, and
// returns the event that was delivered. Handler panics are logged and do not
// stop delivery to the remaining handlers.
func (b *Bus) Emit(ctx context.Context, owner, name string, payload any) Event {
	ev := Event{
		ID:        NewID(),
		Owner:     owner,
		Name:      name,
		Key:       Key(owner, name),
		Timestamp: time.Now(),
		Payload:   payload,
	}

	// Snapshot under the read lock so handlers can subscribe/unsubscribe
	// without deadlocking.
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.exact[ev.Key])+len(b.patterns))
	targets = append(targets, b.exact[ev.Key]...)
	for _, sub := range b.patterns {
		if sub.pattern.Match(ev.Key) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		b.deliver(ctx, sub, ev)
	}

	if b.observe != nil {
		b.observe(ev.Key, len(targets))
	}
	return ev
}

func (b *Bus) deliver(ctx context.Context, sub *Subscription, ev Event) {
	defer func() {
		if rec := recover(); rec != nil {
			b.logger.Warn("event handler panicked",
				"key", ev.Key,
				"event_id", ev.ID,
				"subscriber", sub.owner,
				"subscription_id", sub.id,
				"panic", rec)
		}
	}()
	sub.handler(ctx, ev)
}

// SubscriberCount returns the number of exact-key subscriptions for key.
// Pattern subscriptions are not counted.
func (b *Bus) SubscriberCount(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.exact[key])
}
