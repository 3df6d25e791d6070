// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package resource

import (
	"log/slog"
	"reflect"
	"sync"
	"time"
)

// Timer is a tracked one-shot or repeating timer. Stop is idempotent and
// safe to call after the timer has fired.
type Timer struct {
	set  *Set
	halt func()
	once sync.Once
}

// Stop cancels the timer and removes it from its set.
func (t *Timer) Stop() {
	t.once.Do(t.halt)
	t.set.forget(t)
}

// stopOnly cancels without touching the set; used by Cleanup, which clears
// the collection wholesale.
func (t *Timer) stopOnly() {
	t.once.Do(t.halt)
}

type listenerReg struct {
	target  ListenerTarget
	event   string
	handler ListenerFunc
	opts    ListenerOptions
}

// Set is the exclusively-owned resource collection of one plugin.
// All methods are safe for concurrent use. A Set remains usable after
// Cleanup; restarting the plugin reuses the same set.
type Set struct {
	owner  string
	logger *slog.Logger

	mu            sync.Mutex
	timers        map[*Timer]struct{}
	observers     []Observer
	listeners     []listenerReg
	subscriptions []func()
	hooks         []HookRecord
}

// NewSet creates a resource set for the named owner.
// A nil logger falls back to slog.Default().
func NewSet(owner string, logger *slog.Logger) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{
		owner:  owner,
		logger: logger.With("plugin", owner),
		timers: make(map[*Timer]struct{}),
	}
}

// Owner returns the owning plugin's ID.
func (s *Set) Owner() string { return s.owner }

// AfterFunc schedules fn to run once after d and tracks the timer.
// The timer removes itself from the set after firing. Callback panics are
// logged, not propagated.
func (s *Set) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{set: s}
	timer := time.AfterFunc(d, func() {
		defer s.forget(t)
		s.safeCall("timer callback", fn)
	})
	t.halt = func() { timer.Stop() }

	s.mu.Lock()
	s.timers[t] = struct{}{}
	s.mu.Unlock()
	return t
}

// Every schedules fn to run every d until the timer is stopped, and tracks
// the timer. Callback panics are logged, not propagated.
func (s *Set) Every(d time.Duration, fn func()) *Timer {
	t := &Timer{set: s}
	ticker := time.NewTicker(d)
	done := make(chan struct{})
	t.halt = func() {
		ticker.Stop()
		close(done)
	}

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.safeCall("interval callback", fn)
			}
		}
	}()

	s.mu.Lock()
	s.timers[t] = struct{}{}
	s.mu.Unlock()
	return t
}

// TrackObserver records an observation handle for disconnect on cleanup.
func (s *Set) TrackObserver(o Observer) {
	if o == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, o)
	s.mu.Unlock()
}

// AddListener attaches handler to target and records the registration so
// cleanup can replay the exact same triple to RemoveEventListener.
func (s *Set) AddListener(target ListenerTarget, event string, handler ListenerFunc, opts ListenerOptions) {
	target.AddEventListener(event, handler, opts)

	s.mu.Lock()
	s.listeners = append(s.listeners, listenerReg{target: target, event: event, handler: handler, opts: opts})
	s.mu.Unlock()
}

// RemoveListener detaches the first tracked registration matching target,
// event, and handler identity. Returns false if no registration matched.
func (s *Set) RemoveListener(target ListenerTarget, event string, handler ListenerFunc) bool {
	want := reflect.ValueOf(handler).Pointer()

	s.mu.Lock()
	var reg listenerReg
	found := false
	for i, l := range s.listeners {
		if l.target == target && l.event == event && reflect.ValueOf(l.handler).Pointer() == want {
			reg = l
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return false
	}
	s.safeCall("listener removal", func() {
		reg.target.RemoveEventListener(reg.event, reg.handler, reg.opts)
	})
	return true
}

// TrackSubscription records a cancel function (event bus subscription, store
// watch) to invoke on cleanup.
func (s *Set) TrackSubscription(cancel func()) {
	if cancel == nil {
		return
	}
	s.mu.Lock()
	s.subscriptions = append(s.subscriptions, cancel)
	s.mu.Unlock()
}

// TrackHook records a hook registration. Cleanup never detaches hooks; the
// record only makes the retained callback visible in Stats.
func (s *Set) TrackHook(rec HookRecord) {
	s.mu.Lock()
	s.hooks = append(s.hooks, rec)
	s.mu.Unlock()
}

// Cleanup stops every tracked timer, disconnects observers, detaches
// listeners, and cancels subscriptions, then empties those four collections.
// Hook records survive. Cleanup is idempotent and tolerates handles that are
// already stopped or panic on release.
func (s *Set) Cleanup() Stats {
	s.mu.Lock()
	timers := make([]*Timer, 0, len(s.timers))
	for t := range s.timers {
		timers = append(timers, t)
	}
	observers := s.observers
	listeners := s.listeners
	subscriptions := s.subscriptions
	hookCount := len(s.hooks)

	s.timers = make(map[*Timer]struct{})
	s.observers = nil
	s.listeners = nil
	s.subscriptions = nil
	s.mu.Unlock()

	// Release outside the lock; releases may call back into the set.
	for _, t := range timers {
		t.stopOnly()
	}
	for _, o := range observers {
		o := o
		s.safeCall("observer disconnect", o.Disconnect)
	}
	for _, l := range listeners {
		l := l
		s.safeCall("listener removal", func() {
			l.target.RemoveEventListener(l.event, l.handler, l.opts)
		})
	}
	for _, cancel := range subscriptions {
		s.safeCall("subscription cancel", cancel)
	}

	return Stats{
		Timers:        len(timers),
		Observers:     len(observers),
		Listeners:     len(listeners),
		Subscriptions: len(subscriptions),
		Hooks:         hookCount,
	}
}

// Stats returns current collection sizes.
func (s *Set) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Timers:        len(s.timers),
		Observers:     len(s.observers),
		Listeners:     len(s.listeners),
		Subscriptions: len(s.subscriptions),
		Hooks:         len(s.hooks),
	}
}

func (s *Set) forget(t *Timer) {
	s.mu.Lock()
	delete(s.timers, t)
	s.mu.Unlock()
}

func (s *Set) safeCall(what string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Warn("resource callback panicked", "what", what, "panic", rec)
		}
	}()
	fn()
}
