// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package plugin

import (
	"context"
	"time"

	"github.com/samber/oops"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/errutil"
	pluginsdk "github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/plugin"
)

// TriggerLogin delivers the signed-in user to every started plugin, then
// flushes host callbacks registered with OnLogin. At most one login is
// delivered per session; later calls are ignored. Enabled plugins that are
// not started yet receive the cached login when they start, so the
// broadcast eventually reaches every enabled plugin.
func (m *Manager) TriggerLogin(ctx context.Context, user pluginsdk.User) {
	m.loginMu.Lock()
	if m.loggedIn {
		m.loginMu.Unlock()
		m.logger.Debug("login already delivered this session", "user_id", user.ID)
		return
	}
	m.loggedIn = true
	m.user = user
	cbs := m.loginCbs
	m.loginCbs = nil
	m.loginMu.Unlock()

	for _, inst := range m.Instances() {
		if !inst.Started() {
			continue
		}
		m.invoke(ctx, inst, "on_login", func(ctx context.Context) error {
			return inst.plugin.OnLogin(ctx, user)
		})
	}

	for _, cb := range cbs {
		m.safeLoginCallback(cb, user)
	}

	m.logger.Info("login delivered",
		"user_id", user.ID,
		"display_name", user.DisplayName,
		"callbacks", len(cbs))
}

// OnLogin registers a host callback for the login event. When login
// already happened this session the callback runs immediately with the
// cached user, on the caller's goroutine.
func (m *Manager) OnLogin(cb func(pluginsdk.User)) {
	if cb == nil {
		return
	}
	m.loginMu.Lock()
	if m.loggedIn {
		user := m.user
		m.loginMu.Unlock()
		m.safeLoginCallback(cb, user)
		return
	}
	m.loginCbs = append(m.loginCbs, cb)
	m.loginMu.Unlock()
}

// User returns the cached login user and whether login happened.
func (m *Manager) User() (pluginsdk.User, bool) {
	m.loginMu.Lock()
	defer m.loginMu.Unlock()
	return m.user, m.loggedIn
}

func (m *Manager) safeLoginCallback(cb func(pluginsdk.User), user pluginsdk.User) {
	defer func() {
		if rec := recover(); rec != nil {
			err := oops.In("plugin").
				Code("lifecycle_error").
				With("operation", "login_callback").
				Errorf("callback panicked: %v", rec)
			errutil.LogError(m.logger, "login callback failed", err)
		}
	}()
	cb(user)
}

// WaitForPlugin blocks until the plugin registered under id reports
// loaded, re-checking on a fixed interval. It returns an error on timeout
// or context cancellation.
func (m *Manager) WaitForPlugin(ctx context.Context, id string, timeout time.Duration) error {
	errb := oops.In("plugin").Code("lifecycle_error").With("plugin", id)

	check := func() bool {
		inst, ok := m.Plugin(id)
		return ok && inst.Loaded()
	}
	if check() {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(m.poll)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return errb.Wrapf(ctx.Err(), "wait for plugin")
		case <-deadline.C:
			return errb.With("timeout", timeout).Errorf("plugin not loaded within %s", timeout)
		case <-tick.C:
			if check() {
				return nil
			}
		}
	}
}
