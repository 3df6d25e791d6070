// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

//go:build integration

package integration

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/observability"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/plugin"
	hostruntime "github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/runtime"
	pluginsdk "github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/plugin"
)

// managerProxy lets the observability server exist before the runtime it
// manages, mirroring how the standalone harness wires the two.
type managerProxy struct {
	mgr atomic.Pointer[plugin.Manager]
}

func (p *managerProxy) AddPlugin(ctx context.Context, url string) pluginsdk.Result {
	return p.mgr.Load().AddPlugin(ctx, url)
}

func (p *managerProxy) RemovePlugin(ctx context.Context, url string) pluginsdk.Result {
	return p.mgr.Load().RemovePlugin(ctx, url)
}

func (p *managerProxy) ReloadPlugin(ctx context.Context, url string) pluginsdk.Result {
	return p.mgr.Load().ReloadPlugin(ctx, url)
}

func (p *managerProxy) ReloadAll(ctx context.Context) map[string]pluginsdk.Result {
	return p.mgr.Load().ReloadAll(ctx)
}

func (p *managerProxy) PluginList() plugin.ListReport {
	return p.mgr.Load().PluginList()
}

// testEnv is one full runtime: module HTTP server, settings file,
// runtime, and observability server.
type testEnv struct {
	ctx          context.Context
	cancel       context.CancelFunc
	moduleServer *httptest.Server
	settingsPath string
	rt           *hostruntime.Runtime
	obs          *observability.Server
	obsURL       string
}

// startEnv builds and starts a runtime serving the given Lua modules. The
// entries callback receives the module server's base URL and returns the
// catalog.
func startEnv(modules map[string]string, entries func(base string) []plugin.Entry, watch bool) *testEnv {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)

	env := &testEnv{ctx: ctx, cancel: cancel}
	env.moduleServer = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		source, ok := modules[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(source))
	}))

	tmpDir, err := os.MkdirTemp("", "pluginhost-test-*")
	Expect(err).NotTo(HaveOccurred())
	env.settingsPath = filepath.Join(tmpDir, "settings.json")

	proxy := &managerProxy{}
	env.obs = observability.NewServer("127.0.0.1:0", func() bool {
		return env.rt != nil && env.rt.Ready()
	}, proxy)

	env.rt, err = hostruntime.New(hostruntime.Options{
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		SettingsPath:  env.settingsPath,
		Catalog:       &plugin.Catalog{Plugins: entries(env.moduleServer.URL)},
		HTTPClient:    env.moduleServer.Client(),
		FetchTimeout:  5 * time.Second,
		FetchAttempts: 1,
		WatchSettings: watch,
		Metrics:       env.obs.Metrics(),
	})
	Expect(err).NotTo(HaveOccurred())
	proxy.mgr.Store(env.rt.Manager())

	Expect(env.rt.Start(ctx)).To(Succeed())

	_, err = env.obs.Start()
	Expect(err).NotTo(HaveOccurred())
	env.obsURL = "http://" + env.obs.Addr()

	return env
}

func (env *testEnv) stop() {
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()

	Expect(env.obs.Stop(stopCtx)).To(Succeed())
	Expect(env.rt.Stop(stopCtx)).To(Succeed())
	env.moduleServer.Close()
	env.cancel()
}

func (env *testEnv) get(path string) (int, string) {
	GinkgoHelper()
	resp, err := http.Get(env.obsURL + path)
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return resp.StatusCode, string(body)
}

func (env *testEnv) post(path, payload string) (int, string) {
	GinkgoHelper()
	resp, err := http.Post(env.obsURL+path, "application/json", bytes.NewBufferString(payload))
	Expect(err).NotTo(HaveOccurred())
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	Expect(err).NotTo(HaveOccurred())
	return resp.StatusCode, string(body)
}

var _ = Describe("Plugin runtime", func() {
	Describe("cold start", func() {
		It("loads the catalog and exposes runtime state over HTTP", func() {
			env := startEnv(map[string]string{
				"/lib.lua": `function shared_prefix() return "[lib] " end`,
				"/greeter.lua": `
					return {
						id = "greeter",
						name = "Greeter",
						version = "1.0.0",
						load = function()
							runtime.settings_register({
								category = "general",
								key = "message",
								type = "string",
								default = "",
							})
							runtime.settings_set("general", "message", shared_prefix() .. "hello")
						end,
					}
				`,
			}, func(base string) []plugin.Entry {
				return []plugin.Entry{
					{URL: base + "/lib.lua", Enabled: true, Library: true},
					{URL: base + "/greeter.lua", Enabled: true},
				}
			}, false)
			defer env.stop()

			Expect(env.rt.Ready()).To(BeTrue())

			// The plugin saw the library's globals through the shared
			// interpreter.
			v, ok := env.rt.Settings().Value("greeter", "general", "message")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal("[lib] hello"))

			status, _ := env.get("/readyz")
			Expect(status).To(Equal(http.StatusOK))

			status, body := env.get("/plugins")
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring("greeter"))
			Expect(gjson.Get(body, "loaded.#").Int()).To(Equal(int64(2)))

			status, body = env.get("/metrics")
			Expect(status).To(Equal(http.StatusOK))
			Expect(body).To(ContainSubstring("pluginhost_module_loads_total"))
			Expect(body).To(ContainSubstring("pluginhost_lifecycle_transitions_total"))
		})

		It("isolates a failing module from the rest of the catalog", func() {
			env := startEnv(map[string]string{
				"/ok.lua": `
					return { id = "ok", name = "OK", version = "1.0.0" }
				`,
			}, func(base string) []plugin.Entry {
				return []plugin.Entry{
					{URL: base + "/missing.lua", Enabled: true},
					{URL: base + "/ok.lua", Enabled: true},
				}
			}, false)
			defer env.stop()

			Expect(env.rt.Ready()).To(BeTrue())

			_, body := env.get("/plugins")
			Expect(gjson.Get(body, "failed.#").Int()).To(Equal(int64(1)))
			Expect(gjson.Get(body, "loaded.#").Int()).To(Equal(int64(1)))

			inst, ok := env.rt.Manager().Plugin("ok")
			Expect(ok).To(BeTrue())
			Expect(inst.Started()).To(BeTrue())
		})
	})

	Describe("event delivery", func() {
		It("fans events out across plugins", func() {
			env := startEnv(map[string]string{
				"/listener.lua": `
					return {
						id = "listener",
						name = "Listener",
						version = "1.0.0",
						load = function()
							runtime.settings_register({
								category = "stats",
								key = "last_ping",
								type = "string",
								default = "",
							})
							runtime.events_on("emitter:ping", function(ev)
								runtime.settings_set("stats", "last_ping", ev.payload.text)
							end)
						end,
					}
				`,
				"/emitter.lua": `
					return {
						id = "emitter",
						name = "Emitter",
						version = "1.0.0",
						start = function()
							runtime.events_emit("ping", { text = "over here" })
						end,
					}
				`,
			}, func(base string) []plugin.Entry {
				return []plugin.Entry{
					{URL: base + "/listener.lua", Enabled: true},
					{URL: base + "/emitter.lua", Enabled: true},
				}
			}, false)
			defer env.stop()

			v, ok := env.rt.Settings().Value("listener", "stats", "last_ping")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal("over here"))
		})
	})

	Describe("hook interception", func() {
		It("routes host calls through a plugin's replace chain", func() {
			env := startEnv(map[string]string{
				"/filter.lua": `
					return {
						id = "filter",
						name = "Filter",
						version = "1.0.0",
						load = function()
							runtime.hooks_replace("chat.send", function(next, text)
								return "[filtered] " .. next(text)
							end)
						end,
					}
				`,
			}, func(base string) []plugin.Entry {
				return []plugin.Entry{{URL: base + "/filter.lua", Enabled: true}}
			}, false)
			defer env.stop()

			Expect(env.rt.Hooks().Bind("chat.send", func(_ context.Context, args []any) (any, error) {
				return args[0], nil
			})).To(Succeed())

			var result any
			Eventually(func() error {
				var err error
				result, err = env.rt.Hooks().Call(env.ctx, "chat.send", "hi all")
				return err
			}, 5*time.Second, 50*time.Millisecond).Should(Succeed())
			Expect(result).To(Equal("[filtered] hi all"))
		})
	})

	Describe("settings persistence", func() {
		It("persists plugin settings and picks up external edits", func() {
			env := startEnv(map[string]string{
				"/tunable.lua": `
					return {
						id = "tunable",
						name = "Tunable",
						version = "1.0.0",
						load = function()
							runtime.settings_register({
								category = "general",
								key = "enabled",
								type = "boolean",
								default = true,
							})
							runtime.settings_set("general", "enabled", true)
						end,
					}
				`,
			}, func(base string) []plugin.Entry {
				return []plugin.Entry{{URL: base + "/tunable.lua", Enabled: true}}
			}, true)
			defer env.stop()

			env.rt.Settings().Flush()

			doc, err := os.ReadFile(env.settingsPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(gjson.GetBytes(doc, "pluginSystem.settings.tunable.general.enabled").Bool()).To(BeTrue())

			// An external editor flips the value on disk; the watcher
			// reloads it into the registry.
			edited, err := sjson.SetBytes(doc, "pluginSystem.settings.tunable.general.enabled", false)
			Expect(err).NotTo(HaveOccurred())
			Expect(os.WriteFile(env.settingsPath, edited, 0o600)).To(Succeed())

			Eventually(func() any {
				v, _ := env.rt.Settings().Value("tunable", "general", "enabled")
				return v
			}, 5*time.Second, 100*time.Millisecond).Should(Equal(false))
		})
	})

	Describe("management endpoints", func() {
		It("reloads and removes plugins at runtime", func() {
			greeter := `
				return { id = "greeter", name = "Greeter", version = "1.0.0" }
			`
			env := startEnv(map[string]string{
				"/greeter.lua": greeter,
			}, func(base string) []plugin.Entry {
				return []plugin.Entry{{URL: base + "/greeter.lua", Enabled: true}}
			}, false)
			defer env.stop()

			url := env.moduleServer.URL + "/greeter.lua"

			status, body := env.post("/plugins/reload", `{"url": "`+url+`"}`)
			Expect(status).To(Equal(http.StatusOK))
			Expect(gjson.Get(body, "success").Bool()).To(BeTrue())

			_, body = env.get("/plugins")
			Expect(body).To(ContainSubstring("greeter"))

			status, body = env.post("/plugins/remove", `{"url": "`+url+`"}`)
			Expect(status).To(Equal(http.StatusOK))
			Expect(gjson.Get(body, "success").Bool()).To(BeTrue())

			_, body = env.get("/plugins")
			Expect(gjson.Get(body, "plugins.#").Int()).To(BeZero())
		})
	})

	Describe("login and shutdown", func() {
		It("delivers the login and tears down plugin resources", func() {
			env := startEnv(map[string]string{
				"/tracker.lua": `
					return {
						id = "tracker",
						name = "Tracker",
						version = "1.0.0",
						load = function()
							runtime.settings_register({
								category = "session",
								key = "user",
								type = "string",
								default = "",
							})
						end,
						start = function()
							runtime.set_interval(function() end, 60000)
						end,
						on_login = function(user)
							runtime.settings_set("session", "user", user.id)
						end,
					}
				`,
			}, func(base string) []plugin.Entry {
				return []plugin.Entry{{URL: base + "/tracker.lua", Enabled: true}}
			}, false)
			defer env.stop()

			env.rt.TriggerLogin(env.ctx, pluginsdk.User{ID: "usr_42", DisplayName: "Tester"})

			v, ok := env.rt.Settings().Value("tracker", "session", "user")
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal("usr_42"))

			set := env.rt.Manager().ResourcesFor("tracker")
			Expect(set.Stats().Timers).To(Equal(1))

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			env.rt.Manager().StopAll(stopCtx)
			Expect(set.Stats().Timers).To(BeZero())
		})
	})
})
