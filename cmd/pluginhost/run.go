// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package main

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/logging"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/observability"
	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/plugin"
	hostruntime "github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/runtime"
	pluginsdk "github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/plugin"
)

// defaultCatalog is the module list used when no --catalog file is given.
//
//go:embed catalog.yaml
var defaultCatalog []byte

// runConfig holds configuration for the run command. Values come from the
// config file, overridden by flags.
type runConfig struct {
	metricsAddr   string
	settingsPath  string
	catalogPath   string
	logFormat     string
	fetchTimeout  time.Duration
	fetchAttempts int
	watchSettings bool
}

// Validate checks that the configuration is valid.
func (cfg *runConfig) Validate() error {
	if cfg.logFormat != "json" && cfg.logFormat != "text" {
		return fmt.Errorf("log-format must be 'json' or 'text', got %q", cfg.logFormat)
	}
	if cfg.fetchAttempts < 1 {
		return fmt.Errorf("fetch-attempts must be at least 1, got %d", cfg.fetchAttempts)
	}
	return nil
}

// Default values for run command flags.
const (
	defaultMetricsAddr   = "127.0.0.1:9400"
	defaultLogFormat     = "json"
	defaultFetchTimeout  = 30 * time.Second
	defaultFetchAttempts = 3
)

// NewRunCmd creates the run subcommand.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the plugin runtime",
		Long: `Run the plugin runtime as a standalone process: load the module
catalog, start every enabled plugin, and serve metrics and management
endpoints until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadRunConfig(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runHost(cmd.Context(), cfg, cmd)
		},
	}

	cmd.Flags().String("metrics-addr", defaultMetricsAddr, "metrics/management HTTP address (empty = disabled)")
	cmd.Flags().String("settings-path", "", "settings document path (default: XDG_CONFIG_HOME/pluginhost/settings.json)")
	cmd.Flags().String("catalog", "", "module catalog YAML path (default: built-in catalog)")
	cmd.Flags().String("log-format", defaultLogFormat, "log format (json or text)")
	cmd.Flags().Duration("fetch-timeout", defaultFetchTimeout, "per-attempt module fetch timeout")
	cmd.Flags().Int("fetch-attempts", defaultFetchAttempts, "module fetch attempts before a URL is marked failed")
	cmd.Flags().Bool("watch-settings", true, "reload the settings document when edited on disk")

	return cmd
}

// loadRunConfig resolves the run configuration: flag defaults, then the
// config file when given, then explicit flag overrides.
func loadRunConfig(path string, flags *pflag.FlagSet) (*runConfig, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	// Flags win over file values; unchanged flags only fill gaps.
	if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
		return nil, fmt.Errorf("failed to read flags: %w", err)
	}

	cfg := &runConfig{
		metricsAddr:   k.String("metrics-addr"),
		settingsPath:  k.String("settings-path"),
		catalogPath:   k.String("catalog"),
		logFormat:     k.String("log-format"),
		fetchTimeout:  k.Duration("fetch-timeout"),
		fetchAttempts: k.Int("fetch-attempts"),
		watchSettings: k.Bool("watch-settings"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadCatalog reads and validates the module catalog, falling back to the
// built-in one when no path is configured.
func loadCatalog(path string) (*plugin.Catalog, error) {
	data := defaultCatalog
	if path != "" {
		fileData, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
		}
		data = fileData
	}

	if err := plugin.ValidateSchema(data); err != nil {
		return nil, fmt.Errorf("catalog failed schema validation: %s", plugin.FormatSchemaError(err))
	}
	return plugin.ParseCatalog(data)
}

// managerHandle defers management-endpoint dispatch to a manager that is
// constructed after the observability server. It is populated before the
// server starts listening.
type managerHandle struct {
	mgr atomic.Pointer[plugin.Manager]
}

func (h *managerHandle) AddPlugin(ctx context.Context, url string) pluginsdk.Result {
	if m := h.mgr.Load(); m != nil {
		return m.AddPlugin(ctx, url)
	}
	return pluginsdk.Fail("runtime not started")
}

func (h *managerHandle) RemovePlugin(ctx context.Context, url string) pluginsdk.Result {
	if m := h.mgr.Load(); m != nil {
		return m.RemovePlugin(ctx, url)
	}
	return pluginsdk.Fail("runtime not started")
}

func (h *managerHandle) ReloadPlugin(ctx context.Context, url string) pluginsdk.Result {
	if m := h.mgr.Load(); m != nil {
		return m.ReloadPlugin(ctx, url)
	}
	return pluginsdk.Fail("runtime not started")
}

func (h *managerHandle) ReloadAll(ctx context.Context) map[string]pluginsdk.Result {
	if m := h.mgr.Load(); m != nil {
		return m.ReloadAll(ctx)
	}
	return nil
}

func (h *managerHandle) PluginList() plugin.ListReport {
	if m := h.mgr.Load(); m != nil {
		return m.PluginList()
	}
	return plugin.ListReport{}
}

// runHost starts the runtime and blocks until a shutdown signal arrives.
func runHost(ctx context.Context, cfg *runConfig, cmd *cobra.Command) error {
	logging.SetDefault("pluginhost", version, cfg.logFormat)

	slog.Info("starting plugin runtime",
		"metrics_addr", cfg.metricsAddr,
		"log_format", cfg.logFormat,
	)

	catalog, err := loadCatalog(cfg.catalogPath)
	if err != nil {
		return err
	}

	// The observability server owns the metrics registry, so it exists
	// before the runtime that records into it.
	var (
		obsServer *observability.Server
		ready     atomic.Bool
		admin     managerHandle
	)
	var metrics *observability.Metrics
	if cfg.metricsAddr != "" {
		obsServer = observability.NewServer(cfg.metricsAddr, ready.Load, &admin)
		metrics = obsServer.Metrics()
	}

	rt, err := hostruntime.New(hostruntime.Options{
		Logger:        slog.Default(),
		SettingsPath:  cfg.settingsPath,
		Catalog:       catalog,
		FetchTimeout:  cfg.fetchTimeout,
		FetchAttempts: cfg.fetchAttempts,
		WatchSettings: cfg.watchSettings,
		Metrics:       metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to build runtime: %w", err)
	}
	admin.mgr.Store(rt.Manager())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime: %w", err)
	}
	ready.Store(true)

	var obsErrChan <-chan error
	if obsServer != nil {
		obsErrChan, err = obsServer.Start()
		if err != nil {
			stopRuntime(rt)
			return fmt.Errorf("failed to start observability server: %w", err)
		}
	}

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Plugin runtime started")
	slog.Info("plugin runtime ready", "modules", len(catalog.Plugins))

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-obsErrChan:
		slog.Error("observability server failed", "error", err)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	// Graceful shutdown
	slog.Info("shutting down...")
	ready.Store(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	stopRuntime(rt)

	slog.Info("shutdown complete")
	return nil
}

func stopRuntime(rt *hostruntime.Runtime) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Stop(stopCtx); err != nil {
		slog.Warn("error stopping runtime", "error", err)
	}
}
