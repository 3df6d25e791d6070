// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

// Package observability provides HTTP endpoints for metrics, health
// checks, and runtime plugin management.
package observability

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"

	"github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/internal/plugin"
	pluginsdk "github.com/vrcx-plugin-system/vrcx-plugin-system-sub001/pkg/plugin"
)

// ReadinessChecker returns whether the runtime finished its cold start.
type ReadinessChecker func() bool

// PluginAdmin is the management surface the server exposes over HTTP.
// *plugin.Manager implements it.
type PluginAdmin interface {
	AddPlugin(ctx context.Context, url string) pluginsdk.Result
	RemovePlugin(ctx context.Context, url string) pluginsdk.Result
	ReloadPlugin(ctx context.Context, url string) pluginsdk.Result
	ReloadAll(ctx context.Context) map[string]pluginsdk.Result
	PluginList() plugin.ListReport
}

// Compile-time interface check.
var _ PluginAdmin = (*plugin.Manager)(nil)

// Server provides HTTP endpoints for observability and management.
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	admin      PluginAdmin
	running    atomic.Bool
}

// NewServer creates an observability server. admin may be nil, in which
// case the management endpoints answer 503.
// addr: listen address in "host:port" format (e.g. "127.0.0.1:9100").
func NewServer(addr string, readinessChecker ReadinessChecker, admin PluginAdmin) *Server {
	// Own registry to avoid polluting the global one
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	metrics := NewMetrics(registry)

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
		admin:    admin,
	}
}

// Metrics returns the runtime metrics for recording events.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving. It returns an error channel that receives any
// error from the HTTP server after startup; the channel closes when the
// server stops gracefully.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/healthz", s.handleLiveness)
	mux.HandleFunc("/readyz", s.handleReadiness)

	mux.HandleFunc("/plugins", s.handlePluginList)
	mux.HandleFunc("/plugins/add", s.handlePluginOp(func(ctx context.Context, url string) pluginsdk.Result {
		return s.admin.AddPlugin(ctx, url)
	}))
	mux.HandleFunc("/plugins/remove", s.handlePluginOp(func(ctx context.Context, url string) pluginsdk.Result {
		return s.admin.RemovePlugin(ctx, url)
	}))
	mux.HandleFunc("/plugins/reload", s.handlePluginOp(func(ctx context.Context, url string) pluginsdk.Result {
		return s.admin.ReloadPlugin(ctx, url)
	}))
	mux.HandleFunc("/plugins/reload-all", s.handleReloadAll)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on, empty when not
// running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}

func (s *Server) handlePluginList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.admin == nil {
		http.Error(w, "management not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.admin.PluginList())
}

// opRequest is the body of a management POST.
type opRequest struct {
	URL string `json:"url"`
}

// handlePluginOp adapts one url-taking management operation to HTTP.
// Failures stay 200: the operation ran, its outcome is in the Result.
func (s *Server) handlePluginOp(op func(ctx context.Context, url string) pluginsdk.Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.admin == nil {
			http.Error(w, "management not available", http.StatusServiceUnavailable)
			return
		}

		var req opRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.URL == "" {
			writeJSON(w, http.StatusBadRequest, pluginsdk.Fail("request body must be {\"url\": ...}"))
			return
		}
		writeJSON(w, http.StatusOK, op(r.Context(), req.URL))
	}
}

func (s *Server) handleReloadAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.admin == nil {
		http.Error(w, "management not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.admin.ReloadAll(r.Context()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("management response write failed", "error", err)
	}
}
