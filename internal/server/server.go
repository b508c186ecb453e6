// Package server provides the HTTP control surface of wlancmd.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/HerbHall/wlancm/internal/version"
	"github.com/HerbHall/wlancm/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PluginSource provides the server with plugin metadata and routes.
// Defined here (consumer-side) rather than importing the concrete registry.
type PluginSource interface {
	AllRoutes() map[string][]plugin.Route
	All() []plugin.Plugin
}

// ReadinessChecker verifies that the server is ready to serve traffic.
// Returns nil if ready, an error describing why not otherwise.
type ReadinessChecker func(ctx context.Context) error

// SimpleRouteRegistrar can register routes without middleware.
type SimpleRouteRegistrar interface {
	RegisterRoutes(mux *http.ServeMux)
}

// Options tune the optional parts of the server.
type Options struct {
	// Registry serves /metrics and receives the HTTP collectors. When nil
	// the default gatherer is served and no HTTP metrics are recorded.
	Registry *prometheus.Registry
	// ReadOnly rejects every state-changing request.
	ReadOnly bool
	// RateLimit is the per-client request rate; zero uses 100/s with a
	// burst of 200.
	RateLimit float64
	RateBurst int
}

// Server is the wlancmd HTTP server.
type Server struct {
	httpServer *http.Server
	plugins    PluginSource
	logger     *zap.Logger
	mux        *http.ServeMux
	ready      ReadinessChecker
	registry   *prometheus.Registry
}

// New creates a new Server with middleware and routes. Additional route
// registrars can be passed to register extra routes such as the
// WebSocket event stream.
func New(addr string, plugins PluginSource, logger *zap.Logger, ready ReadinessChecker, opts Options, extraRoutes ...SimpleRouteRegistrar) *Server {
	mux := http.NewServeMux()

	s := &Server{
		plugins:  plugins,
		logger:   logger,
		mux:      mux,
		ready:    ready,
		registry: opts.Registry,
	}

	s.registerRoutes()
	for _, r := range extraRoutes {
		r.RegisterRoutes(mux)
	}
	s.mountPluginRoutes()

	var metrics *HTTPMetrics
	if opts.Registry != nil {
		metrics = NewHTTPMetrics(opts.Registry)
	}
	rps, burst := opts.RateLimit, opts.RateBurst
	if rps <= 0 {
		rps, burst = 100, 200
	}
	if burst < 1 {
		burst = 1
	}
	quiet := []string{"/healthz", "/readyz", "/metrics"}

	// Middleware chain: outermost listed first.
	middlewares := []Middleware{
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger, metrics, quiet),
		SecurityHeadersMiddleware,
		VersionHeaderMiddleware,
		RateLimitMiddleware(rps, burst, quiet),
	}
	if opts.ReadOnly {
		middlewares = append(middlewares, ReadOnlyMiddleware)
		logger.Info("read-only mode enabled")
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           Chain(mux, middlewares...),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// registerRoutes sets up all core routes.
func (s *Server) registerRoutes() {
	// Unversioned operational endpoints.
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.HandleFunc("GET /readyz", s.handleReadyz)
	if s.registry != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	} else {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}

	// Versioned API endpoints.
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/v1/plugins", s.handlePlugins)
}

// mountPluginRoutes registers all plugin routes under /api/v1/{plugin}/.
func (s *Server) mountPluginRoutes() {
	allRoutes := s.plugins.AllRoutes()
	for pluginName, routes := range allRoutes {
		for _, route := range routes {
			pattern := fmt.Sprintf("%s /api/v1/%s%s", route.Method, pluginName, route.Path)
			s.mux.HandleFunc(pattern, route.Handler)
			s.logger.Debug("mounted route",
				zap.String("plugin", pluginName),
				zap.String("pattern", pattern),
			)
		}
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// handleHealthz is a liveness probe -- returns 200 if the process is running.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// handleReadyz checks readiness -- returns 200 if the server can serve traffic.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}

	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}

// HealthResponse is the response for GET /api/v1/health.
type HealthResponse struct {
	Status  string                         `json:"status"`
	Service string                         `json:"service"`
	Version map[string]string              `json:"version"`
	Plugins map[string]plugin.HealthStatus `json:"plugins,omitempty"`
}

// PluginResponse describes a registered plugin. Disabled plugins are
// listed with the reason they are not running.
type PluginResponse struct {
	Name        string   `json:"name"`
	Version     string   `json:"version,omitempty"`
	Description string   `json:"description,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	State       string   `json:"state"`
	Reason      string   `json:"reason,omitempty"`
}

// disabledSource is implemented by plugin sources that remember why a
// plugin was switched off.
type disabledSource interface {
	Disabled() map[string]string
}

// healthCheckTimeout bounds each plugin's Health call.
const healthCheckTimeout = 2 * time.Second

var healthRank = map[string]int{"ok": 0, "healthy": 0, "degraded": 1, "unhealthy": 2}

// aggregateHealth collects every plugin report. The service takes the
// worst status: any unhealthy plugin makes it unhealthy, a degraded one
// degrades it. An unknown status counts as unhealthy.
func aggregateHealth(ctx context.Context, plugins []plugin.Plugin) (string, map[string]plugin.HealthStatus) {
	status := "ok"
	reports := make(map[string]plugin.HealthStatus)
	for _, p := range plugins {
		hc, ok := p.(plugin.HealthChecker)
		if !ok {
			continue
		}
		hctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		hs := hc.Health(hctx)
		cancel()
		reports[p.Info().Name] = hs

		rank, known := healthRank[hs.Status]
		if !known {
			rank = healthRank["unhealthy"]
		}
		if rank > healthRank[status] {
			status = []string{"ok", "degraded", "unhealthy"}[rank]
		}
	}
	return status, reports
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, reports := aggregateHealth(r.Context(), s.plugins.All())
	resp := HealthResponse{
		Status:  status,
		Service: "wlancmd",
		Version: version.Map(),
		Plugins: reports,
	}
	w.Header().Set("Content-Type", "application/json")
	if status == "unhealthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// handlePlugins lists running and disabled plugins sorted by name.
func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	plugins := s.plugins.All()
	out := make([]PluginResponse, 0, len(plugins))
	for _, p := range plugins {
		pi := p.Info()
		out = append(out, PluginResponse{
			Name:        pi.Name,
			Version:     pi.Version,
			Description: pi.Description,
			Roles:       pi.Roles,
			State:       "running",
		})
	}
	if ds, ok := s.plugins.(disabledSource); ok {
		for name, reason := range ds.Disabled() {
			out = append(out, PluginResponse{Name: name, State: "disabled", Reason: reason})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}
