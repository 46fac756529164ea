// Package api serves the bridge's local status endpoints: liveness,
// a JSON status document, and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/nugget/varta-bridge/internal/buildinfo"
	"github.com/nugget/varta-bridge/internal/connwatch"
	"github.com/nugget/varta-bridge/internal/poller"
	"github.com/nugget/varta-bridge/internal/status"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// PollerView is the read side of the poller.
type PollerView interface {
	Snapshot() poller.Snapshot
	Healthy() bool
}

// Deps are the components the status server reports on. Watch and
// Metrics are optional.
type Deps struct {
	Poller   PollerView
	Reporter *status.Reporter
	Watch    *connwatch.Manager
	Metrics  http.Handler
	Logger   *slog.Logger
}

// Server is the status HTTP server.
type Server struct {
	listen string
	deps   Deps
	logger *slog.Logger
	server *http.Server
}

// Health is the /healthz response body.
type Health struct {
	Status       string             `json:"status"`
	Polling      bool               `json:"polling"`
	Dependencies []connwatch.Health `json:"dependencies,omitempty"`
}

// Status is the /v1/status response body.
type Status struct {
	Service      string             `json:"service_status"`
	Login        string             `json:"login_status"`
	Poller       poller.Snapshot    `json:"poller"`
	Dependencies []connwatch.Health `json:"dependencies,omitempty"`
	Build        map[string]string  `json:"build"`
}

// NewServer creates a status server listening on listen (host:port).
func NewServer(listen string, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	s := &Server{
		listen: listen,
		deps:   deps,
		logger: deps.Logger,
	}
	s.server = &http.Server{
		Addr:              listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	return s
}

// Handler returns the routed handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(s.withLogging)

	r.Get("/", s.handleRoot)
	r.Get("/healthz", s.handleHealth)
	r.Get("/v1/status", s.handleStatus)
	r.Get("/v1/version", s.handleVersion)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}
	return r
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown, including when Shutdown ran first.
func (s *Server) Start(ctx context.Context) error {
	s.server.BaseContext = func(_ net.Listener) context.Context {
		return ctx
	}

	s.logger.Info("starting status server", "listen", s.listen)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Probes hit /healthz constantly; keep them out of Info.
		level := slog.LevelInfo
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":    "vartabridge",
		"version": buildinfo.Version,
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildinfo.Info(), s.logger)
}

// handleHealth returns 200 when the last cycle succeeded and every
// watched dependency is reachable, 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := Health{Status: "ok"}
	if s.deps.Poller != nil {
		h.Polling = s.deps.Poller.Healthy()
	}
	ready := h.Polling
	if s.deps.Watch != nil {
		h.Dependencies = s.deps.Watch.Health()
		ready = ready && s.deps.Watch.Ready()
	}

	code := http.StatusOK
	if !ready {
		h.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h, s.logger)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := Status{Build: buildinfo.Info()}
	if s.deps.Reporter != nil {
		login, service := s.deps.Reporter.Current()
		st.Login = login.String()
		st.Service = service.String()
	}
	if s.deps.Poller != nil {
		st.Poller = s.deps.Poller.Snapshot()
	}
	if s.deps.Watch != nil {
		st.Dependencies = s.deps.Watch.Health()
	}
	writeJSON(w, http.StatusOK, st, s.logger)
}
