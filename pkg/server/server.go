// Package server is the HTTP/SSE surface of the runtime. It exposes
// run execution as a server-sent event stream, interruption of active
// runs, a per-user log tail, and the operational health and metrics
// endpoints. Every conversation frame the supervisor publishes on the
// event bus is relayed verbatim to the connected client.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/munshi-ai/munshi/pkg/auth"
	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/events"
	"github.com/munshi-ai/munshi/pkg/observability"
	"github.com/munshi-ai/munshi/pkg/orchestrator"
	"github.com/munshi-ai/munshi/pkg/usage"
)

// defaultUser owns conversations and log streams when authentication
// is disabled.
const defaultUser = "default"

// Deps are the components the server fronts. Supervisor and Bus are
// required; Verifier nil disables authentication; Meter nil reports
// empty budgets; Tracer and Metrics nil disable their instrumentation.
type Deps struct {
	Supervisor *orchestrator.Supervisor
	Bus        *events.Bus
	Verifier   *auth.Verifier
	Meter      *usage.Meter
	Tracer     *observability.Tracer
	Metrics    *observability.Metrics
}

// Server serves the HTTP API.
type Server struct {
	cfg      config.ServerConfig
	sup      *orchestrator.Supervisor
	bus      *events.Bus
	verifier *auth.Verifier
	meter    *usage.Meter
	tracer   *observability.Tracer
	metrics  *observability.Metrics

	http *http.Server
}

// New builds the server and its router.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	if deps.Supervisor == nil {
		return nil, fmt.Errorf("server: supervisor is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("server: event bus is required")
	}

	s := &Server{
		cfg:      cfg,
		sup:      deps.Supervisor,
		bus:      deps.Bus,
		verifier: deps.Verifier,
		meter:    deps.Meter,
		tracer:   deps.Tracer,
		metrics:  deps.Metrics,
	}
	s.http = &http.Server{
		Addr:              cfg.Address(),
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s, nil
}

// buildRouter assembles routes and middleware. Order: logging, then
// metrics/tracing, then CORS; auth wraps only the run endpoints since
// the log stream authenticates through its token query parameter.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(logRequests)
	r.Use(observability.HTTPMiddleware(s.tracer, s.metrics))
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/logs", s.handleLogs)

	r.Group(func(r chi.Router) {
		if s.verifier != nil {
			r.Use(s.verifier.Middleware)
		}
		r.Post("/run", s.handleRun)
		r.Post("/interrupt", s.handleInterrupt)
		r.Get("/usage", s.handleUsage)
	})

	return r
}

// Handler exposes the assembled router.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// Start serves until Shutdown or listener failure. Blocking.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.http.Addr, "auth", s.verifier != nil)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully. Event streams are closed first
// so streaming handlers drain and the HTTP shutdown is not held open by
// them; in-flight runs keep executing and persist their results.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("HTTP server shutting down")
	s.bus.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// userID resolves the caller identity: verified claims when auth is
// enabled, the fixed default user otherwise.
func (s *Server) userID(r *http.Request) string {
	if claims := auth.FromContext(r.Context()); claims != nil && claims.Subject != "" {
		return claims.Subject
	}
	return defaultUser
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("HTTP request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

// cors applies the configured origin policy and short-circuits
// preflight requests.
func (s *Server) cors(next http.Handler) http.Handler {
	headers := strings.Join(s.cfg.CORS.AllowedHeaders, ", ")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := allowedOrigin(s.cfg.CORS.AllowedOrigins, r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", headers)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func allowedOrigin(allowed []string, origin string) string {
	for _, o := range allowed {
		if o == "*" {
			return "*"
		}
		if o == origin && origin != "" {
			return origin
		}
	}
	return ""
}
