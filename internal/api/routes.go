// Package api provides HTTP handlers and routing for the realsched service.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/flexinfer/realsched/internal/auth"
	"github.com/flexinfer/realsched/internal/monitor"
)

// ServerOptions holds the optional pieces mounted next to the API.
type ServerOptions struct {
	// Auth guards /api/v1 and the watcher websocket when set.
	Auth *auth.Middleware
	// RateLimiter throttles /api/v1 per client IP when set.
	RateLimiter *auth.RateLimiter
	// Hub serves the dispatch and watcher websockets when set.
	Hub *monitor.Hub
	// Tracing wraps the router in otelhttp instrumentation.
	Tracing bool
}

// Server holds the HTTP handlers and dependencies.
type Server struct {
	router   *mux.Router
	handlers *Handlers
	opts     ServerOptions
}

// NewServer creates a new API server with the given handlers.
func NewServer(h *Handlers, opts ServerOptions) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		handlers: h,
		opts:     opts,
	}
	s.setupRoutes()
	return s
}

// Router returns the configured router for use with http.Server.
func (s *Server) Router() http.Handler {
	if s.opts.Tracing {
		return otelhttp.NewHandler(s.router, "realsched",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + routeTemplate(r)
			}),
		)
	}
	return s.router
}

func (s *Server) setupRoutes() {
	// Health endpoints
	s.router.HandleFunc("/health", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/healthz", s.handlers.Health).Methods("GET")
	s.router.HandleFunc("/ready", s.handlers.Ready).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// API routes
	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Ensembles
	api.HandleFunc("/ensembles", s.handlers.CreateEnsemble).Methods("POST")
	api.HandleFunc("/ensembles", s.handlers.ListEnsembles).Methods("GET")
	api.HandleFunc("/ensembles/{id}", s.handlers.GetEnsemble).Methods("GET")
	api.HandleFunc("/ensembles/{id}/realizations", s.handlers.ListRealizations).Methods("GET")
	api.HandleFunc("/ensembles/{id}/kill", s.handlers.KillEnsemble).Methods("POST")
	api.HandleFunc("/ensembles/{id}/stop-long-running", s.handlers.StopLongRunning).Methods("POST")
	api.HandleFunc("/ensembles/{id}/events", s.handlers.StreamEvents).Methods("GET")

	// Manifests
	api.HandleFunc("/manifests/validate", s.handlers.ValidateManifest).Methods("POST")

	// RunStore diagnostics
	api.HandleFunc("/runstore/info", s.handlers.RunStoreInfo).Methods("GET")

	if s.opts.RateLimiter != nil {
		api.Use(s.opts.RateLimiter.Handler)
	}
	var protect func(http.Handler) http.Handler
	if s.opts.Auth != nil {
		api.Use(s.opts.Auth.Handler)
		protect = s.opts.Auth.Handler
	}

	// Monitor websockets
	if s.opts.Hub != nil {
		s.opts.Hub.Routes(s.router, protect)
	}

	// Apply middleware
	s.router.Use(s.handlers.CORSMiddleware)
	s.router.Use(s.handlers.SecurityHeadersMiddleware)
	s.router.Use(s.handlers.LoggingMiddleware)
	s.router.Use(s.handlers.RecoveryMiddleware)
}
