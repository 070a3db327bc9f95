// Package server provides the HTTP server for the gateway.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	apierrors "github.com/devrev/boundary-gateway/internal/errors"
	"github.com/devrev/boundary-gateway/internal/firewall"
	"github.com/devrev/boundary-gateway/internal/handler"
	"github.com/devrev/boundary-gateway/internal/metrics"
	"github.com/devrev/boundary-gateway/internal/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Config holds listener settings.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	EnableDebug  bool
}

// Server represents the HTTP server.
type Server struct {
	router       *mux.Router
	httpServer   *http.Server
	handlers     *handler.Handlers
	errorHandler *apierrors.Handler
	blocker      firewall.Blocker
	metrics      *metrics.Metrics
	logger       *zap.Logger
	cfg          Config
}

// NewServer creates a new HTTP server. blocker may be nil.
func NewServer(
	cfg Config,
	handlers *handler.Handlers,
	errorHandler *apierrors.Handler,
	blocker firewall.Blocker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &Server{
		router:       router,
		httpServer:   httpServer,
		handlers:     handlers,
		errorHandler: errorHandler,
		blocker:      blocker,
		metrics:      m,
		logger:       logger,
		cfg:          cfg,
	}
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() {
	middlewareChain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger),
	}
	if s.blocker != nil {
		middlewareChain = append(middlewareChain, middleware.Firewall(s.blocker, s.errorHandler, s.logger))
	}
	middlewareChain = append(middlewareChain, metrics.MetricsMiddleware(s.metrics, routeTemplate))

	chain := middleware.Chain(middlewareChain...)
	s.router.Use(func(next http.Handler) http.Handler {
		return chain(next)
	})

	// Health check endpoints
	s.router.HandleFunc("/health", s.handlers.Liveness).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.handlers.Readiness).Methods(http.MethodGet)

	v2 := s.router.PathPrefix("/api/v2").Subrouter()
	v2.HandleFunc("/status", s.handlers.Status).Methods(http.MethodGet)
	v2.HandleFunc("/subnet/{subnet_id}/{method}", s.handlers.Call).Methods(http.MethodPost)

	if s.cfg.EnableDebug {
		debug := s.router.PathPrefix("/debug").Subrouter()
		debug.HandleFunc("/snapshot", s.handlers.DebugSnapshot).Methods(http.MethodGet)
		debug.HandleFunc("/health", s.handlers.DebugHealth).Methods(http.MethodGet)
	}

	// mux does not apply Use middleware to these two handlers.
	s.router.NotFoundHandler = chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.RequestIDFrom(r.Context())
		s.errorHandler.WriteErrorResponse(w, http.StatusNotFound, apierrors.ErrorCodeNotFound, "endpoint not found", requestID)
	}))

	s.router.MethodNotAllowedHandler = chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := middleware.RequestIDFrom(r.Context())
		s.errorHandler.WriteErrorResponse(w, http.StatusMethodNotAllowed, apierrors.ErrorCodeInvalidRequest, "method not allowed", requestID)
	}))
}

// routeTemplate labels metrics by route pattern rather than raw path, so
// subnet ids do not explode label cardinality.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.Int("port", s.cfg.Port))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the http.Handler for the server.
func (s *Server) GetHandler() http.Handler {
	return s.router
}
