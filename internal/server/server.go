package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inkstone-app/inkstone/internal/health"
	"github.com/inkstone-app/inkstone/internal/ratelimit"
	"github.com/inkstone-app/inkstone/internal/scheduler"
	"github.com/inkstone-app/inkstone/internal/storage"
)

// Server is the Inkstone HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds the dependencies and settings for creating a Server.
type Config struct {
	DB        *storage.DB
	Scheduler *scheduler.Scheduler
	Probe     *health.Probe
	Limiter   *ratelimit.Limiter // nil disables API throttling
	Logger    *slog.Logger

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// New creates an HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := &handlers{
		db:      cfg.DB,
		sched:   cfg.Scheduler,
		probe:   cfg.Probe,
		logger:  cfg.Logger,
		version: cfg.Version,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(func(next http.Handler) http.Handler { return loggingMiddleware(cfg.Logger, next) })
	r.Use(func(next http.Handler) http.Handler { return recoveryMiddleware(cfg.Logger, next) })

	// Mutating endpoints that create work are throttled per client IP.
	limited := func(next http.Handler) http.Handler {
		return rateLimitMiddleware(cfg.Limiter, next)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.handleStatus)
		r.Post("/start", h.handleStart)
		r.Post("/stop", h.handleStop)

		r.With(limited).Post("/operations", h.handleQueueOperation)
		r.Get("/operations", h.handleListOperations)
		r.Get("/operations/{id}", h.handleGetOperation)
		r.Delete("/operations/{id}", h.handleCancelOperation)

		r.Get("/config", h.handleGetConfig)
		r.Patch("/config", h.handlePatchConfig)

		r.Get("/logs", h.handleGetLogs)

		r.Get("/content/{id}", h.handleGetContent)
		r.Get("/content/stats", h.handleContentStats)
	})
	r.Get("/healthz", h.handleHealthz)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: r,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
