package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rankforge/pipeline/pkg/pipeline/ledger"
	"github.com/rankforge/pipeline/pkg/pipeline/progress"
	"github.com/rankforge/pipeline/pkg/pipeline/sched"
	"github.com/rankforge/pipeline/pkg/pipeline/store"
)

// Server is the pipeline HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Config holds all dependencies and configuration for creating a Server.
type Config struct {
	Scheduler *sched.Scheduler
	Store     store.Store
	Ledger    ledger.Ledger
	Progress  *progress.Publisher
	Logger    *slog.Logger

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(HandlersDeps{
		Scheduler: cfg.Scheduler,
		Store:     cfg.Store,
		Ledger:    cfg.Ledger,
		Progress:  cfg.Progress,
		Logger:    cfg.Logger,
		Version:   cfg.Version,
		MaxBody:   cfg.MaxRequestBodyBytes,
	})

	mux := http.NewServeMux()

	// Run lifecycle.
	mux.HandleFunc("POST /v1/runs", h.HandleCreateRun)
	mux.HandleFunc("GET /v1/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", h.HandleCancelRun)

	// Progress stream (long-lived connection, no write timeout).
	mux.HandleFunc("GET /v1/runs/{run_id}/events", h.HandleRunEvents)

	// Budget usage.
	mux.HandleFunc("GET /v1/usage", h.HandleUsage)

	// Health (no auth, no rate limit).
	mux.HandleFunc("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
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
