package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/taskforge/codetaskd/internal/engine"
	"github.com/taskforge/codetaskd/internal/task"
)

// TaskSubmitter runs the end-to-end creation flow and worker callbacks.
type TaskSubmitter interface {
	Submit(ctx context.Context, in task.CreateInput) (*engine.SubmitResult, error)
	ApplyStatusUpdate(ctx context.Context, taskID string, update engine.StatusUpdate) error
}

// TaskCanceller validates and applies a nonce-authorized cancellation.
type TaskCanceller interface {
	Cancel(ctx context.Context, taskID, nonce, userID string) error
}

// TaskReader loads tasks for the read-back endpoint.
type TaskReader interface {
	GetByID(ctx context.Context, id string) (*task.CodeTask, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the bearer token required on task endpoints.
	APIKey string
	// DispatchSecret authenticates worker status callbacks (HMAC).
	DispatchSecret string
	// WorkerCount is reported on /healthz.
	WorkerCount int
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	submitter TaskSubmitter
	canceller TaskCanceller
	reader    TaskReader
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, submitter TaskSubmitter, canceller TaskCanceller, reader TaskReader, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		submitter: submitter,
		canceller: canceller,
		reader:    reader,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server (blocking)
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	// Run server in a goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for context cancellation or server error
	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Routes
	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Worker callbacks authenticate via HMAC signature, not bearer token.
	r.Post("/tasks/{taskID}/status", s.handleStatusCallback)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks/{taskID}", s.handleGetTask)
		r.Post("/tasks/{taskID}/cancel", s.handleCancelTask)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
