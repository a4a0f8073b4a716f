package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/dmarsh/gaffer/internal/batch"
	"github.com/dmarsh/gaffer/internal/events"
	"github.com/dmarsh/gaffer/internal/ledger"
	"github.com/dmarsh/gaffer/internal/registry"
	"github.com/dmarsh/gaffer/internal/supervisor"
)

// Dispatcher launches workers and tracks in-flight handles.
type Dispatcher interface {
	Dispatch(ctx context.Context, worker *registry.Worker, items batch.WorkBatch, timeout time.Duration) (*supervisor.Handle, error)
	Active() int
}

// DispatchStore provides read access to the dispatch ledger.
//
//go:generate mockgen -source=server.go -destination=mocks/store.go -package=mocks DispatchStore
type DispatchStore interface {
	Get(ctx context.Context, id string) (*ledger.Entry, error)
	Recent(ctx context.Context, limit int) ([]*ledger.Entry, error)
	Active(ctx context.Context) (int, error)
}

// WorkerRegistry resolves worker names to discovered workers.
type WorkerRegistry interface {
	Get(name string) (*registry.Worker, bool)
	All() map[string]*registry.Worker
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the bearer token required on /v1 routes.
	APIKey string
	// MaxTimeout caps caller-requested dispatch timeouts.
	MaxTimeout time.Duration
	// MaxSyncWait bounds how long a sync dispatch request may block.
	MaxSyncWait time.Duration
}

// Server is the HTTP API for submitting batches and inspecting dispatches.
type Server struct {
	config     Config
	dispatcher Dispatcher
	store      DispatchStore
	registry   WorkerRegistry
	events     *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance.
func New(config Config, dispatcher Dispatcher, store DispatchStore, reg WorkerRegistry, hub *events.Hub, logger *slog.Logger) *Server {
	if config.MaxTimeout <= 0 {
		config.MaxTimeout = 10 * time.Minute
	}
	if config.MaxSyncWait <= 0 {
		config.MaxSyncWait = config.MaxTimeout + 30*time.Second
	}
	return &Server{
		config:     config,
		dispatcher: dispatcher,
		store:      store,
		registry:   reg,
		events:     hub,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start starts the HTTP server (blocking until ctx is cancelled).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Minute, // sync dispatches and SSE streams outlive normal requests
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

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

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/v1/dispatch", s.handleDispatch)
		r.Get("/v1/dispatches", s.handleListDispatches)
		r.Get("/v1/dispatches/{dispatchID}", s.handleGetDispatch)
		r.Get("/v1/workers", s.handleListWorkers)
		r.Get("/v1/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
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
