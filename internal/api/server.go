package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/quarry/internal/catalog"
	"github.com/mattjoyce/quarry/internal/config"
	"github.com/mattjoyce/quarry/internal/events"
	"github.com/mattjoyce/quarry/internal/gateway"
	"github.com/mattjoyce/quarry/internal/kernel"
	"github.com/mattjoyce/quarry/internal/notebook"
)

// Ingestor defines the dataset operations the API exposes.
type Ingestor interface {
	Ensure(ctx context.Context, workspaceID, sourcePath string) (*catalog.Dataset, bool, error)
	List(ctx context.Context, workspaceID string) ([]*catalog.Dataset, error)
	DeleteWorkspace(ctx context.Context, workspaceID string) error
}

// Executor defines the code execution operations the API exposes.
type Executor interface {
	Execute(ctx context.Context, workspaceID, code string) (*gateway.Result, error)
	Cancel(workspaceID string) error
}

// RuntimeManager defines the kernel lifecycle operations the API exposes.
type RuntimeManager interface {
	Status(workspaceID string) kernel.State
	Snapshot(workspaceID string) kernel.Snapshot
	EnsureReady(ctx context.Context, workspaceID string) (*kernel.Kernel, error)
	Reset(ctx context.Context, workspaceID string) (*kernel.Kernel, error)
	Stop(ctx context.Context, workspaceID string) error
	Describe() map[string]string
}

// NotebookStore defines the notebook persistence operations the API exposes.
type NotebookStore interface {
	Load(workspaceID string) ([]notebook.Cell, error)
	AppendCell(workspaceID, title, code string) error
	ReplaceAll(workspaceID string, cells []notebook.Cell) error
}

// Server is the HTTP front of the engine.
type Server struct {
	config    config.APIConfig
	ingest    Ingestor
	exec      Executor
	runtime   RuntimeManager
	notebooks NotebookStore
	hub       *events.Hub
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance.
func New(cfg config.APIConfig, ing Ingestor, exec Executor, runtime RuntimeManager, nb NotebookStore, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:    cfg,
		ingest:    ing,
		exec:      exec,
		runtime:   runtime,
		notebooks: nb,
		hub:       hub,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Minute, // long-running executions stream through here
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

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/events", s.handleEvents)

		r.Route("/v1/workspaces/{workspaceID}", func(r chi.Router) {
			r.Delete("/", s.handleWorkspaceDelete)

			r.Get("/kernel", s.handleKernelStatus)
			r.Post("/kernel", s.handleKernelStart)
			r.Post("/kernel/reset", s.handleKernelReset)
			r.Delete("/kernel", s.handleKernelStop)

			r.Get("/datasets", s.handleDatasetList)
			r.Post("/datasets", s.handleDatasetEnsure)

			r.Post("/execute", s.handleExecute)
			r.Post("/execute/cancel", s.handleExecuteCancel)

			r.Get("/notebook", s.handleNotebookGet)
			r.Put("/notebook", s.handleNotebookPut)
			r.Post("/notebook/cells", s.handleNotebookAppend)
		})
	})

	return r
}

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
