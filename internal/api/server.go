// Package api hosts the HTTP control plane for the migration task manager.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/pgferry/pgferry/internal/api/handlers"
	"github.com/pgferry/pgferry/internal/api/middleware"
	"github.com/pgferry/pgferry/internal/pkg/logger"
	"github.com/pgferry/pgferry/internal/task"
)

type Config struct {
	Host    string
	Port    int
	Verbose bool
	Version string
}

type Server struct {
	config       Config
	router       *chi.Mux
	httpServer   *http.Server
	tasksHandler *handlers.TasksHandler
}

// NewServer wires the task manager behind the REST routes.
func NewServer(cfg Config, manager *task.Manager) *Server {
	s := &Server{
		config:       cfg,
		tasksHandler: handlers.NewTasksHandler(manager),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.config.Verbose))
	r.Use(middleware.BodyLimit(0))
	r.Use(chimiddleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/", s.tasksHandler.HandleKinds)

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.tasksHandler.HandleList)
		r.Get("/{kind}", s.tasksHandler.HandleList)
		r.Post("/{kind}/{arg}", s.tasksHandler.HandleCreate)
		r.Get("/{kind}/{arg}", s.tasksHandler.HandleGet)
		r.Delete("/{kind}/{arg}", s.tasksHandler.HandleDelete)
	})

	s.router = r
}

// Router exposes the routes for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","version":%q}`, s.config.Version)
}

// Start serves until the context is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	return nil
}
