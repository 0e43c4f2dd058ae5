// Package api exposes the download core over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/seantiz/haul/internal/fsys"
	"github.com/seantiz/haul/internal/jobs"
	"github.com/seantiz/haul/internal/model"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Server wraps the chi router and application dependencies.
type Server struct {
	router  *chi.Mux
	jobs    *jobs.Manager
	sandbox *fsys.Sandbox
	active  func() bool
	logger  *slog.Logger
	addr    string
}

// NewServer creates and configures a new HTTP server. active reports the
// network activity indicator; when nil, any unfinished download counts as
// activity.
func NewServer(addr string, mgr *jobs.Manager, sandbox *fsys.Sandbox, active func() bool, logger *slog.Logger) *Server {
	srv := &Server{
		router:  chi.NewRouter(),
		jobs:    mgr,
		sandbox: sandbox,
		active:  active,
		logger:  logger,
		addr:    addr,
	}
	if srv.active == nil {
		srv.active = func() bool { return len(mgr.DownloadsInProgress()) > 0 }
	}

	srv.router.Use(requestIDMiddleware)
	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(metricsMiddleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler())

	s.router.Get("/v1/system", s.handleGetSystem)

	s.router.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmitJob)
		r.Get("/", s.handleListJobs)
		r.Delete("/", s.handleDeleteAllJobs)
		r.Get("/{name}", s.handleGetJob)
		r.Get("/{name}/status", s.handleJobStatus)
		r.Delete("/{name}", s.handleDeleteJob)
	})

	s.router.Route("/v1/downloads", func(r chi.Router) {
		r.Post("/", s.handleDownloadFile)
		r.Get("/", s.handleListDownloads)
		r.Delete("/", s.handleCancelAllDownloads)
		r.Get("/{refID}", s.handleGetDownload)
		r.Get("/{refID}/status", s.handleDownloadStatus)
		r.Post("/{refID}/pause", s.handlePauseDownload)
		r.Post("/{refID}/resume", s.handleResumeDownload)
		r.Delete("/{refID}", s.handleCancelDownload)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run starts the HTTP server and blocks until a shutdown signal is received
// or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		s.logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("shutting down", "reason", context.Cause(ctx))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// requestIDMiddleware assigns a ULID to requests that arrive without an
// X-Request-Id, so middleware.RequestID adopts it, and echoes it back.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(middleware.RequestIDHeader)
		if id == "" {
			id = model.NewRunID()
			r.Header.Set(middleware.RequestIDHeader, id)
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
