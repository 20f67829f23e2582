// Package server exposes the read-only status API: health, job
// lookups, and published-snapshot metadata. All mutation happens
// through the object-store job flow; this surface never writes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/openelev/demjobs/internal/errors"
	"github.com/openelev/demjobs/pkg/ledger"
	"github.com/openelev/demjobs/pkg/snapshot"
)

// Deps are the collaborators the API reads from. Snapshot may be nil
// when publication is not configured; its endpoint then returns 404.
type Deps struct {
	Ledger   *ledger.Store
	Snapshot *snapshot.Reader
	Version  string
	Logger   *zap.Logger
}

// Server is the HTTP status API.
type Server struct {
	host   string
	port   int
	deps   Deps
	router chi.Router
	http   *http.Server
}

// New builds the server and its routes.
func New(host string, port int, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	s := &Server{host: host, port: port, deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewNotFound("resource not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, &apperrors.AppError{
			Code:    apperrors.CodeMethodNotAllowed,
			Message: "method not allowed",
		})
	})

	r.Get("/health", s.handleHealth)
	r.Get("/version", s.handleVersion)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{username}/{jobID}", s.handleGetJob)
		r.Get("/jobs/{username}/{jobID}/files", s.handleListFiles)
		r.Get("/snapshot/meta", s.handleSnapshotMeta)
	})

	s.router = r
	return s
}

// Handler returns the router for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured listen port.
func (s *Server) Port() int { return s.port }

// Addr returns the listen address.
func (s *Server) Addr() string { return fmt.Sprintf("%s:%d", s.host, s.port) }

// ListenAndServe serves until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe(readTimeout, writeTimeout, idleTimeout time.Duration) error {
	s.http = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	s.deps.Logger.Info("status API listening", zap.String("addr", s.Addr()))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// recovery converts handler panics into the standard error envelope.
func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.deps.Logger.Error("handler panic",
					zap.String("path", r.URL.Path),
					zap.Any("panic", rec))
				apperrors.RespondWithError(w, r,
					apperrors.NewInternal(fmt.Sprintf("panic: %v", rec), nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
