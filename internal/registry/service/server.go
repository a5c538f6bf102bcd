// Package service exposes a sqltree.Tree over HTTP. It is the consistency
// service that remote registry stores connect to.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/chirino/meshkeeper-sub000/internal/auth"
	"github.com/chirino/meshkeeper-sub000/internal/registry/sqltree"
)

// Config holds registry service configuration.
type Config struct {
	Listen string
	// APIKey is the legacy single bearer token (admin/full access).
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// ReapInterval is how often expired sessions are collected.
	ReapInterval time.Duration
	// MaxWait caps the long-poll wait a client may request.
	MaxWait time.Duration
}

// Server represents the registry HTTP server.
type Server struct {
	config    Config
	tree      *sqltree.Tree
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time

	wg sync.WaitGroup
}

// New creates a new registry server instance.
func New(config Config, tree *sqltree.Tree, logger *slog.Logger) *Server {
	if config.ReapInterval <= 0 {
		config.ReapInterval = time.Second
	}
	if config.MaxWait <= 0 {
		config.MaxWait = 30 * time.Second
	}
	return &Server{
		config:    config,
		tree:      tree,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start runs the HTTP server and the session reaper until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		// Long-polls hold the response open for up to MaxWait.
		WriteTimeout: s.config.MaxWait + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("registry server starting", "listen", s.config.Listen)

	reapCtx, stopReaper := context.WithCancel(ctx)
	defer stopReaper()
	s.wg.Add(1)
	go s.reapLoop(reapCtx)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("registry server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		stopReaper()
		s.wg.Wait()
		if err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		stopReaper()
		s.wg.Wait()
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) reapLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.tree.ExpireSessions(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("session reaping failed", "error", err)
			}
		}
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(s.config.APIKey, s.config.Tokens, s.writeError))

		rw := auth.RequireScopes(s.writeError, auth.ScopeRegistryRW, auth.ScopeAll)
		ro := auth.RequireScopes(s.writeError, auth.ScopeRegistryRO, auth.ScopeRegistryRW, auth.ScopeAll)

		r.With(rw).Post("/v1/sessions", s.handleCreateSession)
		r.With(rw).Put("/v1/sessions/{id}", s.handleTouchSession)
		r.With(rw).Delete("/v1/sessions/{id}", s.handleCloseSession)

		r.With(rw).Post("/v1/nodes", s.handleAddNode)
		r.With(ro).Get("/v1/nodes", s.handleGetNode)
		r.With(rw).Delete("/v1/nodes", s.handleRemoveNode)
		r.With(ro).Get("/v1/children", s.handleChildren)

		r.With(rw).Post("/v1/watches", s.handleAddWatch)
		r.With(rw).Delete("/v1/watches", s.handleRemoveWatch)

		r.With(auth.RequireScopes(s.writeError, auth.ScopeEventsRO, auth.ScopeEventsRW, auth.ScopeAll)).Get("/v1/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
