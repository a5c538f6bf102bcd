package remoting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/chirino/meshkeeper-sub000/internal/auth"
	"github.com/chirino/meshkeeper-sub000/internal/log"
)

//go:generate mockgen -destination=mocks/mock_exporter.go -package=mocks github.com/chirino/meshkeeper-sub000/internal/remoting Exporter

// Exporter makes Services reachable over the network.
type Exporter interface {
	Export(svc Service) (Stub, error)
	Unexport(id string) error
	Close(ctx context.Context) error
}

// ExporterConfig configures an HTTPExporter.
type ExporterConfig struct {
	// Listen is the bind address; ":0" picks a free port.
	Listen string
	// Advertise overrides the host:port placed in stubs.
	Advertise string
	APIKey    string
	Tokens    []auth.TokenConfig
}

// HTTPExporter serves exported objects at POST /v1/objects/{id}/{method}.
type HTTPExporter struct {
	cfg    ExporterConfig
	logger *slog.Logger

	mu      sync.RWMutex
	objects map[string]Service
	address string
	server  *http.Server
	done    chan struct{}
}

var _ Exporter = (*HTTPExporter)(nil)

func NewHTTPExporter(cfg ExporterConfig) *HTTPExporter {
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	return &HTTPExporter{
		cfg:     cfg,
		logger:  log.WithComponent("remoting"),
		objects: make(map[string]Service),
	}
}

// Start binds the listener and serves in the background.
func (e *HTTPExporter) Start(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", e.cfg.Listen)
	if err != nil {
		return fmt.Errorf("remoting listen %s: %w", e.cfg.Listen, err)
	}

	advertise := e.cfg.Advertise
	if advertise == "" {
		advertise = ln.Addr().String()
	}

	e.mu.Lock()
	e.address = "http://" + advertise
	e.server = &http.Server{
		Handler:     e.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	e.done = make(chan struct{})
	server, done := e.server, e.done
	e.mu.Unlock()

	go func() {
		defer close(done)
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("remoting server stopped", "error", err)
		}
	}()
	e.logger.Info("remoting exporter listening", "address", e.address)
	return nil
}

// Address is the base URL placed in stubs.
func (e *HTTPExporter) Address() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.address
}

func (e *HTTPExporter) Export(svc Service) (Stub, error) {
	if svc == nil {
		return Stub{}, fmt.Errorf("export nil service")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.server == nil {
		return Stub{}, ErrNotStarted
	}
	id := uuid.NewString()
	e.objects[id] = svc
	return Stub{ID: id, Address: e.address}, nil
}

// Unexport drops id. Unknown ids are ignored.
func (e *HTTPExporter) Unexport(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.objects, id)
	return nil
}

// Exported reports the number of live objects.
func (e *HTTPExporter) Exported() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.objects)
}

// Close stops serving and drops every export.
func (e *HTTPExporter) Close(ctx context.Context) error {
	e.mu.Lock()
	server, done := e.server, e.done
	e.server = nil
	e.objects = make(map[string]Service)
	e.mu.Unlock()
	if server == nil {
		return nil
	}
	err := server.Shutdown(ctx)
	if err != nil {
		_ = server.Close()
	}
	<-done
	return err
}

// Handler routes invocations; exposed for httptest.
func (e *HTTPExporter) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(e.cfg.APIKey, e.cfg.Tokens, writeError))
		r.With(auth.RequireScopes(writeError, auth.ScopeObjects, auth.ScopeAll)).
			Post("/v1/objects/{id}/{method}", e.handleInvoke)
	})
	return r
}

func (e *HTTPExporter) handleInvoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	method := chi.URLParam(r, "method")

	e.mu.RLock()
	svc, ok := e.objects[id]
	e.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if !ok {
		_ = EncodeReply(w, nil, fmt.Errorf("%w: %s", ErrNoSuchObject, id))
		return
	}

	args, err := io.ReadAll(r.Body)
	if err != nil {
		_ = EncodeReply(w, nil, fmt.Errorf("%w: %v", ErrBadArguments, err))
		return
	}

	result, err := svc.Invoke(r.Context(), method, args)
	if err != nil {
		e.logger.Debug("invocation failed", "object", id, "method", method, "error", err)
	}
	_ = EncodeReply(w, result, err)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = EncodeReply(w, nil, errors.New(strings.TrimSpace(message)))
}
