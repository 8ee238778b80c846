// Package server exposes the ops surface: a health probe and an engine
// stats endpoint. The business read path is library-level (engine.ResolveBatch);
// this server exists for deployment tooling, not for callers.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"catalog-cache/internal/common/logging"
	"catalog-cache/internal/engine"
)

// Snapshotter reports engine state for /stats.
type Snapshotter interface {
	Snapshot(ctx context.Context) engine.Stats
}

// Pinger verifies a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the ops endpoints.
type Handler struct {
	engine Snapshotter
	cache  Pinger
	store  Pinger
	logger logging.Logger
}

// NewHandler wires the ops endpoints over the engine and its backends.
func NewHandler(eng Snapshotter, cache, store Pinger, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Handler{
		engine: eng,
		cache:  cache,
		store:  store,
		logger: logger,
	}
}

// Router builds the route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.HandleFunc("/stats", h.Stats).Methods("GET")
	return r
}

// Health reports component reachability. The source of truth being down is
// fatal (503): without it a cache miss cannot be resolved. The shared cache
// being down is reported as degraded but the service stays healthy, because
// resolution falls back to direct source-of-truth reads.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health check: source of truth unreachable", logging.Any("cause", err))
		http.Error(w, "source of truth unhealthy", http.StatusServiceUnavailable)
		return
	}

	sharedCache := "healthy"
	if err := h.cache.Ping(ctx); err != nil {
		h.logger.Warn("health check: shared cache unreachable", logging.Any("cause", err))
		sharedCache = "degraded"
	}

	health := map[string]interface{}{
		"status":       "healthy",
		"shared_cache": sharedCache,
		"timestamp":    time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// Stats returns the engine snapshot.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.engine.Snapshot(ctx))
}

// Server wraps the HTTP server with sane timeouts.
type Server struct {
	srv *http.Server
}

// New creates a server on the given port.
func New(handler http.Handler, port string) *Server {
	return &Server{
		srv: &http.Server{
			Addr:         ":" + port,
			Handler:      handler,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Start starts serving in a goroutine. Listen errors other than a clean
// shutdown are surfaced on the returned channel.
func (s *Server) Start() <-chan error {
	errs := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()
	return errs
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
