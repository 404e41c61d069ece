// Package api serves stored artifacts over HTTP: bundles, model structure,
// predictions, statistics and on-demand CKA between stored models. Live
// monitor events are streamed over a websocket at /api/live.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tsawler/repviz/artifacts"
)

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	// Address is the host:port to listen on.
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration

	// CORSOrigins is the list of allowed browser origins.
	CORSOrigins []string

	// CacheSize is the number of loaded bundles and computed reports kept in
	// memory.
	CacheSize int

	// Workers bounds concurrent CKA cells; zero means GOMAXPROCS.
	Workers int

	// HistogramBins is the default bin count of /api/stats.
	HistogramBins int
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:         "localhost:8000",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		CORSOrigins:     []string{"http://localhost:3000"},
		CacheSize:       64,
		HistogramBins:   30,
	}
}

// Server is the artifact HTTP server.
type Server struct {
	config ServerConfig
	store  *artifacts.Store
	index  *artifacts.Index // optional
	cache  *lru.Cache[string, any]
	hub    *Hub
	logger *slog.Logger

	mux     *http.ServeMux
	handler http.Handler

	mu         sync.Mutex
	httpServer *http.Server
	watcher    *artifacts.Watcher
}

// NewServer creates a server over store. index may be nil.
func NewServer(config ServerConfig, store *artifacts.Store, index *artifacts.Index, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("artifact store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultServerConfig()
	if config.CacheSize <= 0 {
		config.CacheSize = defaults.CacheSize
	}
	if config.HistogramBins <= 0 {
		config.HistogramBins = defaults.HistogramBins
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}

	cache, err := lru.New[string, any](config.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	s := &Server{
		config: config,
		store:  store,
		index:  index,
		cache:  cache,
		hub:    NewHub(config.CORSOrigins, logger),
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	s.handler = Chain(s.mux,
		RecoveryMiddleware(logger),
		RequestIDMiddleware,
		LoggingMiddleware(logger),
		CORSMiddleware(config.CORSOrigins),
	)
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /api/models", s.handleModels)
	s.mux.HandleFunc("GET /api/runs", s.handleRuns)
	s.mux.HandleFunc("GET /api/model-structure", s.handleModelStructure)
	s.mux.HandleFunc("GET /api/activations", s.handleActivations)
	s.mux.HandleFunc("GET /api/gradients", s.handleGradients)
	s.mux.HandleFunc("GET /api/weights", s.handleWeights)
	s.mux.HandleFunc("GET /api/predictions", s.handlePredictions)
	s.mux.HandleFunc("GET /api/cka_similarity", s.handleSimilarity)
	s.mux.HandleFunc("GET /api/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/pca", s.handlePCA)
	s.mux.HandleFunc("GET /api/complexity", s.handleComplexity)
	s.mux.Handle("GET /api/live", s.hub)
	s.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", "no route for "+r.URL.Path)
	})
}

// Handler returns the middleware-wrapped handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Hub returns the live event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Invalidate drops every cached value derived from model and tells live
// clients that its artifacts changed.
func (s *Server) Invalidate(model string) {
	removed := 0
	for _, key := range s.cache.Keys() {
		if keyMentions(key, model) {
			if s.cache.Remove(key) {
				removed++
			}
		}
	}
	s.logger.Debug("cache invalidated", slog.String("model", model), slog.Int("entries", removed))
	_ = s.hub.Broadcast(WSMessage{Type: MessageArtifactsChanged, Model: model})
}

// Cache keys are "kind|model[|model2]|params...".
func keyMentions(key, model string) bool {
	parts := strings.Split(key, "|")
	if len(parts) < 2 {
		return false
	}
	if parts[1] == model {
		return true
	}
	return parts[0] == "cka" && len(parts) > 2 && parts[2] == model
}

// Watch starts invalidating the cache on artifact changes under the store
// root. The watcher is closed by Shutdown.
func (s *Server) Watch(ctx context.Context, debounce time.Duration) error {
	w, err := artifacts.NewWatcher(s.store.Root(), debounce, s.Invalidate, s.logger)
	if err != nil {
		return err
	}
	if err := w.Start(ctx); err != nil {
		w.Close()
		return err
	}
	s.mu.Lock()
	s.watcher = w
	s.mu.Unlock()
	return nil
}

// Start begins listening and blocks until the server stops. It returns nil
// after a graceful Shutdown.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("server already started")
	}
	s.httpServer = &http.Server{
		Addr:         s.config.Address,
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	s.logger.Info("server listening", slog.String("address", s.config.Address))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests, disconnects live clients and closes
// the watcher.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	w := s.watcher
	s.watcher = nil
	s.mu.Unlock()

	s.hub.Close()
	var errs []error
	if w != nil {
		errs = append(errs, w.Close())
	}
	if srv != nil {
		errs = append(errs, srv.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// Run starts the server and shuts it down when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		s.logger.Info("shutting down server")
		if err := s.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}
