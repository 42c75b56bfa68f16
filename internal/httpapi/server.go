// Package httpapi is the thin HTTP routing layer over the memory pipeline
// (spec §6.1): JSON handlers for recall/ingest/flush/search, memory and
// relation CRUD, lifecycle control, stats, health, config, import/export,
// and reindex, behind bearer-token auth and a per-IP token-bucket rate
// limit. Routing only — every algorithm lives in the pipeline packages.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rikouu/cortex/internal/config"
	"github.com/rikouu/cortex/internal/export"
	"github.com/rikouu/cortex/internal/flush"
	"github.com/rikouu/cortex/internal/gate"
	"github.com/rikouu/cortex/internal/hybrid"
	"github.com/rikouu/cortex/internal/importer"
	"github.com/rikouu/cortex/internal/lifecycle"
	"github.com/rikouu/cortex/internal/provider"
	"github.com/rikouu/cortex/internal/sieve"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/vectorindex"
	"github.com/rikouu/cortex/internal/webui"
)

// Server wires the pipeline components behind the HTTP surface.
type Server struct {
	gate     *gate.Gate
	sieve    *sieve.Sieve
	flush    *flush.Flush
	engine   *lifecycle.Engine
	searcher *hybrid.Searcher
	store    store.Store
	index    vectorindex.Index
	exporter *export.Exporter
	importer *importer.ObsidianImporter
	embedder provider.EmbeddingGenerator
	events   *webui.Hub
	logger   *slog.Logger

	cfgMu  sync.RWMutex
	cfg    *config.Config
	saveFn func(*config.Config) error
}

// Deps bundles Server construction inputs.
type Deps struct {
	Gate     *gate.Gate
	Sieve    *sieve.Sieve
	Flush    *flush.Flush
	Engine   *lifecycle.Engine
	Searcher *hybrid.Searcher
	Store    store.Store
	Index    vectorindex.Index
	Exporter *export.Exporter
	Importer *importer.ObsidianImporter
	Embedder provider.EmbeddingGenerator
	Events   *webui.Hub
	Logger   *slog.Logger
	Config   *config.Config
	SaveFn   func(*config.Config) error
}

// New assembles a Server.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{
		gate:     d.Gate,
		sieve:    d.Sieve,
		flush:    d.Flush,
		engine:   d.Engine,
		searcher: d.Searcher,
		store:    d.Store,
		index:    d.Index,
		exporter: d.Exporter,
		importer: d.Importer,
		embedder: d.Embedder,
		events:   d.Events,
		logger:   d.Logger,
		cfg:      d.Config,
		saveFn:   d.SaveFn,
	}
}

// publish pushes a dashboard event, if a hub is attached.
func (s *Server) publish(kind string, payload interface{}) {
	if s.events != nil {
		s.events.Publish(webui.Event{Kind: kind, Payload: payload})
	}
}

// Handler builds the routed, middleware-wrapped handler. The health
// endpoint stays public; everything else under /api/ requires the bearer
// token when one is configured (spec §6.1).
func (s *Server) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/recall", s.handleRecall)
	api.HandleFunc("POST /api/v1/ingest", s.handleIngest)
	api.HandleFunc("POST /api/v1/flush", s.handleFlush)
	api.HandleFunc("POST /api/v1/search", s.handleSearch)
	api.HandleFunc("GET /api/v1/memories", s.handleListMemories)
	api.HandleFunc("POST /api/v1/memories", s.handleCreateMemory)
	api.HandleFunc("GET /api/v1/memories/{id}", s.handleGetMemory)
	api.HandleFunc("PATCH /api/v1/memories/{id}", s.handlePatchMemory)
	api.HandleFunc("DELETE /api/v1/memories/{id}", s.handleDeleteMemory)
	api.HandleFunc("GET /api/v1/relations", s.handleListRelations)
	api.HandleFunc("POST /api/v1/lifecycle/run", s.handleLifecycleRun)
	api.HandleFunc("POST /api/v1/lifecycle/preview", s.handleLifecyclePreview)
	api.HandleFunc("GET /api/v1/lifecycle/log", s.handleLifecycleLog)
	api.HandleFunc("GET /api/v1/stats", s.handleStats)
	api.HandleFunc("GET /api/v1/extraction-logs", s.handleExtractionLogs)
	api.HandleFunc("GET /api/v1/agents", s.handleListAgents)
	api.HandleFunc("POST /api/v1/agents", s.handleUpsertAgent)
	api.HandleFunc("GET /api/v1/config", s.handleGetConfig)
	api.HandleFunc("PATCH /api/v1/config", s.handlePatchConfig)
	api.HandleFunc("GET /api/v1/export", s.handleExport)
	api.HandleFunc("POST /api/v1/import", s.handleImport)
	api.HandleFunc("POST /api/v1/reindex", s.handleReindex)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", s.handleHealth) // public
	mux.Handle("/api/", s.requireAuth(api))

	security := s.currentConfig().Security
	limited := rateLimitMiddleware(mux, security.RateLimitPerMin, s.logger)
	return securityHeaders(limited)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) currentConfig() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// writeJSON sends v with status code.
func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps pipeline errors onto the §7 status classes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errBody(err))
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errBody(err))
	case errors.Is(err, store.ErrConflict), errors.Is(err, lifecycle.ErrAlreadyRunning):
		writeJSON(w, http.StatusConflict, errBody(err))
	case errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, errBody(err))
	default:
		s.logger.Error("internal error", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func errBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func decodeBody(r *http.Request, v interface{}) error {
	defer func() { _ = r.Body.Close() }()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", store.ErrValidation, err)
	}
	return nil
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
