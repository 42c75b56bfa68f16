package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rikouu/cortex/internal/flush"
	"github.com/rikouu/cortex/internal/gate"
	"github.com/rikouu/cortex/internal/sieve"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
)

// Per-caller budgets (spec §5).
const (
	recallTimeout = 3 * time.Second
	ingestTimeout = 5 * time.Second
	flushTimeout  = 5 * time.Second
	healthTimeout = 2 * time.Second
)

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req gate.Request
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), recallTimeout)
	defer cancel()

	resp, err := s.gate.Recall(ctx, req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publish("recall", map[string]interface{}{
		"query": req.Query, "hits": len(resp.Memories), "skipped": resp.Meta.Skipped,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var in sieve.Input
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	if in.UserMessage == "" && in.AssistantMessage == "" {
		s.writeError(w, fmt.Errorf("%w: user_message or assistant_message required", store.ErrValidation))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), ingestTimeout)
	defer cancel()

	out, err := s.sieve.Ingest(ctx, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publish("ingest", map[string]interface{}{
		"agent_id": in.AgentID, "extracted": len(out.Extracted), "signals": len(out.HighSignals),
	})
	s.notifyExport()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	var in flush.Input
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, err)
		return
	}
	if len(in.Messages) == 0 {
		s.writeError(w, fmt.Errorf("%w: messages required", store.ErrValidation))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), flushTimeout)
	defer cancel()

	out, err := s.flush.Run(ctx, in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publish("flush", map[string]interface{}{
		"agent_id": in.AgentID, "flushed": len(out.Flushed), "reason": in.Reason,
	})
	s.notifyExport()
	writeJSON(w, http.StatusOK, out)
}

type searchRequest struct {
	Query      string           `json:"query"`
	AgentID    string           `json:"agent_id,omitempty"`
	Layers     []types.Layer    `json:"layers,omitempty"`
	Categories []types.Category `json:"categories,omitempty"`
	Limit      int              `json:"limit,omitempty"`
	Debug      bool             `json:"debug,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Query == "" {
		s.writeError(w, fmt.Errorf("%w: query required", store.ErrValidation))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), recallTimeout)
	defer cancel()

	resp, err := s.searcher.Search(ctx, req.Query, store.MemoryFilter{
		AgentID:    req.AgentID,
		Layers:     req.Layers,
		Categories: req.Categories,
	}, req.Limit, req.Debug)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.MemoryFilter{
		AgentID:    q.Get("agent_id"),
		ActiveOnly: q.Get("include_inactive") != "true",
	}
	if layer := q.Get("layer"); layer != "" {
		filter.Layers = []types.Layer{types.Layer(layer)}
	}
	if category := q.Get("category"); category != "" {
		filter.Categories = []types.Category{types.Category(category)}
	}
	if page, err := strconv.Atoi(q.Get("page")); err == nil {
		filter.Page = page
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}

	memories, err := s.store.ListMemories(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memories": memories})
}

type createMemoryRequest struct {
	Layer      types.Layer            `json:"layer"`
	Category   types.Category         `json:"category"`
	Content    string                 `json:"content"`
	AgentID    string                 `json:"agent_id,omitempty"`
	Importance float64                `json:"importance"`
	Confidence float64                `json:"confidence"`
	ExpiresAt  *time.Time             `json:"expires_at,omitempty"`
	IsPinned   bool                   `json:"is_pinned,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handleCreateMemory(w http.ResponseWriter, r *http.Request) {
	var req createMemoryRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Confidence == 0 {
		req.Confidence = 0.9 // explicit API writes are trusted
	}
	m, err := s.store.InsertMemory(r.Context(), store.InsertMemoryParams{
		Layer:      req.Layer,
		Category:   req.Category,
		Content:    req.Content,
		Source:     "api",
		AgentID:    req.AgentID,
		Importance: req.Importance,
		Confidence: req.Confidence,
		ExpiresAt:  req.ExpiresAt,
		IsPinned:   req.IsPinned,
		Metadata:   req.Metadata,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.indexMemory(r.Context(), m)
	s.notifyExport()
	writeJSON(w, http.StatusCreated, m)
}

func (s *Server) handleGetMemory(w http.ResponseWriter, r *http.Request) {
	m, err := s.store.GetMemory(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	chain, err := s.store.GetMemoryVersionChain(r.Context(), m.ID)
	if err != nil {
		chain = []*types.Memory{m}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memory": m, "version_chain": chain})
}

type patchMemoryRequest struct {
	Layer      *types.Layer           `json:"layer,omitempty"`
	Importance *float64               `json:"importance,omitempty"`
	Confidence *float64               `json:"confidence,omitempty"`
	DecayScore *float64               `json:"decay_score,omitempty"`
	ExpiresAt  *time.Time             `json:"expires_at,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

func (s *Server) handlePatchMemory(w http.ResponseWriter, r *http.Request) {
	var req patchMemoryRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	m, err := s.store.UpdateMemory(r.Context(), r.PathValue("id"), store.MemoryPatch{
		Layer:       req.Layer,
		Importance:  req.Importance,
		Confidence:  req.Confidence,
		DecayScore:  req.DecayScore,
		ExpiresAt:   req.ExpiresAt,
		Metadata:    req.Metadata,
		MetadataSet: req.Metadata != nil,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.notifyExport()
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteMemory(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.index.Delete(r.Context(), []string{id}); err != nil {
		s.logger.Warn("vector delete failed", "id", id, "err", err)
	}
	s.notifyExport()
	writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleListRelations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RelationFilter{
		AgentID:   q.Get("agent_id"),
		Predicate: q.Get("predicate"),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	relations, err := s.store.ListRelations(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"relations": relations})
}

// indexMemory embeds and upserts the vector for an API-created memory,
// best effort.
func (s *Server) indexMemory(ctx context.Context, m *types.Memory) {
	if s.embedder == nil {
		return
	}
	vec, err := s.embedder.Embed(ctx, m.Content)
	if err != nil || len(vec) == 0 {
		return
	}
	if err := s.index.Upsert(ctx, m.ID, vec, m.AgentID); err != nil {
		s.logger.Warn("vector upsert failed", "id", m.ID, "err", err)
	}
}

func (s *Server) notifyExport() {
	if s.exporter != nil {
		s.exporter.Notify()
	}
}
