package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rikouu/cortex/internal/lifecycle"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
)

func (s *Server) handleLifecycleRun(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Run(r.Context(), false)
	if errors.Is(err, lifecycle.ErrAlreadyRunning) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":  "lifecycle run already in progress",
			"report": report,
		})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.publish("lifecycle", report)
	s.notifyExport()
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLifecyclePreview(w http.ResponseWriter, r *http.Request) {
	report, err := s.engine.Run(r.Context(), true)
	if errors.Is(err, lifecycle.ErrAlreadyRunning) {
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":  "lifecycle run already in progress",
			"report": report,
		})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleLifecycleLog(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	logs, err := s.store.ListLifecycleLogs(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		agentID = types.DefaultAgentID
	}

	stats := map[string]interface{}{"agent_id": agentID}
	for _, layer := range []types.Layer{types.LayerWorking, types.LayerCore, types.LayerArchive} {
		memories, err := s.store.ListMemories(r.Context(), store.MemoryFilter{
			AgentID:    agentID,
			Layers:     []types.Layer{layer},
			ActiveOnly: true,
			Limit:      10000,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		stats[string(layer)] = len(memories)
	}
	if count, err := s.index.Count(r.Context()); err == nil {
		stats["vectors"] = count
	}
	relations, err := s.store.ListRelations(r.Context(), store.RelationFilter{AgentID: agentID, Limit: 10000})
	if err == nil {
		stats["relations"] = len(relations)
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	health := map[string]interface{}{"status": "ok"}
	if _, err := s.store.ListAgents(ctx); err != nil {
		health["status"] = "degraded"
		health["store"] = err.Error()
	}
	if _, err := s.index.Count(ctx); err != nil {
		health["status"] = "degraded"
		health["vector_index"] = err.Error()
	}
	code := http.StatusOK
	if health["status"] != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) handleExtractionLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	logs, err := s.store.ListExtractionLogs(r.Context(), q.Get("agent_id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"logs": logs})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

func (s *Server) handleUpsertAgent(w http.ResponseWriter, r *http.Request) {
	var agent types.Agent
	if err := decodeBody(r, &agent); err != nil {
		s.writeError(w, err)
		return
	}
	if agent.ID == "" {
		s.writeError(w, fmt.Errorf("%w: agent id required", store.ErrValidation))
		return
	}
	if err := s.store.UpsertAgent(r.Context(), &agent); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleGetConfig returns the non-secret configuration surface.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.currentConfig()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"server":    map[string]interface{}{"host": cfg.Server.Host, "port": cfg.Server.Port},
		"storage":   map[string]interface{}{"engine": cfg.Storage.StorageEngine, "db_path": cfg.Storage.DBPath},
		"pipeline":  cfg.Pipeline,
		"lifecycle": cfg.Lifecycle,
		"user":      cfg.User,
	})
}

type patchConfigRequest struct {
	UserName *string `json:"user_name,omitempty"`
}

// handlePatchConfig applies a config change under the write lock and
// persists it (spec §9 "hot reload ... replaces internal references
// atomically under a write lock").
func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var req patchConfigRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	s.cfgMu.Lock()
	updated := *s.cfg
	if req.UserName != nil {
		updated.User.UserName = *req.UserName
	}
	s.cfg = &updated
	s.cfgMu.Unlock()

	if s.saveFn != nil {
		if err := s.saveFn(&updated); err != nil {
			s.logger.Warn("config persist failed", "err", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		s.writeError(w, fmt.Errorf("%w: export not configured", store.ErrValidation))
		return
	}
	if err := s.exporter.Write(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "exported"})
}

type importRequest struct {
	Path    string `json:"path"`
	AgentID string `json:"agent_id,omitempty"`
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	if s.importer == nil {
		s.writeError(w, fmt.Errorf("%w: import not configured", store.ErrValidation))
		return
	}
	var req importRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Path == "" {
		s.writeError(w, fmt.Errorf("%w: path required", store.ErrValidation))
		return
	}
	// Imports outlive the request; detach from the request context.
	jobID, err := s.importer.StartImport(context.Background(), req.Path, req.AgentID)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", store.ErrValidation, err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

// handleReindex re-embeds every active memory and rebuilds its vector,
// restoring Store↔VectorIndex consistency after a crash (spec §5).
func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	if s.embedder == nil {
		s.writeError(w, fmt.Errorf("%w: no embedding provider", store.ErrValidation))
		return
	}
	started := time.Now()
	agents, err := s.store.ListAgents(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	agentIDs := map[string]struct{}{types.DefaultAgentID: {}}
	for _, a := range agents {
		agentIDs[a.ID] = struct{}{}
	}

	reindexed, failed := 0, 0
	for agentID := range agentIDs {
		page := 1
		for {
			memories, err := s.store.ListMemories(r.Context(), store.MemoryFilter{
				AgentID:    agentID,
				ActiveOnly: true,
				Page:       page,
				Limit:      500,
			})
			if err != nil {
				s.writeError(w, err)
				return
			}
			for _, m := range memories {
				vec, err := s.embedder.Embed(r.Context(), m.Content)
				if err != nil || len(vec) == 0 {
					failed++
					continue
				}
				if err := s.index.Upsert(r.Context(), m.ID, vec, m.AgentID); err != nil {
					failed++
					continue
				}
				reindexed++
			}
			if len(memories) < 500 {
				break
			}
			page++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"reindexed": reindexed,
		"failed":    failed,
		"duration":  time.Since(started).String(),
	})
}
