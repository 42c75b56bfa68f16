package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rikouu/cortex/internal/gate"
	"github.com/rikouu/cortex/internal/hybrid"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
	"github.com/rikouu/cortex/internal/vectorindex"
	"github.com/rikouu/cortex/internal/vocab"
	"github.com/rikouu/cortex/internal/writer"
)

const serverName = "cortex"
const serverVersion = "1.0.0"
const protocolVersion = "2024-11-05"

// Server dispatches MCP tool calls onto the pipeline components.
type Server struct {
	gate     *gate.Gate
	searcher *hybrid.Searcher
	writer   *writer.Writer
	store    store.Store
	index    vectorindex.Index
	logger   *slog.Logger
}

// NewServer assembles an MCP server.
func NewServer(g *gate.Gate, searcher *hybrid.Searcher, w *writer.Writer, s store.Store, idx vectorindex.Index, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{gate: g, searcher: searcher, writer: w, store: s, index: idx, logger: logger}
}

// tools lists the exposed tool definitions (spec §6.1).
func (s *Server) tools() []toolDef {
	obj := func(props map[string]interface{}, required ...string) map[string]interface{} {
		schema := map[string]interface{}{"type": "object", "properties": props}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}
	str := map[string]interface{}{"type": "string"}
	num := map[string]interface{}{"type": "number"}
	boolean := map[string]interface{}{"type": "boolean"}

	return []toolDef{
		{
			Name:        "recall",
			Description: "Recall relevant long-term memories for a query, formatted for prompt injection.",
			InputSchema: obj(map[string]interface{}{"query": str, "agent_id": str, "max_tokens": num}, "query"),
		},
		{
			Name:        "remember",
			Description: "Store a memory, deduplicated against existing memories.",
			InputSchema: obj(map[string]interface{}{"content": str, "category": str, "importance": num, "agent_id": str, "pin": boolean}, "content"),
		},
		{
			Name:        "forget",
			Description: "Delete a memory by id.",
			InputSchema: obj(map[string]interface{}{"memory_id": str}, "memory_id"),
		},
		{
			Name:        "search",
			Description: "Hybrid search over memories, returning ranked raw results.",
			InputSchema: obj(map[string]interface{}{"query": str, "agent_id": str, "limit": num}, "query"),
		},
		{
			Name:        "stats",
			Description: "Memory counts per layer for an agent.",
			InputSchema: obj(map[string]interface{}{"agent_id": str}),
		},
		{
			Name:        "list_relations",
			Description: "List extracted (subject, predicate, object) relations.",
			InputSchema: obj(map[string]interface{}{"agent_id": str, "predicate": str, "limit": num}),
		},
	}
}

// Dispatch handles one JSON-RPC request.
func (s *Server) Dispatch(ctx context.Context, req rpcRequest) rpcResponse {
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}

	switch req.Method {
	case "initialize":
		resp.Result = map[string]interface{}{
			"protocolVersion": protocolVersion,
			"serverInfo":      map[string]string{"name": serverName, "version": serverVersion},
			"capabilities":    map[string]interface{}{"tools": map[string]interface{}{}},
		}
	case "notifications/initialized", "initialized":
		// Notification; no result expected.
	case "tools/list":
		resp.Result = map[string]interface{}{"tools": s.tools()}
	case "tools/call":
		var params toolsCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &rpcError{Code: codeInvalidParams, Message: "invalid tools/call params"}
			return resp
		}
		result, err := s.callTool(ctx, params.Name, params.Arguments)
		if err != nil {
			resp.Result = toolError(err)
			return resp
		}
		resp.Result = toolText(result)
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "unknown method " + req.Method}
	}
	return resp
}

// callTool executes one named tool, returning a JSON-encodable result.
func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (interface{}, error) {
	switch name {
	case "recall":
		var a RecallArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		if a.Query == "" {
			return nil, fmt.Errorf("query is required")
		}
		return s.gate.Recall(ctx, gate.Request{Query: a.Query, AgentID: a.AgentID, MaxTokens: a.MaxTokens})

	case "remember":
		var a RememberArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return s.remember(ctx, a)

	case "forget":
		var a ForgetArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		if a.MemoryID == "" {
			return nil, fmt.Errorf("memory_id is required")
		}
		if err := s.store.DeleteMemory(ctx, a.MemoryID); err != nil {
			return nil, err
		}
		if err := s.index.Delete(ctx, []string{a.MemoryID}); err != nil {
			s.logger.Warn("mcp: forget vector delete failed", "id", a.MemoryID, "err", err)
		}
		return map[string]string{"deleted": a.MemoryID}, nil

	case "search":
		var a SearchArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		if a.Query == "" {
			return nil, fmt.Errorf("query is required")
		}
		return s.searcher.Search(ctx, a.Query, store.MemoryFilter{AgentID: a.AgentID}, a.Limit, false)

	case "stats":
		var a StatsArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		return s.stats(ctx, a.AgentID)

	case "list_relations":
		var a ListRelationsArgs
		if err := unmarshalArgs(args, &a); err != nil {
			return nil, err
		}
		relations, err := s.store.ListRelations(ctx, store.RelationFilter{
			AgentID: a.AgentID, Predicate: a.Predicate, Limit: a.Limit,
		})
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"relations": relations}, nil

	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

// remember runs the MemoryWriter dedup path for an explicit store request
// (channel mcp).
func (s *Server) remember(ctx context.Context, a RememberArgs) (interface{}, error) {
	content := strings.TrimSpace(a.Content)
	if content == "" {
		return nil, fmt.Errorf("content is required")
	}
	category := types.Category(a.Category)
	if category == "" {
		category = "fact"
	}
	if !vocab.IsValidCategory(category) {
		return nil, fmt.Errorf("invalid category %q", a.Category)
	}
	importance := a.Importance
	if importance == 0 {
		importance = 0.7
	}

	outcome, err := s.writer.Write(ctx, writer.Extraction{
		Content:    content,
		Category:   category,
		Importance: importance,
		Confidence: 0.9,
		Source:     types.SourceUserStated,
		Pinned:     a.Pin,
	}, a.AgentID, "mcp:remember")
	if err != nil {
		return nil, err
	}

	result := map[string]interface{}{"action": string(outcome.Action)}
	if outcome.Memory != nil {
		result["memory_id"] = outcome.Memory.ID
		result["layer"] = outcome.Memory.Layer
	}
	if outcome.CandidateID != "" {
		result["duplicate_of"] = outcome.CandidateID
	}
	s.logExtraction(ctx, a.AgentID, outcome)
	return result, nil
}

func (s *Server) stats(ctx context.Context, agentID string) (interface{}, error) {
	if agentID == "" {
		agentID = types.DefaultAgentID
	}
	out := map[string]interface{}{"agent_id": agentID}
	for _, layer := range []types.Layer{types.LayerWorking, types.LayerCore, types.LayerArchive} {
		memories, err := s.store.ListMemories(ctx, store.MemoryFilter{
			AgentID:    agentID,
			Layers:     []types.Layer{layer},
			ActiveOnly: true,
			Limit:      10000,
		})
		if err != nil {
			return nil, err
		}
		out[string(layer)] = len(memories)
	}
	return out, nil
}

func (s *Server) logExtraction(ctx context.Context, agentID string, outcome *writer.Outcome) {
	parsed := 0
	if outcome.Memory != nil {
		parsed = 1
	}
	if err := s.store.AppendExtractionLog(ctx, &types.ExtractionLog{
		Channel:        types.ChannelMCP,
		AgentID:        agentID,
		ParsedMemories: parsed,
	}); err != nil {
		s.logger.Warn("mcp: extraction log append failed", "err", err)
	}
}

func unmarshalArgs(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// toolText wraps a result in the MCP text-content envelope.
func toolText(result interface{}) map[string]interface{} {
	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return toolError(err)
	}
	return map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": string(b)}},
	}
}

func toolError(err error) map[string]interface{} {
	return map[string]interface{}{
		"content": []map[string]string{{"type": "text", "text": err.Error()}},
		"isError": true,
	}
}
