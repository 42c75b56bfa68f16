package mcp

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const keepaliveInterval = 15 * time.Second

// Handler routes the MCP HTTP surface: POST /mcp/message for JSON-RPC,
// GET /mcp/sse for the announcement stream.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /mcp/message", s.handleMessage)
	mux.HandleFunc("GET /mcp/sse", s.handleSSE)
	return mux
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	defer func() { _ = r.Body.Close() }()

	var req rpcRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: codeParseError, Message: "parse error"},
		})
		return
	}
	if req.JSONRPC != "2.0" {
		writeRPC(w, rpcResponse{
			JSONRPC: "2.0", ID: req.ID,
			Error: &rpcError{Code: codeInvalidRequest, Message: "jsonrpc must be \"2.0\""},
		})
		return
	}

	resp := s.Dispatch(r.Context(), req)
	if req.ID == nil && resp.Error == nil {
		// Notification: acknowledge with 202 and no body.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeRPC(w, resp)
}

// handleSSE announces server info and the tool list, then emits comment
// keepalives every 15 s until the client disconnects (spec §6.1).
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	announcement, err := json.Marshal(map[string]interface{}{
		"serverInfo": map[string]string{"name": serverName, "version": serverVersion},
		"tools":      s.tools(),
	})
	if err != nil {
		http.Error(w, "announce failed", http.StatusInternalServerError)
		return
	}
	fmt.Fprintf(w, "event: server_info\ndata: %s\n\n", announcement)
	flusher.Flush()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			// SSE comment line: keeps intermediaries from closing the
			// idle stream.
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
