package mcp

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/gate"
	"github.com/rikouu/cortex/internal/hybrid"
	"github.com/rikouu/cortex/internal/signal"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/store/sqlite"
	"github.com/rikouu/cortex/internal/types"
	"github.com/rikouu/cortex/internal/vectorindex"
	"github.com/rikouu/cortex/internal/writer"
)

func newTestServer(t *testing.T) (*Server, *sqlite.MemoryStore) {
	t.Helper()
	clk := clock.NewFrozen(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "brain.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx := vectorindex.NewMemoryIndex()
	require.NoError(t, idx.Initialize(context.Background(), 3))

	searcher := hybrid.NewSearcher(st, idx, nil, clk, hybrid.DefaultWeights(), nil)
	w := writer.New(st, idx, nil, nil, clk, writer.DefaultConfig(), nil)
	gcfg := gate.DefaultConfig()
	gcfg.ExpansionEnabled = false
	g := gate.New(signal.NewDetector(), searcher, nil, nil, clk, gcfg, nil)

	return NewServer(g, searcher, w, st, idx, nil), st
}

func dispatch(t *testing.T, s *Server, method string, params interface{}) rpcResponse {
	t.Helper()
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		require.NoError(t, err)
		raw = b
	}
	return s.Dispatch(context.Background(), rpcRequest{
		JSONRPC: "2.0", ID: json.RawMessage(`1`), Method: method, Params: raw,
	})
}

func TestInitializeAndToolsList(t *testing.T) {
	s, _ := newTestServer(t)

	resp := dispatch(t, s, "initialize", nil)
	require.Nil(t, resp.Error)

	resp = dispatch(t, s, "tools/list", nil)
	require.Nil(t, resp.Error)
	tools := resp.Result.(map[string]interface{})["tools"].([]toolDef)
	names := make([]string, len(tools))
	for i, tool := range tools {
		names[i] = tool.Name
	}
	for _, want := range []string{"recall", "remember", "forget", "search", "stats", "list_relations"} {
		assert.Contains(t, names, want)
	}
}

func TestRememberAndForget(t *testing.T) {
	s, st := newTestServer(t)

	resp := dispatch(t, s, "tools/call", toolsCallParams{
		Name:      "remember",
		Arguments: json.RawMessage(`{"content":"Harry lives in Tokyo","category":"identity","importance":0.9}`),
	})
	require.Nil(t, resp.Error)
	text := resultText(t, resp)
	assert.Contains(t, text, "inserted")

	memories, err := st.ListMemories(context.Background(), store.MemoryFilter{AgentID: "default"})
	require.NoError(t, err)
	require.Len(t, memories, 1)
	assert.Equal(t, "mcp:remember", memories[0].Source)
	assert.Equal(t, types.LayerCore, memories[0].Layer)

	resp = dispatch(t, s, "tools/call", toolsCallParams{
		Name:      "forget",
		Arguments: json.RawMessage(`{"memory_id":"` + memories[0].ID + `"}`),
	})
	require.Nil(t, resp.Error)

	memories, err = st.ListMemories(context.Background(), store.MemoryFilter{AgentID: "default"})
	require.NoError(t, err)
	assert.Empty(t, memories)
}

func TestRememberRejectsBadCategory(t *testing.T) {
	s, _ := newTestServer(t)
	resp := dispatch(t, s, "tools/call", toolsCallParams{
		Name:      "remember",
		Arguments: json.RawMessage(`{"content":"something","category":"nonsense"}`),
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, true, result["isError"])
}

func TestUnknownMethodAndTool(t *testing.T) {
	s, _ := newTestServer(t)

	resp := dispatch(t, s, "bogus/method", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, codeMethodNotFound, resp.Error.Code)

	resp = dispatch(t, s, "tools/call", toolsCallParams{Name: "bogus", Arguments: json.RawMessage(`{}`)})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, true, result["isError"])
}

func TestHTTPMessageEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	handler := s.Handler()

	body := `{"jsonrpc":"2.0","id":7,"method":"tools/list"}`
	req := httptest.NewRequest("POST", "/mcp/message", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 7, resp["id"])
	assert.NotNil(t, resp["result"])
}

func resultText(t *testing.T, resp rpcResponse) string {
	t.Helper()
	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	content, ok := result["content"].([]map[string]string)
	require.True(t, ok)
	require.NotEmpty(t, content)
	return content[0]["text"]
}
