package httpapi

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
	"github.com/rikouu/cortex/internal/config"
	"github.com/rikouu/cortex/internal/flush"
	"github.com/rikouu/cortex/internal/gate"
	"github.com/rikouu/cortex/internal/hybrid"
	"github.com/rikouu/cortex/internal/lifecycle"
	"github.com/rikouu/cortex/internal/sieve"
	"github.com/rikouu/cortex/internal/signal"
	"github.com/rikouu/cortex/internal/store/sqlite"
	"github.com/rikouu/cortex/internal/vectorindex"
	"github.com/rikouu/cortex/internal/writer"
)

type cannedLLM struct{ response string }

func (l *cannedLLM) Complete(context.Context, string) (string, error) {
	return l.response, nil
}

func (l *cannedLLM) GetModel() string { return "canned" }

func newTestServer(t *testing.T, authToken string) *Server {
	t.Helper()
	clk := clock.NewFrozen(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "brain.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx := vectorindex.NewMemoryIndex()
	require.NoError(t, idx.Initialize(context.Background(), 3))

	llm := &cannedLLM{response: `{"memories":[],"relations":[],"nothing_extracted":true}`}
	w := writer.New(st, idx, nil, llm, clk, writer.DefaultConfig(), nil)
	searcher := hybrid.NewSearcher(st, idx, nil, clk, hybrid.DefaultWeights(), nil)
	detector := signal.NewDetector()

	gcfg := gate.DefaultConfig()
	gcfg.ExpansionEnabled = false
	g := gate.New(detector, searcher, nil, nil, clk, gcfg, nil)
	sv := sieve.New(detector, w, st, llm, clk, sieve.Config{}, nil)
	fl := flush.New(w, st, llm, clk, flush.Config{}, nil)
	engine := lifecycle.New(st, idx, llm, nil, clk, lifecycle.DefaultConfig(), nil)

	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	cfg.Security.AuthToken = authToken

	return New(Deps{
		Gate: g, Sieve: sv, Flush: fl, Engine: engine, Searcher: searcher,
		Store: st, Index: idx, Config: cfg,
	})
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t, "secret-token")
	handler := s.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/health", nil))
	assert.Equal(t, 200, rec.Code)
}

func TestBearerTokenGate(t *testing.T) {
	s := newTestServer(t, "secret-token")
	handler := s.Handler()

	req := httptest.NewRequest("GET", "/api/v1/memories", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, 401, rec.Code)

	req = httptest.NewRequest("GET", "/api/v1/memories", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)
}

func TestIngestRecallRoundTrip(t *testing.T) {
	s := newTestServer(t, "")
	handler := s.Handler()

	body := `{"user_message":"I prefer dark mode in all my editors","assistant_message":"noted"}`
	req := httptest.NewRequest("POST", "/api/v1/ingest", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code, rec.Body.String())

	var ingest struct {
		Extracted []json.RawMessage `json:"extracted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ingest))
	assert.NotEmpty(t, ingest.Extracted)

	req = httptest.NewRequest("POST", "/api/v1/recall", strings.NewReader(`{"query":"which editor mode does the user prefer"}`))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code, rec.Body.String())

	var recall struct {
		Context string `json:"context"`
		Meta    struct {
			Skipped bool `json:"skipped"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recall))
	assert.False(t, recall.Meta.Skipped)
	assert.Contains(t, recall.Context, "dark mode")
}

func TestRecallSmallTalkE2E(t *testing.T) {
	s := newTestServer(t, "")
	handler := s.Handler()

	req := httptest.NewRequest("POST", "/api/v1/recall", strings.NewReader(`{"query":"hi"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)

	var recall struct {
		Context  string            `json:"context"`
		Memories []json.RawMessage `json:"memories"`
		Meta     struct {
			Skipped bool   `json:"skipped"`
			Reason  string `json:"reason"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &recall))
	assert.Empty(t, recall.Context)
	assert.Empty(t, recall.Memories)
	assert.True(t, recall.Meta.Skipped)
	assert.Equal(t, "small_talk", recall.Meta.Reason)
}

func TestLifecycleConflictOnConcurrentRun(t *testing.T) {
	s := newTestServer(t, "")
	handler := s.Handler()

	// Simulate an in-flight run by invoking preview twice concurrently is
	// racy in a unit test; instead run one to completion and assert 200,
	// then verify the conflict mapping of the engine's error directly.
	req := httptest.NewRequest("POST", "/api/v1/lifecycle/preview", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code)

	rec = httptest.NewRecorder()
	s.writeError(rec, lifecycle.ErrAlreadyRunning)
	assert.Equal(t, 409, rec.Code)
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, "")
	s.cfg.Security.RateLimitPerMin = 3
	handler := s.Handler()

	codes := map[int]int{}
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest("GET", "/api/v1/memories", nil)
		req.RemoteAddr = "10.1.2.3:5555"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes[rec.Code]++
	}
	assert.Greater(t, codes[429], 0, "burst should trip the limiter")
	assert.Greater(t, codes[200], 0, "initial burst allowance should pass")
}
