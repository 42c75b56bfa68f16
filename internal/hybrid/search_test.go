package hybrid

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/store/sqlite"
	"github.com/rikouu/cortex/internal/types"
	"github.com/rikouu/cortex/internal/vectorindex"
)

// tableEmbedder returns canned vectors by exact content, nil otherwise.
type tableEmbedder struct {
	vectors map[string][]float32
	err     error
}

func (e *tableEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.vectors[text], nil
}

func (e *tableEmbedder) GetModel() string { return "table" }

func newTestSearcher(t *testing.T, emb *tableEmbedder) (*Searcher, *sqlite.MemoryStore, *vectorindex.MemoryIndex, *clock.Frozen) {
	t.Helper()
	clk := clock.NewFrozen(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "brain.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx := vectorindex.NewMemoryIndex()
	require.NoError(t, idx.Initialize(context.Background(), 3))

	s := NewSearcher(st, idx, emb, clk, DefaultWeights(), nil)
	return s, st, idx, clk
}

func insertCore(t *testing.T, st *sqlite.MemoryStore, content string) *types.Memory {
	t.Helper()
	m, err := st.InsertMemory(context.Background(), store.InsertMemoryParams{
		Layer: types.LayerCore, Category: "fact", Content: content,
		Source: "test", AgentID: "default", Importance: 0.7, Confidence: 0.8,
	})
	require.NoError(t, err)
	return m
}

func TestSearchFusionRanksRelevantFirst(t *testing.T) {
	emb := &tableEmbedder{vectors: map[string][]float32{
		"Where does Harry live?": {1, 0, 0},
	}}
	s, st, idx, _ := newTestSearcher(t, emb)
	ctx := context.Background()

	dev := insertCore(t, st, "Harry is a developer")
	tokyo := insertCore(t, st, "Harry lives in Tokyo")
	noise := insertCore(t, st, "Random unrelated fact")

	require.NoError(t, idx.Upsert(ctx, dev.ID, []float32{0.5, 0.5, 0}, "default"))
	require.NoError(t, idx.Upsert(ctx, tokyo.ID, []float32{0.99, 0.01, 0}, "default"))
	require.NoError(t, idx.Upsert(ctx, noise.ID, []float32{0, 0, 1}, "default"))

	resp, err := s.Search(ctx, "Where does Harry live?", store.MemoryFilter{AgentID: "default"}, 3, true)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, tokyo.ID, resp.Results[0].Memory.ID)
	assert.Greater(t, resp.Results[0].FinalScore, 0.0)
	require.NotNil(t, resp.Debug)
}

func TestSearchDeterministic(t *testing.T) {
	emb := &tableEmbedder{vectors: map[string][]float32{"query text here": {1, 0, 0}}}
	s, st, idx, _ := newTestSearcher(t, emb)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m := insertCore(t, st, "fact number about query text")
		require.NoError(t, idx.Upsert(ctx, m.ID, []float32{1, 0, 0}, "default"))
	}

	first, err := s.Search(ctx, "query text here", store.MemoryFilter{AgentID: "default"}, 5, false)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := s.Search(ctx, "query text here", store.MemoryFilter{AgentID: "default"}, 5, false)
		require.NoError(t, err)
		require.Len(t, again.Results, len(first.Results))
		for j := range again.Results {
			assert.Equal(t, first.Results[j].Memory.ID, again.Results[j].Memory.ID)
		}
	}
}

func TestSearchDegradesToTextOnlyOnEmbedFailure(t *testing.T) {
	emb := &tableEmbedder{err: errors.New("provider down")}
	s, st, _, _ := newTestSearcher(t, emb)
	ctx := context.Background()

	insertCore(t, st, "Harry lives in Tokyo")

	resp, err := s.Search(ctx, "Tokyo", store.MemoryFilter{AgentID: "default"}, 5, false)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Contains(t, resp.Results[0].Memory.Content, "Tokyo")
	assert.Zero(t, resp.Results[0].VectorScore)
}

func TestSearchExcludesSupersededAndExpired(t *testing.T) {
	emb := &tableEmbedder{vectors: map[string][]float32{"Tokyo": {1, 0, 0}}}
	s, st, idx, clk := newTestSearcher(t, emb)
	ctx := context.Background()

	old := insertCore(t, st, "Harry lived in Tokyo long ago")
	current := insertCore(t, st, "Harry lives in Tokyo now")
	require.NoError(t, st.MarkSuperseded(ctx, old.ID, current.ID))
	require.NoError(t, idx.Upsert(ctx, old.ID, []float32{1, 0, 0}, "default"))
	require.NoError(t, idx.Upsert(ctx, current.ID, []float32{1, 0, 0}, "default"))

	exp := clk.Now().Add(time.Hour)
	expired, err := st.InsertMemory(ctx, store.InsertMemoryParams{
		Layer: types.LayerWorking, Category: "todo", Content: "Tokyo errand",
		Source: "test", AgentID: "default", Importance: 0.5, Confidence: 0.5, ExpiresAt: &exp,
	})
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)

	resp, err := s.Search(ctx, "Tokyo", store.MemoryFilter{AgentID: "default"}, 10, false)
	require.NoError(t, err)
	for _, r := range resp.Results {
		assert.NotEqual(t, old.ID, r.Memory.ID, "superseded memory surfaced")
		assert.NotEqual(t, expired.ID, r.Memory.ID, "expired memory surfaced")
	}
}

func TestAccessBumpOnSearch(t *testing.T) {
	emb := &tableEmbedder{vectors: map[string][]float32{}}
	s, st, _, _ := newTestSearcher(t, emb)
	ctx := context.Background()

	m := insertCore(t, st, "Harry lives in Tokyo")
	_, err := s.Search(ctx, "Tokyo", store.MemoryFilter{AgentID: "default"}, 5, false)
	require.NoError(t, err)

	got, err := st.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
}
