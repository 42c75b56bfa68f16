package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
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

type cannedLLM struct {
	response string
	mu       sync.Mutex
	calls    int
}

func (l *cannedLLM) Complete(context.Context, string) (string, error) {
	l.mu.Lock()
	l.calls++
	l.mu.Unlock()
	if l.response == "" {
		return "", errors.New("no canned response")
	}
	return l.response, nil
}

func (l *cannedLLM) GetModel() string { return "canned" }

type nilEmbedder struct{}

func (nilEmbedder) Embed(context.Context, string) ([]float32, error) { return nil, nil }
func (nilEmbedder) GetModel() string                                 { return "nil" }

func newTestEngine(t *testing.T, llm *cannedLLM) (*Engine, *sqlite.MemoryStore, *clock.Frozen) {
	t.Helper()
	clk := clock.NewFrozen(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "brain.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx := vectorindex.NewMemoryIndex()
	require.NoError(t, idx.Initialize(context.Background(), 3))

	e := New(st, idx, llm, nilEmbedder{}, clk, DefaultConfig(), nil)
	return e, st, clk
}

func insertWith(t *testing.T, st *sqlite.MemoryStore, p store.InsertMemoryParams) *types.Memory {
	t.Helper()
	if p.Source == "" {
		p.Source = "test"
	}
	if p.AgentID == "" {
		p.AgentID = "default"
	}
	m, err := st.InsertMemory(context.Background(), p)
	require.NoError(t, err)
	return m
}

func TestExpireWorkingPhase(t *testing.T) {
	e, st, clk := newTestEngine(t, &cannedLLM{response: "summary"})
	ctx := context.Background()

	exp := clk.Now().Add(time.Hour)
	m := insertWith(t, st, store.InsertMemoryParams{
		Layer: types.LayerWorking, Category: "todo", Content: "temporary note",
		Importance: 0.4, Confidence: 0.5, ExpiresAt: &exp,
	})

	clk.Advance(2 * time.Hour)
	report, err := e.Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)

	_, err = st.GetMemory(ctx, m.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Invariant: after the sweep, no working memory is past its TTL.
	memories, err := st.ListMemories(ctx, store.MemoryFilter{
		AgentID: "default", Layers: []types.Layer{types.LayerWorking}, Limit: 1000,
	})
	require.NoError(t, err)
	for _, w := range memories {
		require.NotNil(t, w.ExpiresAt)
		assert.True(t, w.ExpiresAt.After(clk.Now()))
	}
}

func TestPromotePhase(t *testing.T) {
	e, st, clk := newTestEngine(t, &cannedLLM{response: "summary"})
	ctx := context.Background()

	exp := clk.Now().Add(7 * 24 * time.Hour)
	m := insertWith(t, st, store.InsertMemoryParams{
		Layer: types.LayerWorking, Category: "decision", Content: "promotion candidate",
		Importance: 0.9, Confidence: 0.8, ExpiresAt: &exp,
	})
	// Earn access count 8.
	for i := 0; i < 8; i++ {
		require.NoError(t, st.BumpAccess(ctx, []string{m.ID}, "q"))
	}

	clk.Advance(30 * time.Hour)
	report, err := e.Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Promoted)

	old, err := st.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	require.NotEmpty(t, old.SupersededBy)

	promoted, err := st.GetMemory(ctx, old.SupersededBy)
	require.NoError(t, err)
	assert.Equal(t, types.LayerCore, promoted.Layer)
	assert.Equal(t, "promotion candidate", promoted.Content)
	assert.GreaterOrEqual(t, promoted.Importance, 0.6)
	assert.Equal(t, "lifecycle:promotion", promoted.Source)

	// Audit row references both ids.
	logs, err := st.ListLifecycleLogs(ctx, 50)
	require.NoError(t, err)
	found := false
	for _, log := range logs {
		if log.Action == "promote" {
			assert.Contains(t, log.MemoryIDs, m.ID)
			assert.Contains(t, log.MemoryIDs, promoted.ID)
			found = true
		}
	}
	assert.True(t, found, "expected a promote audit row")
}

func TestDedupCorePhase(t *testing.T) {
	e, st, clk := newTestEngine(t, &cannedLLM{response: "summary"})
	ctx := context.Background()

	older := insertWith(t, st, store.InsertMemoryParams{
		Layer: types.LayerCore, Category: "preference", Content: "User prefers dark mode in all editors",
		Importance: 0.7, Confidence: 0.8,
	})
	clk.Advance(time.Minute)
	newer := insertWith(t, st, store.InsertMemoryParams{
		Layer: types.LayerCore, Category: "preference", Content: "User prefers dark mode in all editors!",
		Importance: 0.7, Confidence: 0.8,
	})

	_, err := e.Run(ctx, false)
	require.NoError(t, err)

	oldGot, err := st.GetMemory(ctx, older.ID)
	require.NoError(t, err)
	assert.Equal(t, newer.ID, oldGot.SupersededBy)

	newGot, err := st.GetMemory(ctx, newer.ID)
	require.NoError(t, err)
	assert.Empty(t, newGot.SupersededBy)
}

func TestArchiveAndDecayPhases(t *testing.T) {
	e, st, clk := newTestEngine(t, &cannedLLM{response: "summary"})
	ctx := context.Background()

	m := insertWith(t, st, store.InsertMemoryParams{
		Layer: types.LayerCore, Category: "fact", Content: "stale fact nobody reads",
		Importance: 0.3, Confidence: 0.5,
	})
	low := 0.1
	_, err := st.UpdateMemory(ctx, m.ID, store.MemoryPatch{DecayScore: &low})
	require.NoError(t, err)

	report, err := e.Run(ctx, false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, report.Archived, 1)

	got, err := st.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, types.LayerArchive, got.Layer)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, got.ExpiresAt.After(clk.Now()))
}

func TestDecayMonotonicWithoutAccess(t *testing.T) {
	e, st, clk := newTestEngine(t, &cannedLLM{response: "summary"})
	ctx := context.Background()

	m := insertWith(t, st, store.InsertMemoryParams{
		Layer: types.LayerCore, Category: "fact", Content: "untouched memory",
		Importance: 0.7, Confidence: 0.8,
	})

	prev := 1.0
	for i := 0; i < 4; i++ {
		clk.Advance(10 * 24 * time.Hour)
		_, err := e.Run(ctx, false)
		require.NoError(t, err)
		got, err := st.GetMemory(ctx, m.ID)
		if errors.Is(err, store.ErrNotFound) {
			break // archived then compressed away; decay kept falling to the end
		}
		require.NoError(t, err)
		if got.SupersededBy != "" {
			break
		}
		assert.LessOrEqual(t, got.DecayScore, prev, "decay must not increase without access")
		prev = got.DecayScore
	}
}

func TestCompressArchivePhase(t *testing.T) {
	llm := &cannedLLM{response: "A compact rollup of several expiring facts in a couple of sentences."}
	e, st, clk := newTestEngine(t, llm)
	ctx := context.Background()

	exp := clk.Now().Add(time.Hour)
	var bundle []*types.Memory
	for _, content := range []string{"archived fact one", "archived fact two"} {
		m := insertWith(t, st, store.InsertMemoryParams{
			Layer: types.LayerArchive, Category: "fact", Content: content,
			Importance: 0.3, Confidence: 0.5, ExpiresAt: &exp,
		})
		bundle = append(bundle, m)
	}

	clk.Advance(2 * time.Hour)
	report, err := e.Run(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Compressed)

	for _, m := range bundle {
		got, err := st.GetMemory(ctx, m.ID)
		require.NoError(t, err)
		assert.NotEmpty(t, got.SupersededBy, "compressed input should be superseded")
	}

	// The super-summary landed in core with category summary.
	memories, err := st.ListMemories(ctx, store.MemoryFilter{
		AgentID: "default", Layers: []types.Layer{types.LayerCore}, ActiveOnly: true, Limit: 100,
	})
	require.NoError(t, err)
	found := false
	for _, m := range memories {
		if m.Category == "summary" && m.Source == "lifecycle:compression" {
			found = true
		}
	}
	assert.True(t, found, "expected a compression summary in core")
}

func TestDryRunWritesNothing(t *testing.T) {
	e, st, clk := newTestEngine(t, &cannedLLM{response: "summary"})
	ctx := context.Background()

	exp := clk.Now().Add(time.Hour)
	m := insertWith(t, st, store.InsertMemoryParams{
		Layer: types.LayerWorking, Category: "todo", Content: "dry run candidate",
		Importance: 0.4, Confidence: 0.5, ExpiresAt: &exp,
	})
	clk.Advance(2 * time.Hour)

	report, err := e.Run(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)
	assert.True(t, report.DryRun)

	// Still there: dry run performed reads only.
	_, err = st.GetMemory(ctx, m.ID)
	assert.NoError(t, err)
}

func TestLifecycleMutualExclusion(t *testing.T) {
	e, _, _ := newTestEngine(t, &cannedLLM{response: "summary"})
	ctx := context.Background()

	// Hold the running flag manually to simulate an in-flight sweep.
	e.mu.Lock()
	e.running = true
	e.lastReport = &Report{StartedAt: e.clock.Now()}
	e.mu.Unlock()

	report, err := e.Run(ctx, false)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	require.NotNil(t, report, "second caller receives the in-progress report")

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	_, err = e.Run(ctx, false)
	assert.NoError(t, err)
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("0 3 * * *")
	require.NoError(t, err)
	assert.Equal(t, 3, s.Hour)
	assert.Equal(t, 0, s.Minute)

	next := s.next(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, time.Date(2025, 6, 2, 3, 0, 0, 0, time.UTC), next)

	_, err = ParseSchedule("*/5 * * * *")
	assert.Error(t, err)
	_, err = ParseSchedule("61 3 * * *")
	assert.Error(t, err)
}

func TestTrigramJaccard(t *testing.T) {
	assert.Equal(t, 1.0, trigramJaccard("same text", "same text"))
	assert.Greater(t, trigramJaccard("user prefers dark mode", "user prefers dark mode!"), 0.85)
	assert.Less(t, trigramJaccard("completely different", "nothing alike here"), 0.3)
	assert.Equal(t, 1.0, trigramJaccard("ab", "cd")) // both below trigram length
}

func TestStripPrefixes(t *testing.T) {
	assert.Equal(t, "said hello", stripPrefixes("User said: said hello", []string{"User said:"}))
	assert.Equal(t, "untouched", stripPrefixes("untouched", []string{"User said:"}))
}
