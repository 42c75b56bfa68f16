package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
)

func openTestStore(t *testing.T) (*MemoryStore, *clock.Frozen) {
	t.Helper()
	clk := clock.NewFrozen(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	s, err := Open(filepath.Join(t.TempDir(), "brain.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, clk
}

func insertTest(t *testing.T, s *MemoryStore, layer types.Layer, category types.Category, content string) *types.Memory {
	t.Helper()
	p := store.InsertMemoryParams{
		Layer:      layer,
		Category:   category,
		Content:    content,
		Source:     "test",
		AgentID:    "default",
		Importance: 0.7,
		Confidence: 0.8,
	}
	if layer == types.LayerWorking {
		exp := s.clock.Now().Add(24 * time.Hour)
		p.ExpiresAt = &exp
	}
	m, err := s.InsertMemory(context.Background(), p)
	require.NoError(t, err)
	return m
}

func TestInsertMemoryDefaults(t *testing.T) {
	s, _ := openTestStore(t)
	m := insertTest(t, s, types.LayerCore, "fact", "Harry is a developer")

	assert.NotEmpty(t, m.ID)
	assert.Equal(t, 1.0, m.DecayScore)
	assert.Equal(t, 0, m.AccessCount)
	assert.Nil(t, m.LastAccessed)

	got, err := s.GetMemory(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, m.Content, got.Content)
}

func TestInsertMemoryValidation(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	_, err := s.InsertMemory(ctx, store.InsertMemoryParams{
		Layer: "bogus", Category: "fact", Content: "x", Importance: 0.5, Confidence: 0.5,
	})
	assert.ErrorIs(t, err, store.ErrValidation)

	_, err = s.InsertMemory(ctx, store.InsertMemoryParams{
		Layer: types.LayerCore, Category: "nonsense", Content: "x", Importance: 0.5, Confidence: 0.5,
	})
	assert.ErrorIs(t, err, store.ErrValidation)

	// Working memories must carry a TTL.
	_, err = s.InsertMemory(ctx, store.InsertMemoryParams{
		Layer: types.LayerWorking, Category: "fact", Content: "x", Importance: 0.5, Confidence: 0.5,
	})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestUpdateMemoryWhitelist(t *testing.T) {
	s, _ := openTestStore(t)
	m := insertTest(t, s, types.LayerCore, "fact", "original")

	imp := 0.95
	updated, err := s.UpdateMemory(context.Background(), m.ID, store.MemoryPatch{Importance: &imp})
	require.NoError(t, err)
	assert.Equal(t, 0.95, updated.Importance)
	assert.Equal(t, "original", updated.Content) // content is not patchable

	bad := 1.5
	_, err = s.UpdateMemory(context.Background(), m.ID, store.MemoryPatch{Importance: &bad})
	assert.ErrorIs(t, err, store.ErrValidation)
}

func TestVersionChainOrderAndCycleSafety(t *testing.T) {
	s, clk := openTestStore(t)
	ctx := context.Background()

	m1 := insertTest(t, s, types.LayerCore, "fact", "v1")
	clk.Advance(time.Minute)
	m2 := insertTest(t, s, types.LayerCore, "fact", "v2")
	clk.Advance(time.Minute)
	m3 := insertTest(t, s, types.LayerCore, "fact", "v3")

	require.NoError(t, s.MarkSuperseded(ctx, m1.ID, m2.ID))
	require.NoError(t, s.MarkSuperseded(ctx, m2.ID, m3.ID))

	// Chain reachable from every member, in creation order.
	for _, id := range []string{m1.ID, m2.ID, m3.ID} {
		chain, err := s.GetMemoryVersionChain(ctx, id)
		require.NoError(t, err)
		require.Len(t, chain, 3)
		assert.Equal(t, m1.ID, chain[0].ID)
		assert.Equal(t, m2.ID, chain[1].ID)
		assert.Equal(t, m3.ID, chain[2].ID)
		for i := 1; i < len(chain); i++ {
			assert.False(t, chain[i].CreatedAt.Before(chain[i-1].CreatedAt))
		}
	}

	// A deliberate cycle trips the cycle guard instead of looping.
	a := insertTest(t, s, types.LayerCore, "fact", "cycle a")
	b := insertTest(t, s, types.LayerCore, "fact", "cycle b")
	require.NoError(t, s.MarkSuperseded(ctx, a.ID, b.ID))
	require.NoError(t, s.MarkSuperseded(ctx, b.ID, a.ID))
	_, err := s.GetMemoryVersionChain(ctx, a.ID)
	assert.ErrorIs(t, err, store.ErrCycleDetected)
}

func TestSearchFullText(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	insertTest(t, s, types.LayerCore, "fact", "Harry lives in Tokyo")
	insertTest(t, s, types.LayerCore, "fact", "Random unrelated note about cooking")

	hits, err := s.SearchFullText(ctx, "Tokyo", store.MemoryFilter{AgentID: "default"}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Memory.Content, "Tokyo")

	// Unsanitizable queries return empty without erroring.
	hits, err = s.SearchFullText(ctx, `"*^:`, store.MemoryFilter{AgentID: "default"}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestBumpAccess(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()
	m := insertTest(t, s, types.LayerCore, "fact", "bump me")

	require.NoError(t, s.BumpAccess(ctx, []string{m.ID}, "some query"))
	require.NoError(t, s.BumpAccess(ctx, []string{m.ID}, "another query"))

	got, err := s.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
	require.NotNil(t, got.LastAccessed)
}

func TestExpireWorking(t *testing.T) {
	s, clk := openTestStore(t)
	ctx := context.Background()

	expired := insertTest(t, s, types.LayerWorking, "todo", "short lived")
	keep := insertTest(t, s, types.LayerCore, "fact", "durable")

	clk.Advance(48 * time.Hour)
	gone, err := s.ExpireWorking(ctx, clk.Now(), 100)
	require.NoError(t, err)
	require.Len(t, gone, 1)
	assert.Equal(t, expired.ID, gone[0].ID)

	_, err = s.GetMemory(ctx, expired.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.GetMemory(ctx, keep.ID)
	assert.NoError(t, err)

	// Idempotent: a second sweep finds nothing.
	gone, err = s.ExpireWorking(ctx, clk.Now(), 100)
	require.NoError(t, err)
	assert.Empty(t, gone)
}

func TestRelationUpsertEMA(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	in := store.RelationInput{
		Subject: "Harry", Predicate: "lives_in", Object: "东京",
		Confidence: 0.8, AgentID: "default", Source: "ingest", Channel: types.ChannelDeep,
	}
	r1, err := s.UpsertRelation(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 0.8, r1.Confidence)
	assert.Equal(t, 1, r1.ExtractionCount)

	in.Confidence = 0.6
	r2, err := s.UpsertRelation(ctx, in)
	require.NoError(t, err)
	assert.InDelta(t, 0.3*0.6+0.7*0.8, r2.Confidence, 1e-9)
	assert.Equal(t, 2, r2.ExtractionCount)
	assert.Equal(t, r1.ID, r2.ID)

	// Confidence stays in [0,1] under any upsert sequence.
	for i := 0; i < 50; i++ {
		in.Confidence = float64(i % 2) // alternate 0 and 1
		r, err := s.UpsertRelation(ctx, in)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, r.Confidence, 0.0)
		assert.LessOrEqual(t, r.Confidence, 1.0)
	}

	relations, err := s.ListRelations(ctx, store.RelationFilter{AgentID: "default"})
	require.NoError(t, err)
	require.Len(t, relations, 1)
	assert.Equal(t, 52, relations[0].ExtractionCount)
}

func TestAgentsAndLogs(t *testing.T) {
	s, _ := openTestStore(t)
	ctx := context.Background()

	agent := &types.Agent{ID: "a1", Name: "Agent One"}
	require.NoError(t, s.UpsertAgent(ctx, agent))
	agent.Name = "Agent One Renamed"
	require.NoError(t, s.UpsertAgent(ctx, agent))

	got, err := s.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "Agent One Renamed", got.Name)

	require.NoError(t, s.AppendLifecycleLog(ctx, &types.LifecycleLog{
		Action:    "promote",
		MemoryIDs: []string{"m1", "m2"},
		Details:   map[string]interface{}{"score": 0.7},
	}))
	logs, err := s.ListLifecycleLogs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "promote", logs[0].Action)
	assert.Equal(t, []string{"m1", "m2"}, logs[0].MemoryIDs)

	require.NoError(t, s.AppendExtractionLog(ctx, &types.ExtractionLog{
		Channel: types.ChannelFast, AgentID: "a1", ParsedMemories: 2,
	}))
	elogs, err := s.ListExtractionLogs(ctx, "a1", 10)
	require.NoError(t, err)
	require.Len(t, elogs, 1)
	assert.Equal(t, types.ChannelFast, elogs[0].Channel)
}
