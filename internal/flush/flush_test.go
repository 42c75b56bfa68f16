package flush

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/sieve"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/store/sqlite"
	"github.com/rikouu/cortex/internal/types"
	"github.com/rikouu/cortex/internal/vectorindex"
	"github.com/rikouu/cortex/internal/writer"
)

// scriptedLLM returns responses in order, one per Complete call.
type scriptedLLM struct {
	responses []string
	errs      []error
	calls     int
}

func (l *scriptedLLM) Complete(context.Context, string) (string, error) {
	i := l.calls
	l.calls++
	if i < len(l.errs) && l.errs[i] != nil {
		return "", l.errs[i]
	}
	if i < len(l.responses) {
		return l.responses[i], nil
	}
	return "", errors.New("no more scripted responses")
}

func (l *scriptedLLM) GetModel() string { return "scripted" }

func newTestFlush(t *testing.T, llm *scriptedLLM) (*Flush, *sqlite.MemoryStore) {
	t.Helper()
	clk := clock.NewFrozen(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "brain.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx := vectorindex.NewMemoryIndex()
	w := writer.New(st, idx, nil, llm, clk, writer.DefaultConfig(), nil)
	f := New(w, st, llm, clk, Config{}, nil)
	return f, st
}

func conversation() []sieve.Message {
	return []sieve.Message{
		{Role: "user", Content: "我们决定以后反向代理全部换成 Caddy，不再用 Nginx"},
		{Role: "assistant", Content: "好的，我会记住这个决定并在后续配置中使用 Caddy"},
		{Role: "user", Content: "ok"}, // ≤10 chars: dropped from the transcript
	}
}

func TestFlushWritesMemoriesAndRelations(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"- 反向代理从 Nginx 切换为 Caddy",
		`{"memories":[{"content":"决定将反向代理从 Nginx 切换为 Caddy","category":"decision","importance":0.9,"source":"user_stated","reasoning":"explicit decision"}],"relations":[{"subject":"团队","predicate":"uses","object":"Caddy","confidence":0.8}],"nothing_extracted":false}`,
	}}
	f, st := newTestFlush(t, llm)
	ctx := context.Background()

	out, err := f.Run(ctx, Input{Messages: conversation(), AgentID: "default", SessionID: "s1", Reason: "compaction"})
	require.NoError(t, err)
	require.Len(t, out.Flushed, 1)
	assert.Equal(t, 1, out.Inserted)
	assert.Contains(t, out.Flushed[0].Content, "Caddy")
	assert.Equal(t, "flush:s1", out.Flushed[0].Source)
	assert.Contains(t, out.Summary, "Caddy")

	relations, err := st.ListRelations(ctx, store.RelationFilter{AgentID: "default"})
	require.NoError(t, err)
	require.Len(t, relations, 1)
	assert.Equal(t, "uses", relations[0].Predicate)

	logs, err := st.ListExtractionLogs(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, types.ChannelFlush, logs[0].Channel)
}

func TestFlushFallbackSummary(t *testing.T) {
	llm := &scriptedLLM{responses: []string{
		"- the lasting outcome bullet",
		`{"memories":[],"relations":[],"nothing_extracted":true}`,
	}}
	f, st := newTestFlush(t, llm)
	ctx := context.Background()

	out, err := f.Run(ctx, Input{Messages: conversation(), AgentID: "default", SessionID: "s2"})
	require.NoError(t, err)
	require.Len(t, out.Flushed, 1)

	fallback := out.Flushed[0]
	assert.Equal(t, types.LayerWorking, fallback.Layer)
	assert.Equal(t, types.Category("summary"), fallback.Category)
	require.NotNil(t, fallback.ExpiresAt)
	assert.Equal(t, true, fallback.Metadata["fallback"])

	memories, err := st.ListMemories(ctx, store.MemoryFilter{AgentID: "default"})
	require.NoError(t, err)
	assert.Len(t, memories, 1)
}

func TestFlushLLMFailureStillLogs(t *testing.T) {
	llm := &scriptedLLM{
		responses: []string{"", ""},
		errs:      []error{errors.New("provider down"), errors.New("provider down")},
	}
	f, st := newTestFlush(t, llm)
	ctx := context.Background()

	out, err := f.Run(ctx, Input{Messages: conversation(), AgentID: "default", SessionID: "s3"})
	require.NoError(t, err)
	assert.Empty(t, out.Flushed)
	assert.Empty(t, out.Summary)

	logs, err := st.ListExtractionLogs(ctx, "default", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.NotEmpty(t, logs[0].Error)
}

func TestFlushEmptyConversation(t *testing.T) {
	llm := &scriptedLLM{}
	f, _ := newTestFlush(t, llm)

	out, err := f.Run(context.Background(), Input{
		Messages: []sieve.Message{{Role: "user", Content: "hi"}},
		AgentID:  "default",
	})
	require.NoError(t, err)
	assert.Empty(t, out.Flushed)
	assert.Zero(t, llm.calls, "no LLM calls for an empty transcript")
}
