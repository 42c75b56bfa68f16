package sieve

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/signal"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/store/sqlite"
	"github.com/rikouu/cortex/internal/types"
	"github.com/rikouu/cortex/internal/vectorindex"
	"github.com/rikouu/cortex/internal/writer"
)

type cannedLLM struct {
	response string
	err      error
}

func (l *cannedLLM) Complete(context.Context, string) (string, error) {
	return l.response, l.err
}

func (l *cannedLLM) GetModel() string { return "canned" }

func newTestSieve(t *testing.T, llm *cannedLLM) (*Sieve, *sqlite.MemoryStore) {
	t.Helper()
	clk := clock.NewFrozen(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "brain.db"), clk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	idx := vectorindex.NewMemoryIndex()
	w := writer.New(st, idx, nil, llm, clk, writer.DefaultConfig(), nil)
	s := New(signal.NewDetector(), w, st, llm, clk, Config{MaxContextMessages: 10}, nil)
	return s, st
}

func TestIngestIdentityCapture(t *testing.T) {
	llm := &cannedLLM{response: `{"memories":[{"content":"用户叫Harry，住在东京","category":"identity","importance":0.9,"source":"user_stated","reasoning":"self-introduction"}],"relations":[{"subject":"Harry","predicate":"lives_in","object":"东京","confidence":0.9}],"nothing_extracted":false}`}
	s, st := newTestSieve(t, llm)
	ctx := context.Background()

	out, err := s.Ingest(ctx, Input{
		UserMessage:      "我叫Harry，住在东京",
		AssistantMessage: "你好 Harry！",
	})
	require.NoError(t, err)

	// At least one identity memory containing "Harry".
	identityFound := false
	for _, m := range out.Extracted {
		if m.Category == "identity" && strings.Contains(m.Content, "Harry") {
			identityFound = true
		}
	}
	assert.True(t, identityFound, "expected an identity memory mentioning Harry, got %+v", out.Extracted)

	// The lives_in relation is upserted with confidence ≥ 0.5.
	relations, err := st.ListRelations(ctx, store.RelationFilter{AgentID: "default"})
	require.NoError(t, err)
	relFound := false
	for _, r := range relations {
		if r.Predicate == "lives_in" && r.Object == "东京" {
			relFound = true
			assert.GreaterOrEqual(t, r.Confidence, 0.5)
		}
	}
	assert.True(t, relFound, "expected a lives_in relation, got %+v", relations)

	// Both channels produced a log.
	require.Len(t, out.ExtractionLogs, 2)
	channels := map[types.Channel]bool{}
	for _, log := range out.ExtractionLogs {
		channels[log.Channel] = true
	}
	assert.True(t, channels[types.ChannelFast])
	assert.True(t, channels[types.ChannelDeep])
}

func TestIngestDeepChannelFailureKeepsFastResults(t *testing.T) {
	llm := &cannedLLM{err: errors.New("provider down")}
	s, _ := newTestSieve(t, llm)

	out, err := s.Ingest(context.Background(), Input{
		UserMessage:      "I prefer dark mode in every editor I use",
		AssistantMessage: "noted",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, out.HighSignals, "fast channel should still produce signals")
	assert.NotEmpty(t, out.Extracted, "fast channel should still write memories")

	var deepLog *types.ExtractionLog
	for _, log := range out.ExtractionLogs {
		if log.Channel == types.ChannelDeep {
			deepLog = log
		}
	}
	require.NotNil(t, deepLog)
	assert.NotEmpty(t, deepLog.Error)
	assert.Zero(t, deepLog.ParsedMemories)
}

func TestIngestParallelChannels(t *testing.T) {
	llm := &cannedLLM{response: `{"memories":[],"relations":[],"nothing_extracted":true}`}
	s, _ := newTestSieve(t, llm)
	s.cfg.ParallelChannels = true

	out, err := s.Ingest(context.Background(), Input{
		UserMessage:      "my name is Frieda and I work in Berlin",
		AssistantMessage: "hello Frieda",
	})
	require.NoError(t, err)
	assert.Len(t, out.ExtractionLogs, 2)
}

func TestIngestMalformedDeepResponse(t *testing.T) {
	llm := &cannedLLM{response: "I'm sorry, I can't produce JSON today."}
	s, _ := newTestSieve(t, llm)

	out, err := s.Ingest(context.Background(), Input{
		UserMessage:      "just some chatter without signal value",
		AssistantMessage: "sure",
	})
	require.NoError(t, err)

	for _, log := range out.ExtractionLogs {
		if log.Channel == types.ChannelDeep {
			assert.Equal(t, "malformed extraction response", log.Error)
		}
	}
}
