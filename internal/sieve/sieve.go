// Package sieve is the per-exchange ingestion pipeline (spec §4.5): a
// fast regex-signal channel and a deep LLM-extraction channel, run in
// parallel when configured, both admitting memories through the shared
// MemoryWriter. A failed channel contributes zero memories and an error
// line in its log; the other channel still runs.
package sieve

import (
	"context"
	"sync"

	"github.com/rikouu/cortex/internal/attribution"
	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/extract"
	"github.com/rikouu/cortex/internal/provider"
	"github.com/rikouu/cortex/internal/signal"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
	"github.com/rikouu/cortex/internal/writer"
)

// Message is one prior conversation turn supplied as extraction context.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Input is one user↔assistant exchange to ingest.
type Input struct {
	UserMessage      string    `json:"user_message"`
	AssistantMessage string    `json:"assistant_message"`
	Messages         []Message `json:"messages,omitempty"`
	AgentID          string    `json:"agent_id,omitempty"`
	SessionID        string    `json:"session_id,omitempty"`
}

// Output reports what both channels produced.
type Output struct {
	Extracted             []*types.Memory        `json:"extracted"`
	HighSignals           []signal.Signal        `json:"high_signals"`
	StructuredExtractions []extract.Memory       `json:"structured_extractions"`
	ExtractionLogs        []*types.ExtractionLog `json:"extraction_logs"`
}

// Config holds Sieve tuning.
type Config struct {
	ParallelChannels   bool
	MaxContextMessages int
}

// Sieve runs the ingestion pipeline.
type Sieve struct {
	detector *signal.Detector
	writer   *writer.Writer
	store    store.Store
	llm      provider.TextGenerator
	clock    clock.Clock
	cfg      Config
	warn     func(msg string, err error)
}

// New assembles a Sieve.
func New(det *signal.Detector, w *writer.Writer, s store.Store, llm provider.TextGenerator, clk clock.Clock, cfg Config, warn func(string, error)) *Sieve {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Sieve{detector: det, writer: w, store: s, llm: llm, clock: clk, cfg: cfg, warn: warn}
}

// Ingest runs both channels over one exchange. The returned error covers
// only pipeline-fatal conditions; per-channel failures land in the logs.
func (s *Sieve) Ingest(ctx context.Context, in Input) (*Output, error) {
	if in.AgentID == "" {
		in.AgentID = types.DefaultAgentID
	}
	user := signal.Sanitize(in.UserMessage)
	assistant := signal.Sanitize(in.AssistantMessage)

	out := &Output{}
	var mu sync.Mutex

	fast := func() {
		memories, signals, log := s.fastChannel(ctx, user, assistant, in)
		mu.Lock()
		defer mu.Unlock()
		out.Extracted = append(out.Extracted, memories...)
		out.HighSignals = signals
		out.ExtractionLogs = append(out.ExtractionLogs, log)
	}
	deep := func() {
		memories, extractions, log := s.deepChannel(ctx, user, assistant, in)
		mu.Lock()
		defer mu.Unlock()
		out.Extracted = append(out.Extracted, memories...)
		out.StructuredExtractions = extractions
		out.ExtractionLogs = append(out.ExtractionLogs, log)
	}

	if s.cfg.ParallelChannels {
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); fast() }()
		go func() { defer wg.Done(); deep() }()
		wg.Wait()
	} else {
		fast()
		deep()
	}

	for _, log := range out.ExtractionLogs {
		if err := s.store.AppendExtractionLog(ctx, log); err != nil {
			s.warnf("sieve: append extraction log failed", err)
		}
	}
	return out, nil
}

// fastChannel runs the SignalDetector and admits each signal through the
// writer's legacy path (spec §4.5 step 2).
func (s *Sieve) fastChannel(ctx context.Context, user, assistant string, in Input) ([]*types.Memory, []signal.Signal, *types.ExtractionLog) {
	log := &types.ExtractionLog{
		Channel:   types.ChannelFast,
		AgentID:   in.AgentID,
		SessionID: in.SessionID,
		CreatedAt: s.clock.Now(),
	}

	signals := s.detector.Detect(user, assistant)
	var memories []*types.Memory
	for _, sig := range signals {
		source := types.SourceUserStated
		if !sig.FromUser {
			source = types.SourceSelfReflection
		}
		outcome, err := s.writer.WriteLegacy(ctx, writer.Extraction{
			Content:    sig.Content,
			Category:   sig.Category,
			Importance: sig.Importance,
			Confidence: sig.Confidence,
			Source:     source,
			Metadata:   map[string]interface{}{"rule": sig.RuleName},
		}, in.AgentID, "ingest")
		if err != nil {
			s.warnf("sieve: fast channel write failed", err)
			continue
		}
		if outcome.Memory != nil {
			memories = append(memories, outcome.Memory)
		}
	}
	log.ParsedMemories = len(memories)
	return memories, signals, log
}

// deepChannel prompts the LLM for the strict extraction object, parses
// tolerantly, validates against the closed vocabularies, and writes
// memories and relations (spec §4.5 steps 3–5).
func (s *Sieve) deepChannel(ctx context.Context, user, assistant string, in Input) ([]*types.Memory, []extract.Memory, *types.ExtractionLog) {
	log := &types.ExtractionLog{
		Channel:   types.ChannelDeep,
		AgentID:   in.AgentID,
		SessionID: in.SessionID,
		CreatedAt: s.clock.Now(),
	}

	prompt := buildExtractionPrompt(user, assistant, in.Messages, s.cfg.MaxContextMessages)
	raw, err := s.llm.Complete(ctx, prompt)
	if err != nil {
		log.Error = err.Error()
		return nil, nil, log
	}
	log.RawOutput = raw

	parsed := extract.Parse(raw)
	if parsed.Kind == extract.Malformed {
		log.Error = "malformed extraction response"
		return nil, nil, log
	}
	if parsed.Kind == extract.Empty {
		return nil, nil, log
	}

	recordedBy := attribution.DetectAgent()

	var memories []*types.Memory
	var validated []extract.Memory
	for _, em := range parsed.Memories {
		category, source, ok := extract.ValidateMemory(em)
		if !ok {
			continue
		}
		validated = append(validated, em)
		outcome, err := s.writer.Write(ctx, writer.Extraction{
			Content:    em.Content,
			Category:   category,
			Importance: em.Importance,
			Source:     source,
			Reasoning:  em.Reasoning,
			Metadata:   map[string]interface{}{"recorded_by": recordedBy},
		}, in.AgentID, "ingest")
		if err != nil {
			s.warnf("sieve: deep channel write failed", err)
			continue
		}
		if outcome.Memory != nil {
			memories = append(memories, outcome.Memory)
		}
	}

	relations := 0
	for _, er := range parsed.Relations {
		if !extract.ValidateRelation(er) {
			continue
		}
		var sourceMemoryID string
		if len(memories) > 0 {
			sourceMemoryID = memories[0].ID
		}
		expired := er.Expired
		if _, err := s.store.UpsertRelation(ctx, store.RelationInput{
			Subject:    er.Subject,
			Predicate:  er.Predicate,
			Object:     er.Object,
			Confidence: er.Confidence,
			AgentID:    in.AgentID,
			Source:     "ingest",
			Channel:    types.ChannelDeep,
			MemoryID:   sourceMemoryID,
			Expired:    &expired,
		}); err != nil {
			// Relation extraction is a swallowed side path (spec §7).
			s.warnf("sieve: relation upsert failed", err)
			continue
		}
		relations++
	}

	log.ParsedMemories = len(memories)
	log.ParsedRelations = relations
	return memories, validated, log
}

func (s *Sieve) warnf(msg string, err error) {
	if s.warn != nil {
		s.warn(msg, err)
	}
}
