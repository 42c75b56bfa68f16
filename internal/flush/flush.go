// Package flush is the session-boundary distillation pipeline (spec
// §4.8): when an agent's context window is about to be compacted, the
// whole conversation is distilled into a highlight summary and structured
// core items, admitted through the shared MemoryWriter.
package flush

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/extract"
	"github.com/rikouu/cortex/internal/provider"
	"github.com/rikouu/cortex/internal/sieve"
	"github.com/rikouu/cortex/internal/signal"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
	"github.com/rikouu/cortex/internal/vocab"
	"github.com/rikouu/cortex/internal/writer"
)

// Input is one session flush call.
type Input struct {
	Messages  []sieve.Message `json:"messages"`
	AgentID   string          `json:"agent_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Reason    string          `json:"reason,omitempty"`
}

// Output reports the distillation result.
type Output struct {
	Flushed       []*types.Memory      `json:"flushed"`
	Summary       string               `json:"summary"`
	ExtractionLog *types.ExtractionLog `json:"extraction_log,omitempty"`
	Deduplicated  int                  `json:"deduplicated"`
	SmartUpdated  int                  `json:"smart_updated"`
	Inserted      int                  `json:"inserted"`
}

// Config holds Flush tuning.
type Config struct {
	MaxConversationChars int           // §4.8 step 1 truncation
	FallbackTTL          time.Duration // TTL of the fallback summary memory
}

// Flush runs session distillation.
type Flush struct {
	writer *writer.Writer
	store  store.Store
	llm    provider.TextGenerator
	clock  clock.Clock
	cfg    Config
	warn   func(msg string, err error)
}

// New assembles a Flush.
func New(w *writer.Writer, s store.Store, llm provider.TextGenerator, clk clock.Clock, cfg Config, warn func(string, error)) *Flush {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.MaxConversationChars == 0 {
		cfg.MaxConversationChars = 12000
	}
	if cfg.FallbackTTL == 0 {
		cfg.FallbackTTL = 24 * time.Hour
	}
	return &Flush{writer: w, store: s, llm: llm, clock: clk, cfg: cfg, warn: warn}
}

const highlightsPromptTemplate = `Summarize the lasting outcomes of this conversation as a short bullet list, same language as the conversation. Only outcomes worth remembering across sessions: decisions made, facts established, preferences stated, tasks agreed. No pleasantries, no play-by-play.

Conversation:
%CONVERSATION%`

const coreItemsPromptTemplate = `Extract the durable memories and relations from this conversation. Respond with strict JSON only:
{
  "memories": [{"content": "...", "category": "one of: %CATEGORIES%", "importance": 0.0-1.0, "source": "one of: %SOURCES%", "reasoning": "..."}],
  "relations": [{"subject": "1-5 words", "predicate": "one of: %PREDICATES%", "object": "1-5 words", "confidence": 0.5-1.0, "expired": false}],
  "nothing_extracted": false
}

Conversation:
%CONVERSATION%`

// Run distills one session (spec §4.8).
func (f *Flush) Run(ctx context.Context, in Input) (*Output, error) {
	if in.AgentID == "" {
		in.AgentID = types.DefaultAgentID
	}
	sourceTag := "flush:" + in.SessionID

	conversation := f.buildConversationText(in.Messages)
	out := &Output{}
	log := &types.ExtractionLog{
		Channel:   types.ChannelFlush,
		AgentID:   in.AgentID,
		SessionID: in.SessionID,
		CreatedAt: f.clock.Now(),
	}
	out.ExtractionLog = log

	if conversation == "" {
		log.Error = "no conversation content"
		f.appendLog(ctx, log)
		return out, nil
	}

	// LLM call #1: highlights.
	highlights, err := f.llm.Complete(ctx,
		strings.Replace(highlightsPromptTemplate, "%CONVERSATION%", conversation, 1))
	if err != nil {
		f.warnf("flush: highlights call failed", err)
	} else {
		out.Summary = strings.TrimSpace(highlights)
	}

	// LLM call #2: structured core items.
	raw, err := f.llm.Complete(ctx, buildCoreItemsPrompt(conversation))
	if err != nil {
		log.Error = err.Error()
	} else {
		log.RawOutput = raw
		f.admit(ctx, raw, in, sourceTag, out, log)
	}

	// Fallback: with zero memories written, keep the highlights as a
	// working-layer summary so the session leaves some trace.
	if len(out.Flushed) == 0 && out.Summary != "" {
		expires := f.clock.Now().Add(f.cfg.FallbackTTL)
		m, err := f.store.InsertMemory(ctx, store.InsertMemoryParams{
			Layer:      types.LayerWorking,
			Category:   "summary",
			Content:    out.Summary,
			Source:     sourceTag,
			AgentID:    in.AgentID,
			Importance: 0.5,
			Confidence: 0.6,
			ExpiresAt:  &expires,
			Metadata:   map[string]interface{}{"fallback": true},
		})
		if err != nil {
			f.warnf("flush: fallback summary insert failed", err)
		} else {
			out.Flushed = append(out.Flushed, m)
			out.Inserted++
		}
	}

	f.appendLog(ctx, log)
	return out, nil
}

// admit parses and validates the structured response, writing memories
// and relations.
func (f *Flush) admit(ctx context.Context, raw string, in Input, sourceTag string, out *Output, log *types.ExtractionLog) {
	parsed := extract.Parse(raw)
	switch parsed.Kind {
	case extract.Malformed:
		log.Error = "malformed flush response"
		return
	case extract.Empty:
		return
	}

	for _, em := range parsed.Memories {
		// Flush allows the extended category vocabulary, including the
		// system-internal summary tag.
		category, source, ok := extract.ValidateMemoryExtended(em)
		if !ok {
			continue
		}
		outcome, err := f.writer.Write(ctx, writer.Extraction{
			Content:    em.Content,
			Category:   category,
			Importance: em.Importance,
			Source:     source,
			Reasoning:  em.Reasoning,
		}, in.AgentID, sourceTag)
		if err != nil {
			f.warnf("flush: memory write failed", err)
			continue
		}
		switch outcome.Action {
		case writer.ActionInserted:
			out.Inserted++
			out.Flushed = append(out.Flushed, outcome.Memory)
		case writer.ActionSmartUpdated:
			out.SmartUpdated++
			out.Flushed = append(out.Flushed, outcome.Memory)
		case writer.ActionDeduped, writer.ActionSkipped:
			out.Deduplicated++
		}
	}

	relations := 0
	for _, er := range parsed.Relations {
		if !extract.ValidateRelation(er) {
			continue
		}
		var sourceMemoryID string
		if len(out.Flushed) > 0 {
			sourceMemoryID = out.Flushed[0].ID
		}
		expired := er.Expired
		if _, err := f.store.UpsertRelation(ctx, store.RelationInput{
			Subject:    er.Subject,
			Predicate:  er.Predicate,
			Object:     er.Object,
			Confidence: er.Confidence,
			AgentID:    in.AgentID,
			Source:     sourceTag,
			Channel:    types.ChannelFlush,
			MemoryID:   sourceMemoryID,
			Expired:    &expired,
		}); err != nil {
			f.warnf("flush: relation upsert failed", err)
			continue
		}
		relations++
	}

	log.ParsedMemories = len(out.Flushed)
	log.ParsedRelations = relations
}

// buildConversationText joins "role: content" lines of sanitized messages
// longer than 10 chars, truncated to the configured budget (spec §4.8
// step 1).
func (f *Flush) buildConversationText(messages []sieve.Message) string {
	var b strings.Builder
	for _, m := range messages {
		content := signal.Sanitize(m.Content)
		if utf8.RuneCountInString(content) <= 10 {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	text := strings.TrimSpace(b.String())
	if runes := []rune(text); len(runes) > f.cfg.MaxConversationChars {
		text = string(runes[:f.cfg.MaxConversationChars])
	}
	return text
}

func buildCoreItemsPrompt(conversation string) string {
	categories := make([]string, len(vocab.Categories))
	for i, c := range vocab.Categories {
		categories[i] = string(c)
	}
	sources := make([]string, len(vocab.ExtractionSources))
	for i, s := range vocab.ExtractionSources {
		sources[i] = string(s)
	}
	return strings.NewReplacer(
		"%CONVERSATION%", conversation,
		"%CATEGORIES%", strings.Join(categories, ", "),
		"%SOURCES%", strings.Join(sources, ", "),
		"%PREDICATES%", strings.Join(vocab.Predicates, ", "),
	).Replace(coreItemsPromptTemplate)
}

func (f *Flush) appendLog(ctx context.Context, log *types.ExtractionLog) {
	if err := f.store.AppendExtractionLog(ctx, log); err != nil {
		f.warnf("flush: append extraction log failed", err)
	}
}

func (f *Flush) warnf(msg string, err error) {
	if f.warn != nil {
		f.warn(msg, err)
	}
}
