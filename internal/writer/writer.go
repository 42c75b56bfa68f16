// Package writer centralizes memory admission (spec §4.9): embedding,
// semantic dedup against nearest neighbors, the SmartUpdate disposition
// for near-duplicates, layer placement, and vector upsert. Sieve, Flush,
// and the MCP remember tool all write through here; the writer itself
// never bypasses the Store.
package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/provider"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
	"github.com/rikouu/cortex/internal/vectorindex"
)

// Config holds the writer's thresholds (spec §4.9, §4.5.1).
type Config struct {
	ExactDupThreshold    float64 // typ. 0.08
	SimilarityThreshold  float64 // typ. 0.35
	LegacyDedupThreshold float64 // typ. 0.15
	SmartUpdateEnabled   bool
	WorkingTTL           time.Duration
	CoreImportanceFloor  float64 // importance at/above which new memories land in core; typ. 0.8
}

// DefaultConfig returns the typical thresholds.
func DefaultConfig() Config {
	return Config{
		ExactDupThreshold:    0.08,
		SimilarityThreshold:  0.35,
		LegacyDedupThreshold: 0.15,
		SmartUpdateEnabled:   true,
		WorkingTTL:           24 * time.Hour,
		CoreImportanceFloor:  0.8,
	}
}

// Extraction is one validated candidate memory handed to the writer.
type Extraction struct {
	Content    string
	Category   types.Category
	Importance float64
	Confidence float64
	Source     types.ExtractionSource
	Reasoning  string
	Pinned     bool
	Metadata   map[string]interface{}
}

// Action describes what the writer did with an extraction.
type Action string

const (
	ActionInserted     Action = "inserted"
	ActionDeduped      Action = "deduped"
	ActionSmartUpdated Action = "smart_updated"
	ActionSkipped      Action = "skipped"
)

// Outcome reports the disposition of one Write call.
type Outcome struct {
	Action      Action
	Memory      *types.Memory // the new memory when inserted/smart-updated
	CandidateID string        // nearest-neighbor involved in dedup/smart-update
	SmartUpdate types.SmartUpdateType
}

// Writer is the shared admission path.
type Writer struct {
	store    store.Store
	index    vectorindex.Index
	embedder provider.EmbeddingGenerator
	llm      provider.TextGenerator
	clock    clock.Clock
	cfg      Config
	warn     func(msg string, err error)
}

// New assembles a Writer. A nil clock defaults to wall time; a nil warn
// hook drops side-path failures.
func New(s store.Store, idx vectorindex.Index, emb provider.EmbeddingGenerator, llm provider.TextGenerator, clk clock.Clock, cfg Config, warn func(string, error)) *Writer {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.ExactDupThreshold == 0 && cfg.SimilarityThreshold == 0 {
		cfg = DefaultConfig()
	}
	return &Writer{store: s, index: idx, embedder: emb, llm: llm, clock: clk, cfg: cfg, warn: warn}
}

const dedupCandidates = 3

// Write runs the full admission pipeline for one extraction (spec §4.9).
// sourceTag labels the memory's provenance (e.g. "ingest", "flush:<id>").
func (w *Writer) Write(ctx context.Context, ex Extraction, agentID, sourceTag string) (*Outcome, error) {
	if agentID == "" {
		agentID = types.DefaultAgentID
	}

	vec := w.embed(ctx, ex.Content)
	if len(vec) == 0 {
		// Embedding failed: skip dedup, fall through to plain insert.
		m, err := w.insert(ctx, ex, agentID, sourceTag, nil)
		if err != nil {
			return nil, err
		}
		return &Outcome{Action: ActionInserted, Memory: m}, nil
	}

	candidate, distance := w.nearestEligible(ctx, vec, agentID)

	switch {
	case candidate != nil && distance < w.cfg.ExactDupThreshold:
		// Exact duplicate: skip, reinforcing the existing memory.
		// nearestEligible never returns a pinned candidate, so this can
		// never mutate one.
		w.reinforce(ctx, candidate, ex.Importance)
		return &Outcome{Action: ActionDeduped, CandidateID: candidate.ID}, nil

	case candidate != nil && distance < w.cfg.SimilarityThreshold:
		return w.nearDuplicate(ctx, ex, candidate, distance, agentID, sourceTag, vec)

	default:
		m, err := w.insert(ctx, ex, agentID, sourceTag, vec)
		if err != nil {
			return nil, err
		}
		return &Outcome{Action: ActionInserted, Memory: m}, nil
	}
}

// WriteLegacy is the fast-channel path (spec §4.5 step 2): exact-dup check
// only, then insert. Signals never trigger a SmartUpdate LLM call.
func (w *Writer) WriteLegacy(ctx context.Context, ex Extraction, agentID, sourceTag string) (*Outcome, error) {
	if agentID == "" {
		agentID = types.DefaultAgentID
	}

	vec := w.embed(ctx, ex.Content)
	if len(vec) > 0 {
		candidate, distance := w.nearestEligible(ctx, vec, agentID)
		if candidate != nil && distance < w.cfg.ExactDupThreshold {
			w.reinforce(ctx, candidate, ex.Importance)
			return &Outcome{Action: ActionDeduped, CandidateID: candidate.ID}, nil
		}
	}

	m, err := w.insert(ctx, ex, agentID, sourceTag, vec)
	if err != nil {
		return nil, err
	}
	return &Outcome{Action: ActionInserted, Memory: m}, nil
}

// nearDuplicate handles exactDup ≤ d < similarity: SmartUpdate when
// enabled, else the legacy distance rule (spec §4.5.1).
func (w *Writer) nearDuplicate(ctx context.Context, ex Extraction, candidate *types.Memory, distance float64, agentID, sourceTag string, vec []float32) (*Outcome, error) {
	if !w.cfg.SmartUpdateEnabled {
		if distance < w.cfg.LegacyDedupThreshold {
			return &Outcome{Action: ActionSkipped, CandidateID: candidate.ID}, nil
		}
		m, err := w.insert(ctx, ex, agentID, sourceTag, vec)
		if err != nil {
			return nil, err
		}
		return &Outcome{Action: ActionInserted, Memory: m}, nil
	}

	decision := w.smartUpdate(ctx, candidate.Content, ex.Content)
	if decision.Type == types.SmartUpdateKeep {
		return &Outcome{Action: ActionSkipped, CandidateID: candidate.ID, SmartUpdate: types.SmartUpdateKeep}, nil
	}

	content := ex.Content
	if decision.Type == types.SmartUpdateMerge && decision.MergedContent != "" {
		content = decision.MergedContent
	}
	meta := cloneMeta(ex.Metadata)
	meta["smart_update_type"] = string(decision.Type)
	meta["supersedes"] = candidate.ID

	newEx := ex
	newEx.Content = content
	newEx.Metadata = meta
	m, err := w.insert(ctx, newEx, agentID, sourceTag, nil)
	if err != nil {
		return nil, err
	}
	if err := w.store.MarkSuperseded(ctx, candidate.ID, m.ID); err != nil {
		return nil, fmt.Errorf("writer: mark superseded: %w", err)
	}
	// Content may differ from the original extraction after a merge;
	// re-embed before indexing.
	w.upsertVector(ctx, m.ID, content, agentID, nil)

	return &Outcome{Action: ActionSmartUpdated, Memory: m, CandidateID: candidate.ID, SmartUpdate: decision.Type}, nil
}

// insert places the memory at core or working per importance, writes it,
// and indexes its vector (spec §4.9 steps 4–5). vec may be nil, in which
// case the content is re-embedded for indexing.
func (w *Writer) insert(ctx context.Context, ex Extraction, agentID, sourceTag string, vec []float32) (*types.Memory, error) {
	layer := types.LayerWorking
	var expires *time.Time
	if ex.Importance >= w.cfg.CoreImportanceFloor {
		layer = types.LayerCore
	} else {
		t := w.clock.Now().Add(w.cfg.WorkingTTL)
		expires = &t
	}

	meta := ex.Metadata
	if ex.Reasoning != "" {
		meta = cloneMeta(meta)
		meta["reasoning"] = ex.Reasoning
	}

	confidence := ex.Confidence
	if confidence == 0 {
		confidence = 0.7
	}

	m, err := w.store.InsertMemory(ctx, store.InsertMemoryParams{
		Layer:      layer,
		Category:   ex.Category,
		Content:    ex.Content,
		Source:     sourceTag,
		AgentID:    agentID,
		Importance: ex.Importance,
		Confidence: confidence,
		ExpiresAt:  expires,
		IsPinned:   ex.Pinned,
		Metadata:   meta,
	})
	if err != nil {
		return nil, err
	}
	w.upsertVector(ctx, m.ID, ex.Content, agentID, vec)
	return m, nil
}

// nearestEligible returns the closest active, unpinned, unsuperseded
// memory for the agent among the top dedup candidates, with its distance.
func (w *Writer) nearestEligible(ctx context.Context, vec []float32, agentID string) (*types.Memory, float64) {
	if w.index == nil {
		return nil, 0
	}
	results, err := w.index.Search(ctx, vec, dedupCandidates, &vectorindex.Filter{AgentID: agentID})
	if err != nil {
		w.warnf("writer: dedup vector search failed", err)
		return nil, 0
	}
	now := w.clock.Now()
	for _, r := range results {
		m, err := w.store.GetMemory(ctx, r.ID)
		if err != nil {
			continue // stale vector; pruned by the next lifecycle sweep
		}
		if !m.IsActive(now) {
			continue
		}
		if m.IsPinned {
			// Pinned memories are never dedup candidates: neither the
			// exact-dup reinforce nor a SmartUpdate supersession may
			// touch them.
			continue
		}
		return m, r.Distance
	}
	return nil, 0
}

// reinforce bumps a duplicate's importance to max(old, new) and its
// confidence by +0.05, clamped to 1 (spec §4.9 step 3a).
func (w *Writer) reinforce(ctx context.Context, m *types.Memory, newImportance float64) {
	importance := m.Importance
	if newImportance > importance {
		importance = newImportance
	}
	confidence := m.Confidence + 0.05
	if confidence > 1 {
		confidence = 1
	}
	if _, err := w.store.UpdateMemory(ctx, m.ID, store.MemoryPatch{
		Importance: &importance,
		Confidence: &confidence,
	}); err != nil {
		w.warnf("writer: reinforce duplicate failed", err)
	}
}

func (w *Writer) embed(ctx context.Context, content string) []float32 {
	if w.embedder == nil {
		return nil
	}
	vec, err := w.embedder.Embed(ctx, content)
	if err != nil {
		w.warnf("writer: embed failed", err)
		return nil
	}
	return vec
}

// upsertVector indexes the memory's embedding, best effort (spec §7: the
// vector upsert is a swallowed side path). vec nil triggers a re-embed.
func (w *Writer) upsertVector(ctx context.Context, id, content, agentID string, vec []float32) {
	if w.index == nil {
		return
	}
	if vec == nil {
		vec = w.embed(ctx, content)
	}
	if len(vec) == 0 {
		return
	}
	if err := w.index.Upsert(ctx, id, vec, agentID); err != nil {
		w.warnf("writer: vector upsert failed", err)
	}
}

func (w *Writer) warnf(msg string, err error) {
	if w.warn != nil {
		w.warn(msg, err)
	}
}

func cloneMeta(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
