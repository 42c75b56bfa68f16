// Package lifecycle implements the background maintenance sweep (spec
// §4.10): expiry, promotion, dedup-merge, archival, super-compression,
// decay update, and per-agent profile synthesis, executed strictly in
// order under a process-wide single-runner guard. Every action appends
// one LifecycleLog audit row; dry runs compute everything and write
// nothing.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/provider"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
	"github.com/rikouu/cortex/internal/vectorindex"
)

// ErrAlreadyRunning is returned when a run is requested while another is
// in flight; the caller maps it to a 409 (spec §7 Conflict).
var ErrAlreadyRunning = errors.New("lifecycle: run already in progress")

// Config holds the engine's thresholds (spec §4.10).
type Config struct {
	PromotionThreshold       float64       // typ. 0.6
	PromotionMinAge          time.Duration // working memories younger than this are left alone; typ. 24h
	ArchiveThreshold         float64       // typ. 0.2
	ArchiveTTL               time.Duration
	DecayLambda              float64 // typ. 0.03
	DedupSimilarityThreshold float64 // trigram Jaccard, typ. 0.85
	DedupStripPrefixes       []string
	CompressBackToCore       bool
	ProfileCacheTTL          time.Duration // typ. 24h
	WorkingExpiryBatchSize   int
	ScanLimit                int // per-phase listing page size
}

// DefaultConfig returns the typical thresholds.
func DefaultConfig() Config {
	return Config{
		PromotionThreshold:       0.6,
		PromotionMinAge:          24 * time.Hour,
		ArchiveThreshold:         0.2,
		ArchiveTTL:               30 * 24 * time.Hour,
		DecayLambda:              0.03,
		DedupSimilarityThreshold: 0.85,
		CompressBackToCore:       true,
		ProfileCacheTTL:          24 * time.Hour,
		WorkingExpiryBatchSize:   500,
		ScanLimit:                1000,
	}
}

// Report tallies one run.
type Report struct {
	DryRun     bool          `json:"dry_run"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Expired    int           `json:"expired"`
	Promoted   int           `json:"promoted"`
	Merged     int           `json:"merged"`
	Archived   int           `json:"archived"`
	Compressed int           `json:"compressed"`
	Decayed    int           `json:"decayed"`
	Profiles   int           `json:"profiles"`
	Errors     []string      `json:"errors,omitempty"`
}

// Engine executes the sweep.
type Engine struct {
	store    store.Store
	index    vectorindex.Index
	llm      provider.TextGenerator
	embedder provider.EmbeddingGenerator
	clock    clock.Clock
	cfg      Config
	warn     func(msg string, err error)

	mu         sync.Mutex
	running    bool
	lastReport *Report
}

// New assembles an Engine.
func New(s store.Store, idx vectorindex.Index, llm provider.TextGenerator, emb provider.EmbeddingGenerator, clk clock.Clock, cfg Config, warn func(string, error)) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.ScanLimit == 0 {
		cfg.ScanLimit = DefaultConfig().ScanLimit
	}
	if cfg.PromotionMinAge == 0 {
		cfg.PromotionMinAge = 24 * time.Hour
	}
	return &Engine{store: s, index: idx, llm: llm, embedder: emb, clock: clk, cfg: cfg, warn: warn}
}

// Run executes all phases in order. A second concurrent call returns
// ErrAlreadyRunning with the in-progress report (spec §4.10 scheduling).
func (e *Engine) Run(ctx context.Context, dryRun bool) (*Report, error) {
	e.mu.Lock()
	if e.running {
		report := e.lastReport
		e.mu.Unlock()
		if report == nil {
			report = &Report{}
		}
		return report, ErrAlreadyRunning
	}
	e.running = true
	report := &Report{DryRun: dryRun, StartedAt: e.clock.Now()}
	e.lastReport = report
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	phases := []struct {
		name string
		fn   func(context.Context, bool, *Report) error
	}{
		{"expire", e.expireWorking},
		{"promote", e.promoteWorking},
		{"dedup", e.dedupCore},
		{"archive", e.archiveStale},
		{"compress", e.compressArchive},
		{"decay", e.updateDecay},
		{"profile", e.synthesizeProfiles},
	}
	for _, phase := range phases {
		if ctx.Err() != nil {
			report.Errors = append(report.Errors, ctx.Err().Error())
			break
		}
		if err := phase.fn(ctx, dryRun, report); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", phase.name, err))
		}
	}
	report.Duration = e.clock.Now().Sub(report.StartedAt)
	return report, nil
}

// LastReport returns the most recent run's report (possibly in progress).
func (e *Engine) LastReport() *Report {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastReport
}

// Phase 1: delete expired working memories and their vectors.
func (e *Engine) expireWorking(ctx context.Context, dryRun bool, report *Report) error {
	now := e.clock.Now()
	if dryRun {
		memories, err := e.eachAgentMemories(ctx, store.MemoryFilter{
			Layers: []types.Layer{types.LayerWorking},
			Limit:  e.cfg.ScanLimit,
		})
		if err != nil {
			return err
		}
		for _, m := range memories {
			if m.ExpiresAt != nil && m.ExpiresAt.Before(now) {
				report.Expired++
			}
		}
		return nil
	}

	for {
		expired, err := e.store.ExpireWorking(ctx, now, e.cfg.WorkingExpiryBatchSize)
		if err != nil {
			return err
		}
		if len(expired) == 0 {
			return nil
		}
		ids := make([]string, len(expired))
		for i, m := range expired {
			ids[i] = m.ID
		}
		if err := e.index.Delete(ctx, ids); err != nil {
			e.warnf("lifecycle: expire vector delete failed", err)
		}
		report.Expired += len(expired)
		e.audit(ctx, "expire", ids, map[string]interface{}{"count": len(expired)})
	}
}

// Phase 2: promote long-lived working memories that earned their keep.
func (e *Engine) promoteWorking(ctx context.Context, dryRun bool, report *Report) error {
	now := e.clock.Now()
	cutoff := now.Add(-e.cfg.PromotionMinAge)

	candidates, err := e.eachAgentMemories(ctx, store.MemoryFilter{
		Layers:     []types.Layer{types.LayerWorking},
		ActiveOnly: true,
		Limit:      e.cfg.ScanLimit,
	})
	if err != nil {
		return err
	}

	for _, m := range candidates {
		if m.CreatedAt.After(cutoff) {
			continue
		}
		score := promotionScore(m)
		if score < e.cfg.PromotionThreshold {
			continue
		}
		report.Promoted++
		if dryRun {
			continue
		}

		importance := m.Importance
		if importance < 0.6 {
			importance = 0.6
		}
		promoted, err := e.store.InsertMemory(ctx, store.InsertMemoryParams{
			Layer:      types.LayerCore,
			Category:   m.Category,
			Content:    m.Content,
			Source:     "lifecycle:promotion",
			AgentID:    m.AgentID,
			Importance: importance,
			Confidence: m.Confidence,
			IsPinned:   m.IsPinned,
			Metadata:   m.Metadata,
		})
		if err != nil {
			report.Promoted--
			e.warnf("lifecycle: promote insert failed", err)
			continue
		}
		if err := e.store.MarkSuperseded(ctx, m.ID, promoted.ID); err != nil {
			e.warnf("lifecycle: promote supersede failed", err)
		}
		e.reembed(ctx, promoted.ID, promoted.Content, promoted.AgentID)
		e.audit(ctx, "promote", []string{m.ID, promoted.ID}, map[string]interface{}{
			"score": score, "from": m.ID, "to": promoted.ID,
		})
	}
	return nil
}

// Phase 3: supersede near-identical core memories, newest wins.
func (e *Engine) dedupCore(ctx context.Context, dryRun bool, report *Report) error {
	memories, err := e.eachAgentMemories(ctx, store.MemoryFilter{
		Layers:     []types.Layer{types.LayerCore},
		ActiveOnly: true,
		Limit:      e.cfg.ScanLimit,
	})
	if err != nil {
		return err
	}
	// ListMemories returns newest-first; compare each memory against the
	// newer ones already kept.
	type kept struct {
		m        *types.Memory
		stripped string
	}
	var survivors []kept

	for _, m := range memories {
		if m.IsPinned {
			survivors = append(survivors, kept{m, stripPrefixes(m.Content, e.cfg.DedupStripPrefixes)})
			continue
		}
		stripped := stripPrefixes(m.Content, e.cfg.DedupStripPrefixes)
		merged := false
		for _, newer := range survivors {
			if newer.m.AgentID != m.AgentID {
				continue
			}
			if trigramJaccard(stripped, newer.stripped) <= e.cfg.DedupSimilarityThreshold {
				continue
			}
			report.Merged++
			merged = true
			if !dryRun {
				if err := e.store.MarkSuperseded(ctx, m.ID, newer.m.ID); err != nil {
					e.warnf("lifecycle: dedup supersede failed", err)
					report.Merged--
					break
				}
				if err := e.index.Delete(ctx, []string{m.ID}); err != nil {
					e.warnf("lifecycle: dedup vector delete failed", err)
				}
				e.audit(ctx, "merge", []string{m.ID, newer.m.ID}, map[string]interface{}{
					"older": m.ID, "newer": newer.m.ID,
				})
			}
			break
		}
		if !merged {
			survivors = append(survivors, kept{m, stripped})
		}
	}
	return nil
}

// Phase 4: move decayed core memories to the archive layer.
func (e *Engine) archiveStale(ctx context.Context, dryRun bool, report *Report) error {
	memories, err := e.eachAgentMemories(ctx, store.MemoryFilter{
		Layers:     []types.Layer{types.LayerCore},
		ActiveOnly: true,
		Limit:      e.cfg.ScanLimit,
	})
	if err != nil {
		return err
	}
	expires := e.clock.Now().Add(e.cfg.ArchiveTTL)
	layer := types.LayerArchive

	for _, m := range memories {
		if m.IsPinned || m.DecayScore >= e.cfg.ArchiveThreshold {
			continue
		}
		report.Archived++
		if dryRun {
			continue
		}
		if _, err := e.store.UpdateMemory(ctx, m.ID, store.MemoryPatch{
			Layer:     &layer,
			ExpiresAt: &expires,
		}); err != nil {
			report.Archived--
			e.warnf("lifecycle: archive update failed", err)
			continue
		}
		e.audit(ctx, "archive", []string{m.ID}, map[string]interface{}{
			"decay_score": m.DecayScore,
		})
	}
	return nil
}

// Phase 5: roll expired archive memories up into a super-summary.
func (e *Engine) compressArchive(ctx context.Context, dryRun bool, report *Report) error {
	if !e.cfg.CompressBackToCore {
		return nil
	}
	now := e.clock.Now()
	memories, err := e.eachAgentMemories(ctx, store.MemoryFilter{
		Layers: []types.Layer{types.LayerArchive},
		Limit:  e.cfg.ScanLimit,
	})
	if err != nil {
		return err
	}

	byAgent := make(map[string][]*types.Memory)
	for _, m := range memories {
		if m.SupersededBy != "" || m.IsPinned {
			continue
		}
		if m.ExpiresAt == nil || m.ExpiresAt.After(now) {
			continue
		}
		byAgent[m.AgentID] = append(byAgent[m.AgentID], m)
	}

	for agentID, bundle := range byAgent {
		if len(bundle) == 0 {
			continue
		}
		report.Compressed += len(bundle)
		if dryRun {
			continue
		}

		summary, err := e.superSummarize(ctx, bundle)
		if err != nil {
			report.Compressed -= len(bundle)
			e.warnf("lifecycle: super-summary failed", err)
			continue
		}
		compressed, err := e.store.InsertMemory(ctx, store.InsertMemoryParams{
			Layer:      types.LayerCore,
			Category:   "summary",
			Content:    summary,
			Source:     "lifecycle:compression",
			AgentID:    agentID,
			Importance: 0.6,
			Confidence: 0.7,
			Metadata:   map[string]interface{}{"compressed_count": len(bundle)},
		})
		if err != nil {
			report.Compressed -= len(bundle)
			e.warnf("lifecycle: compression insert failed", err)
			continue
		}
		ids := make([]string, 0, len(bundle)+1)
		for _, m := range bundle {
			if err := e.store.MarkSuperseded(ctx, m.ID, compressed.ID); err != nil {
				e.warnf("lifecycle: compression supersede failed", err)
				continue
			}
			ids = append(ids, m.ID)
		}
		if err := e.index.Delete(ctx, ids); err != nil {
			e.warnf("lifecycle: compression vector delete failed", err)
		}
		e.reembed(ctx, compressed.ID, compressed.Content, agentID)
		e.audit(ctx, "compress", append(ids, compressed.ID), map[string]interface{}{
			"into": compressed.ID, "count": len(ids),
		})
	}
	return nil
}

// Phase 6: recompute decay for every active memory.
func (e *Engine) updateDecay(ctx context.Context, dryRun bool, report *Report) error {
	now := e.clock.Now()
	memories, err := e.eachAgentMemories(ctx, store.MemoryFilter{
		ActiveOnly: true,
		Limit:      e.cfg.ScanLimit,
	})
	if err != nil {
		return err
	}
	for _, m := range memories {
		score := decayScore(m, now, e.cfg.DecayLambda)
		if score == m.DecayScore {
			continue
		}
		report.Decayed++
		if dryRun {
			continue
		}
		if _, err := e.store.UpdateMemory(ctx, m.ID, store.MemoryPatch{DecayScore: &score}); err != nil {
			report.Decayed--
			e.warnf("lifecycle: decay update failed", err)
		}
	}
	if !dryRun && report.Decayed > 0 {
		e.audit(ctx, "decay", nil, map[string]interface{}{"updated": report.Decayed})
	}
	return nil
}

// superSummarize asks for a 2–5 sentence rollup of the bundle.
func (e *Engine) superSummarize(ctx context.Context, bundle []*types.Memory) (string, error) {
	var b strings.Builder
	b.WriteString("Condense these expiring memories into 2-5 sentences preserving every durable fact, same language as the inputs. Reply with the summary only.\n\n")
	for _, m := range bundle {
		b.WriteString("- ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	out, err := e.llm.Complete(ctx, b.String())
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("empty super-summary")
	}
	return out, nil
}

// eachAgentMemories lists memories matching filter across all known
// agents (plus the default agent), paging through results.
func (e *Engine) eachAgentMemories(ctx context.Context, filter store.MemoryFilter) ([]*types.Memory, error) {
	agents, err := e.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	agentIDs := map[string]struct{}{types.DefaultAgentID: {}}
	for _, a := range agents {
		agentIDs[a.ID] = struct{}{}
	}

	var out []*types.Memory
	for agentID := range agentIDs {
		page := 1
		for {
			f := filter
			f.AgentID = agentID
			f.Page = page
			memories, err := e.store.ListMemories(ctx, f)
			if err != nil {
				return nil, err
			}
			out = append(out, memories...)
			if len(memories) < f.Limit {
				break
			}
			page++
		}
	}
	return out, nil
}

func (e *Engine) reembed(ctx context.Context, id, content, agentID string) {
	if e.embedder == nil {
		return
	}
	vec, err := e.embedder.Embed(ctx, content)
	if err != nil || len(vec) == 0 {
		if err != nil {
			e.warnf("lifecycle: re-embed failed", err)
		}
		return
	}
	if err := e.index.Upsert(ctx, id, vec, agentID); err != nil {
		e.warnf("lifecycle: re-embed upsert failed", err)
	}
}

func (e *Engine) audit(ctx context.Context, action string, ids []string, details map[string]interface{}) {
	if err := e.store.AppendLifecycleLog(ctx, &types.LifecycleLog{
		Action:    action,
		MemoryIDs: ids,
		Details:   details,
	}); err != nil {
		e.warnf("lifecycle: audit append failed", err)
	}
}

func (e *Engine) warnf(msg string, err error) {
	if e.warn != nil {
		e.warn(msg, err)
	}
}
