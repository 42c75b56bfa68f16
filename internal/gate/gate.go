// Package gate is the recall pipeline (spec §4.7): small-talk gating,
// query sanitization, optional LLM query expansion, multi-variant hybrid
// search with deterministic fusion, optional reranking, and token-bounded
// injection formatting.
package gate

import (
	"context"
	"sort"
	"time"

	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/hybrid"
	"github.com/rikouu/cortex/internal/provider"
	"github.com/rikouu/cortex/internal/signal"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
)

// Request is one recall call.
type Request struct {
	Query     string        `json:"query"`
	AgentID   string        `json:"agent_id,omitempty"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Layers    []types.Layer `json:"layers,omitempty"`
}

// Meta describes how the recall was served.
type Meta struct {
	Skipped       bool          `json:"skipped"`
	Reason        string        `json:"reason,omitempty"`
	Variants      int           `json:"variants"`
	Reranked      bool          `json:"reranked"`
	InjectedLines int           `json:"injected_lines"`
	Latency       time.Duration `json:"latency"`
}

// Response is the recall output.
type Response struct {
	Context  string          `json:"context"`
	Memories []hybrid.Result `json:"memories"`
	Meta     Meta            `json:"meta"`
}

// Config holds Gate tuning.
type Config struct {
	ExpansionEnabled bool
	PerVariantLimit  int     // typ. 15
	RerankTopK       int     // results sent to the reranker
	RerankFuseWeight float64 // w in final = w·rerank + (1−w)·normalizedOriginal
	DefaultMaxTokens int
}

// DefaultConfig returns the typical tuning.
func DefaultConfig() Config {
	return Config{
		ExpansionEnabled: true,
		PerVariantLimit:  15,
		RerankTopK:       10,
		RerankFuseWeight: 0.6,
		DefaultMaxTokens: 1000,
	}
}

// Gate runs recall.
type Gate struct {
	detector *signal.Detector
	searcher *hybrid.Searcher
	llm      provider.TextGenerator
	reranker provider.Reranker // nil disables the rerank stage
	clock    clock.Clock
	cfg      Config
	warn     func(msg string, err error)
}

// New assembles a Gate.
func New(det *signal.Detector, searcher *hybrid.Searcher, llm provider.TextGenerator, reranker provider.Reranker, clk clock.Clock, cfg Config, warn func(string, error)) *Gate {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.PerVariantLimit == 0 {
		cfg = DefaultConfig()
	}
	return &Gate{detector: det, searcher: searcher, llm: llm, reranker: reranker, clock: clk, cfg: cfg, warn: warn}
}

// Recall runs the pipeline end to end. Latency is measured across the
// whole call.
func (g *Gate) Recall(ctx context.Context, req Request) (*Response, error) {
	started := g.clock.Now()
	if req.AgentID == "" {
		req.AgentID = types.DefaultAgentID
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.cfg.DefaultMaxTokens
	}

	cleaned := signal.Sanitize(req.Query)

	// Step 2: small-talk gate.
	if g.detector.IsSmallTalk(cleaned) {
		return &Response{
			Context:  "",
			Memories: []hybrid.Result{},
			Meta: Meta{
				Skipped: true,
				Reason:  "small_talk",
				Latency: g.clock.Now().Sub(started),
			},
		}, nil
	}

	// Step 3: query expansion.
	variants := g.expand(ctx, cleaned)

	// Step 4: search each variant, merging by id with max finalScore and
	// counting hits per id across variants.
	filter := store.MemoryFilter{AgentID: req.AgentID, Layers: req.Layers}
	type merged struct {
		result hybrid.Result
		hits   int
	}
	byID := make(map[string]*merged)
	order := make([]string, 0)

	for _, variant := range variants {
		resp, err := g.searcher.Search(ctx, variant, filter, g.cfg.PerVariantLimit, false)
		if err != nil {
			g.warnf("gate: variant search failed", err)
			continue
		}
		for _, r := range resp.Results {
			entry, ok := byID[r.Memory.ID]
			if !ok {
				byID[r.Memory.ID] = &merged{result: r, hits: 1}
				order = append(order, r.Memory.ID)
				continue
			}
			entry.hits++
			if r.FinalScore > entry.result.FinalScore {
				entry.result = r
			}
		}
	}

	// Step 5: multi-variant hit boost.
	results := make([]hybrid.Result, 0, len(byID))
	for _, id := range order {
		entry := byID[id]
		entry.result.FinalScore *= 1 + 0.1*float64(entry.hits-1)
		results = append(results, entry.result)
	}
	sortResults(results)

	// Step 6: rerank fusion.
	reranked := false
	if g.reranker != nil && len(results) > 0 {
		results = g.rerank(ctx, cleaned, results)
		reranked = true
	}

	// Step 7: injection formatting.
	contextBlock, lines := hybrid.FormatForInjection(results, maxTokens)

	return &Response{
		Context:  contextBlock,
		Memories: results,
		Meta: Meta{
			Variants:      len(variants),
			Reranked:      reranked,
			InjectedLines: lines,
			Latency:       g.clock.Now().Sub(started),
		},
	}, nil
}

// rerank scores the top-K by semantic relevance and fuses with the
// original score: final = w·rerank + (1−w)·normalizedOriginal. A reranker
// failure skips the stage (spec §7).
func (g *Gate) rerank(ctx context.Context, query string, results []hybrid.Result) []hybrid.Result {
	topK := g.cfg.RerankTopK
	if topK <= 0 || topK > len(results) {
		topK = len(results)
	}
	head := results[:topK]

	docs := make([]string, len(head))
	for i, r := range head {
		docs[i] = r.Memory.Content
	}
	scores, err := g.reranker.Rerank(ctx, query, docs)
	if err != nil || len(scores) != len(head) {
		if err != nil {
			g.warnf("gate: rerank failed, keeping original order", err)
		}
		return results
	}

	// Normalize the original scores into [0,1] for the fusion.
	var maxScore float64
	for _, r := range head {
		if r.FinalScore > maxScore {
			maxScore = r.FinalScore
		}
	}
	w := g.cfg.RerankFuseWeight
	for i := range head {
		normalized := 0.0
		if maxScore > 0 {
			normalized = head[i].FinalScore / maxScore
		}
		head[i].FinalScore = w*scores[i] + (1-w)*normalized
	}
	// The fused head and the untouched tail now live on different score
	// scales; re-sort the whole slice so the returned order — which
	// FormatForInjection trusts — is descending by final score.
	sortResults(results)
	return results
}

func (g *Gate) warnf(msg string, err error) {
	if g.warn != nil {
		g.warn(msg, err)
	}
}

func sortResults(results []hybrid.Result) {
	// Deterministic: score descending, ties by id (spec §5 ordering).
	sort.Slice(results, func(i, j int) bool {
		if results[i].FinalScore != results[j].FinalScore {
			return results[i].FinalScore > results[j].FinalScore
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
}
