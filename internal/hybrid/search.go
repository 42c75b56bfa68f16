// Package hybrid fuses full-text and vector search over memories into a
// single ranking (spec §4.4): parallel retrieval, score normalization,
// union by id, layer/recency/access/decay weighting, deterministic sort.
package hybrid

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rikouu/cortex/internal/clock"
	"github.com/rikouu/cortex/internal/provider"
	"github.com/rikouu/cortex/internal/store"
	"github.com/rikouu/cortex/internal/types"
	"github.com/rikouu/cortex/internal/vectorindex"
)

// Weights holds the fusion tuning (spec §4.4 step 5).
type Weights struct {
	Vector         float64 // typ. 0.7
	Text           float64 // typ. 0.3
	AccessBoostCap int     // cap on access_count in the access boost
}

// DefaultWeights returns the typical tuning.
func DefaultWeights() Weights {
	return Weights{Vector: 0.7, Text: 0.3, AccessBoostCap: 20}
}

// Result is one ranked memory with its explain fields.
type Result struct {
	Memory      *types.Memory `json:"memory"`
	FinalScore  float64       `json:"final_score"`
	VectorScore float64       `json:"vector_score"`
	TextScore   float64       `json:"text_score"`
	Fused       float64       `json:"fused"`
	LayerWeight float64       `json:"layer_weight"`
	Recency     float64       `json:"recency_boost"`
	AccessBoost float64       `json:"access_boost"`
}

// Debug carries per-phase counts and timings, attached when requested.
type Debug struct {
	TextHits     int           `json:"text_hits"`
	VectorHits   int           `json:"vector_hits"`
	TextLatency  time.Duration `json:"text_latency"`
	VecLatency   time.Duration `json:"vector_latency"`
	TotalLatency time.Duration `json:"total_latency"`
}

// Response is the search output.
type Response struct {
	Results []Result `json:"results"`
	Debug   *Debug   `json:"debug,omitempty"`
}

// Searcher runs hybrid queries. It reads through Store and VectorIndex
// and never mutates either except the best-effort access bump.
type Searcher struct {
	store    store.Store
	index    vectorindex.Index
	embedder provider.EmbeddingGenerator
	clock    clock.Clock
	weights  Weights

	// warn receives side-path failures (access bump, vector search); a
	// nil hook drops them.
	warn func(msg string, err error)
}

// NewSearcher assembles a Searcher. A nil clock defaults to wall time.
func NewSearcher(s store.Store, idx vectorindex.Index, emb provider.EmbeddingGenerator, clk clock.Clock, w Weights, warn func(string, error)) *Searcher {
	if clk == nil {
		clk = clock.Real{}
	}
	if w.Vector == 0 && w.Text == 0 {
		w = DefaultWeights()
	}
	return &Searcher{store: s, index: idx, embedder: emb, clock: clk, weights: w, warn: warn}
}

const vectorCandidateFactor = 3 // overfetch vector side before filtering

// Search runs text and vector retrieval in parallel, fuses per spec §4.4,
// and bumps access counts for the returned ids (best effort).
func (s *Searcher) Search(ctx context.Context, query string, filter store.MemoryFilter, limit int, debug bool) (*Response, error) {
	started := s.clock.Now()
	if limit <= 0 {
		limit = 10
	}
	filter.NormalizeFilter()
	filter.ActiveOnly = true

	var (
		wg         sync.WaitGroup
		textHits   []store.SearchHit
		textErr    error
		textTook   time.Duration
		vecResults []vectorindex.Result
		vecTook    time.Duration
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		t0 := time.Now()
		textHits, textErr = s.store.SearchFullText(ctx, query, filter, limit*vectorCandidateFactor)
		textTook = time.Since(t0)
	}()
	go func() {
		defer wg.Done()
		t0 := time.Now()
		defer func() { vecTook = time.Since(t0) }()
		if s.embedder == nil || s.index == nil {
			return
		}
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil || len(vec) == 0 {
			// Embedding failure degrades to text-only (spec §4.4 step 1).
			if err != nil {
				s.warnf("hybrid: query embed failed", err)
			}
			return
		}
		results, err := s.index.Search(ctx, vec, limit*vectorCandidateFactor, &vectorindex.Filter{AgentID: filter.AgentID})
		if err != nil {
			s.warnf("hybrid: vector search failed", err)
			return
		}
		vecResults = results
	}()
	wg.Wait()

	if textErr != nil {
		// Text search is the primary path; its failure propagates unless
		// the vector side can still serve.
		if len(vecResults) == 0 {
			return nil, textErr
		}
		s.warnf("hybrid: text search failed, serving vector-only", textErr)
		textHits = nil
	}

	results := s.fuse(ctx, textHits, vecResults, filter, limit)

	// Step 7: bump access for returned ids, best effort.
	if len(results) > 0 {
		ids := make([]string, len(results))
		for i, r := range results {
			ids[i] = r.Memory.ID
		}
		if err := s.store.BumpAccess(ctx, ids, query); err != nil {
			s.warnf("hybrid: access bump failed", err)
		}
	}

	resp := &Response{Results: results}
	if debug {
		resp.Debug = &Debug{
			TextHits:     len(textHits),
			VectorHits:   len(vecResults),
			TextLatency:  textTook,
			VecLatency:   vecTook,
			TotalLatency: s.clock.Now().Sub(started),
		}
	}
	return resp, nil
}

// fuse normalizes, unions, filters, weights, and ranks (spec §4.4 steps
// 2–6). Deterministic: identical inputs produce identical rankings, with
// ties broken by id.
func (s *Searcher) fuse(ctx context.Context, textHits []store.SearchHit, vecResults []vectorindex.Result, filter store.MemoryFilter, limit int) []Result {
	now := s.clock.Now()

	// Normalize text ranks: 1 − |rank|/(max|rank|+1). FTS5 rank is
	// negative (more negative = better), hence the absolute values.
	var maxAbsRank float64
	for _, h := range textHits {
		if r := math.Abs(h.Rank); r > maxAbsRank {
			maxAbsRank = r
		}
	}
	textScores := make(map[string]float64, len(textHits))
	memories := make(map[string]*types.Memory, len(textHits)+len(vecResults))
	for _, h := range textHits {
		textScores[h.Memory.ID] = 1 - math.Abs(h.Rank)/(maxAbsRank+1)
		memories[h.Memory.ID] = h.Memory
	}

	// Normalize vector distances: 1 − distance/(maxDistance+ε).
	const epsilon = 1e-9
	var maxDist float64
	for _, v := range vecResults {
		if v.Distance > maxDist {
			maxDist = v.Distance
		}
	}
	vecScores := make(map[string]float64, len(vecResults))
	for _, v := range vecResults {
		vecScores[v.ID] = 1 - v.Distance/(maxDist+epsilon)
		if _, ok := memories[v.ID]; !ok {
			m, err := s.store.GetMemory(ctx, v.ID)
			if err != nil {
				// Vector without memory: prune on the next lifecycle
				// sweep; skip here (spec §5).
				continue
			}
			memories[v.ID] = m
		}
	}

	results := make([]Result, 0, len(memories))
	for id, m := range memories {
		if !s.passesFilter(m, filter, now) {
			continue
		}
		vs := vecScores[id]
		ts := textScores[id]
		fused := s.weights.Vector*vs + s.weights.Text*ts

		layerWeight := layerWeightOf(m.Layer)
		recency := recencyBoost(now, m.CreatedAt)
		access := accessBoost(m.AccessCount, s.weights.AccessBoostCap)
		final := fused * layerWeight * recency * access * m.DecayScore

		results = append(results, Result{
			Memory:      m,
			FinalScore:  final,
			VectorScore: vs,
			TextScore:   ts,
			Fused:       fused,
			LayerWeight: layerWeight,
			Recency:     recency,
			AccessBoost: access,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].FinalScore != results[j].FinalScore {
			return results[i].FinalScore > results[j].FinalScore
		}
		return results[i].Memory.ID < results[j].Memory.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func (s *Searcher) passesFilter(m *types.Memory, filter store.MemoryFilter, now time.Time) bool {
	if !m.IsActive(now) {
		return false
	}
	if filter.AgentID != "" && m.AgentID != filter.AgentID {
		return false
	}
	if len(filter.Layers) > 0 && !containsLayer(filter.Layers, m.Layer) {
		return false
	}
	if len(filter.Categories) > 0 && !containsCategory(filter.Categories, m.Category) {
		return false
	}
	return true
}

func (s *Searcher) warnf(msg string, err error) {
	if s.warn != nil {
		s.warn(msg, err)
	}
}

func layerWeightOf(l types.Layer) float64 {
	switch l {
	case types.LayerCore:
		return 1.0
	case types.LayerWorking:
		return 0.8
	case types.LayerArchive:
		return 0.5
	}
	return 0.5
}

func recencyBoost(now, createdAt time.Time) float64 {
	ageDays := now.Sub(createdAt).Hours() / 24
	if ageDays > 7 {
		return 1
	}
	boost := (7 - ageDays) / 7
	if boost < 0 {
		boost = 0
	}
	return 1 + 0.1*boost
}

func accessBoost(accessCount, cap int) float64 {
	if cap <= 0 {
		cap = 20
	}
	if accessCount > cap {
		accessCount = cap
	}
	return 1 + 0.05*float64(accessCount)
}

func containsLayer(layers []types.Layer, l types.Layer) bool {
	for _, v := range layers {
		if v == l {
			return true
		}
	}
	return false
}

func containsCategory(categories []types.Category, c types.Category) bool {
	for _, v := range categories {
		if v == c {
			return true
		}
	}
	return false
}
