package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPReranker calls an external rerank endpoint (Cohere-compatible wire
// shape, as served by TEI/bge rerank deployments). An empty URL means
// reranking is disabled; the Gate skips the rerank stage.
type HTTPReranker struct {
	url     string
	model   string
	client  *http.Client
	breaker *CircuitBreaker
}

// RerankerConfig holds the rerank endpoint settings.
type RerankerConfig struct {
	URL     string
	Model   string
	Timeout time.Duration // default 10s, per spec §5
}

type rerankRequest struct {
	Model     string   `json:"model,omitempty"`
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Results []struct {
		Index          int     `json:"index"`
		RelevanceScore float64 `json:"relevance_score"`
	} `json:"results"`
}

// NewHTTPReranker creates a reranker client with defaults applied.
func NewHTTPReranker(cfg RerankerConfig) *HTTPReranker {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPReranker{
		url:     cfg.URL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: NewCircuitBreaker("reranker"),
	}
}

var _ Reranker = (*HTTPReranker)(nil)

// Rerank scores documents against query, returning scores in document
// order. Documents the endpoint omits keep score 0.
func (r *HTTPReranker) Rerank(ctx context.Context, query string, documents []string) ([]float64, error) {
	if len(documents) == 0 {
		return nil, nil
	}
	result, err := r.breaker.Execute(ctx, func() (interface{}, error) {
		body, err := json.Marshal(rerankRequest{Model: r.model, Query: query, Documents: documents})
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := r.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("rerank: status %d: %s", resp.StatusCode, string(b))
		}

		var rr rerankResponse
		if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
			return nil, fmt.Errorf("rerank: decode: %w", err)
		}
		scores := make([]float64, len(documents))
		for _, res := range rr.Results {
			if res.Index >= 0 && res.Index < len(scores) {
				scores[res.Index] = res.RelevanceScore
			}
		}
		return scores, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]float64), nil
}
