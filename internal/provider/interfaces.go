// Package provider defines the capability interfaces Cortex calls out to —
// LLM chat, embeddings, reranking — and their composition: circuit-breaker
// wrapping, cascading fallback (primary → secondary → null), and a
// cache-backed embedding front. Cascade behavior is itself an interface
// implementation, not special-cased in callers (spec §9).
package provider

import (
	"context"
	"errors"
)

// ErrProviderUnavailable is returned when every member of a cascade has
// failed. Callers degrade per spec §7: embeddings fall back to text-only
// recall, LLM extraction skips its channel, reranking is skipped.
var ErrProviderUnavailable = errors.New("provider: unavailable")

// TextGenerator is the LLM completion capability. All extraction and
// summarization prompts use single-string completion style.
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// EmbeddingGenerator produces a vector embedding for a text.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}

// Reranker scores each document's semantic relevance to a query. Scores
// are returned in document order; higher means more relevant.
type Reranker interface {
	Rerank(ctx context.Context, query string, documents []string) ([]float64, error)
}

// NullTextGenerator is the cascade terminator for LLM completion: it
// always fails, so a fully-degraded chain surfaces ErrProviderUnavailable.
type NullTextGenerator struct{}

func (NullTextGenerator) Complete(context.Context, string) (string, error) {
	return "", ErrProviderUnavailable
}

func (NullTextGenerator) GetModel() string { return "null" }

// NullEmbeddingGenerator is the cascade terminator for embeddings: it
// returns an empty vector, which callers treat as "no embedding
// available" and degrade to text-only search.
type NullEmbeddingGenerator struct{}

func (NullEmbeddingGenerator) Embed(context.Context, string) ([]float32, error) {
	return nil, nil
}

func (NullEmbeddingGenerator) GetModel() string { return "null" }
