package provider

import (
	"context"

	"github.com/rikouu/cortex/internal/cache"
)

// CachedEmbeddingGenerator fronts an embedding chain with the in-process
// LRU, limiting provider fan-out (spec §5 backpressure). A cache hit never
// touches the wrapped generator.
type CachedEmbeddingGenerator struct {
	inner EmbeddingGenerator
	cache *cache.EmbeddingCache
}

// NewCachedEmbeddingGenerator wraps inner with c. A nil cache allocates a
// default-sized one.
func NewCachedEmbeddingGenerator(inner EmbeddingGenerator, c *cache.EmbeddingCache) *CachedEmbeddingGenerator {
	if c == nil {
		c = cache.NewEmbeddingCache(0)
	}
	return &CachedEmbeddingGenerator{inner: inner, cache: c}
}

var _ EmbeddingGenerator = (*CachedEmbeddingGenerator)(nil)

// Embed returns the cached vector when present; otherwise calls through
// and caches a non-empty result. Empty vectors (degraded chain) are not
// cached, so a recovered provider fills the miss on the next call.
func (c *CachedEmbeddingGenerator) Embed(ctx context.Context, text string) ([]float32, error) {
	model := c.inner.GetModel()
	if vec, ok := c.cache.Get(model, text); ok {
		return vec, nil
	}
	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	if len(vec) > 0 {
		c.cache.Put(model, text, vec)
	}
	return vec, nil
}

// GetModel returns the wrapped generator's model.
func (c *CachedEmbeddingGenerator) GetModel() string { return c.inner.GetModel() }
