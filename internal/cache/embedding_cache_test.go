package cache_test

import (
	"testing"

	"github.com/rikouu/cortex/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddingCache_PutGet(t *testing.T) {
	c := cache.NewEmbeddingCache(4)
	_, ok := c.Get("nomic-embed-text", "hello")
	require.False(t, ok)

	vec := []float32{0.1, 0.2, 0.3}
	c.Put("nomic-embed-text", "hello", vec)

	got, ok := c.Get("nomic-embed-text", "hello")
	require.True(t, ok)
	assert.Equal(t, vec, got)
}

func TestEmbeddingCache_DistinctModelsDoNotCollide(t *testing.T) {
	c := cache.NewEmbeddingCache(4)
	c.Put("model-a", "same text", []float32{1})
	c.Put("model-b", "same text", []float32{2})

	a, _ := c.Get("model-a", "same text")
	b, _ := c.Get("model-b", "same text")
	assert.Equal(t, []float32{1}, a)
	assert.Equal(t, []float32{2}, b)
}

func TestEmbeddingCache_EvictsOldestBeyondSize(t *testing.T) {
	c := cache.NewEmbeddingCache(2)
	c.Put("m", "one", []float32{1})
	c.Put("m", "two", []float32{2})
	c.Put("m", "three", []float32{3})

	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("m", "one")
	assert.False(t, ok, "oldest entry should have been evicted")
}
