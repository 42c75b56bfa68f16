// Package cache provides the in-process embedding cache named "Cache" in
// spec §2 (~2% of core), an LRU keyed by content hash shared by Sieve and
// Flush through MemoryWriter so repeated content does not re-pay an
// embedding-provider round trip.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// EmbeddingCache is a concurrency-safe LRU over embedding calls, keyed by a
// hash of (model, content). Concurrent access is safe and last-writer-wins,
// per spec §5 "Shared state and mutation".
type EmbeddingCache struct {
	mu    sync.Mutex
	inner *lru.Cache[string, []float32]
}

// NewEmbeddingCache creates a cache holding up to size entries. A size <= 0
// falls back to 2048, a sane default for a single-process service.
func NewEmbeddingCache(size int) *EmbeddingCache {
	if size <= 0 {
		size = 2048
	}
	c, err := lru.New[string, []float32](size)
	if err != nil {
		// lru.New only errors on size <= 0, which we've already guarded.
		panic(err)
	}
	return &EmbeddingCache{inner: c}
}

// Get returns the cached embedding for (model, content), if present.
func (c *EmbeddingCache) Get(model, content string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Get(key(model, content))
}

// Put stores vec under the cache key for (model, content).
func (c *EmbeddingCache) Put(model, content string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Add(key(model, content), vec)
}

// Len reports the number of entries currently cached.
func (c *EmbeddingCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Len()
}

// Purge empties the cache.
func (c *EmbeddingCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inner.Purge()
}

func key(model, content string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + content))
	return hex.EncodeToString(sum[:])
}
