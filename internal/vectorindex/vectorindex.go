// Package vectorindex provides approximate nearest-neighbor search over
// memory embeddings (spec §4.2), filterable by agent. The Store holds no
// vectors; this package owns the memory id → vector association. Distance
// is cosine, returned as 1 − cosine_similarity, so lower means closer.
package vectorindex

import (
	"context"
	"errors"
	"math"
)

// ErrNotInitialized is returned by Upsert/Search before Initialize has
// established the collection's dimensionality.
var ErrNotInitialized = errors.New("vectorindex: not initialized")

// ErrDimensionMismatch is returned when a vector's length does not match
// the dimensionality fixed at Initialize.
var ErrDimensionMismatch = errors.New("vectorindex: dimension mismatch")

// Result is one ANN hit. Distance is monotonic with dissimilarity;
// results are sorted ascending.
type Result struct {
	ID       string
	Distance float64
}

// Filter narrows a search to one agent's vectors.
type Filter struct {
	AgentID string
}

// Index is the vector backend contract. Any backend satisfying it is
// acceptable; recall paths tolerate Index failure by degrading to
// text-only results.
type Index interface {
	// Initialize is idempotent; the collection is created on first call
	// with the given dimensionality.
	Initialize(ctx context.Context, dimensions int) error

	// Upsert replaces any prior record for id.
	Upsert(ctx context.Context, id string, vector []float32, agentID string) error

	// Search returns up to topK nearest records, sorted by ascending
	// distance, optionally restricted by filter.
	Search(ctx context.Context, vector []float32, topK int, filter *Filter) ([]Result, error)

	// Delete removes the given ids; missing ids are not an error.
	Delete(ctx context.Context, ids []string) error

	// Count reports the number of stored vectors.
	Count(ctx context.Context) (int, error)

	Close() error
}

// CosineDistance returns 1 − cosine_similarity(a, b). Mismatched or
// zero-magnitude inputs yield the maximum distance 1.
func CosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 1
	}
	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 1
	}
	sim := dot / (math.Sqrt(magA) * math.Sqrt(magB))
	return 1 - sim
}
