package provider

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rikouu/cortex/internal/cache"
)

type stubText struct {
	out   string
	err   error
	calls int
}

func (s *stubText) Complete(context.Context, string) (string, error) {
	s.calls++
	return s.out, s.err
}

func (s *stubText) GetModel() string { return "stub" }

type stubEmbed struct {
	vec   []float32
	err   error
	calls int
}

func (s *stubEmbed) Embed(context.Context, string) ([]float32, error) {
	s.calls++
	return s.vec, s.err
}

func (s *stubEmbed) GetModel() string { return "stub-embed" }

func TestCascadeTextFallsThrough(t *testing.T) {
	primary := &stubText{err: errors.New("down")}
	secondary := &stubText{out: "from secondary"}
	c := NewCascadeTextGenerator(primary, secondary, NullTextGenerator{})

	out, err := c.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, "from secondary", out)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)
}

func TestCascadeTextExhaustedReturnsUnavailable(t *testing.T) {
	c := NewCascadeTextGenerator(&stubText{err: errors.New("down")}, NullTextGenerator{})
	_, err := c.Complete(context.Background(), "prompt")
	assert.ErrorIs(t, err, ErrProviderUnavailable)
}

func TestCascadeTextStopsOnCancellation(t *testing.T) {
	primary := &stubText{err: context.Canceled}
	secondary := &stubText{out: "never reached"}
	c := NewCascadeTextGenerator(primary, secondary)

	_, err := c.Complete(context.Background(), "prompt")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, secondary.calls)
}

func TestCascadeEmbeddingDegradesToEmpty(t *testing.T) {
	c := NewCascadeEmbeddingGenerator(&stubEmbed{err: errors.New("down")}, NullEmbeddingGenerator{})
	vec, err := c.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Empty(t, vec, "exhausted embedding cascade degrades to empty, not error")
}

func TestCachedEmbeddingGenerator(t *testing.T) {
	inner := &stubEmbed{vec: []float32{1, 2, 3}}
	cached := NewCachedEmbeddingGenerator(inner, cache.NewEmbeddingCache(16))

	for i := 0; i < 3; i++ {
		vec, err := cached.Embed(context.Background(), "same text")
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2, 3}, vec)
	}
	assert.Equal(t, 1, inner.calls, "repeat content must hit the cache")

	_, err := cached.Embed(context.Background(), "other text")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestCachedEmbeddingDoesNotCacheEmpty(t *testing.T) {
	inner := &stubEmbed{vec: nil}
	cached := NewCachedEmbeddingGenerator(inner, cache.NewEmbeddingCache(16))

	_, _ = cached.Embed(context.Background(), "text")
	_, _ = cached.Embed(context.Background(), "text")
	assert.Equal(t, 2, inner.calls, "empty results must not be cached")
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreakerWithConfig("test", CircuitBreakerConfig{
		MaxFailures: 2, Timeout: time.Minute, HalfOpenMaxSuccesses: 1,
	})
	fail := func() (interface{}, error) { return nil, errors.New("boom") }

	for i := 0; i < 2; i++ {
		_, err := cb.Execute(context.Background(), fail)
		assert.Error(t, err)
	}
	_, err := cb.Execute(context.Background(), fail)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
