package provider

import (
	"context"
	"errors"
	"fmt"
)

// CascadeTextGenerator tries each member in order until one succeeds. A
// context cancellation stops the cascade immediately; other failures fall
// through to the next member. An exhausted chain returns
// ErrProviderUnavailable wrapping the last failure.
type CascadeTextGenerator struct {
	chain []TextGenerator
}

// NewCascadeTextGenerator builds a cascade; nil members are skipped.
func NewCascadeTextGenerator(chain ...TextGenerator) *CascadeTextGenerator {
	members := make([]TextGenerator, 0, len(chain))
	for _, m := range chain {
		if m != nil {
			members = append(members, m)
		}
	}
	return &CascadeTextGenerator{chain: members}
}

var _ TextGenerator = (*CascadeTextGenerator)(nil)

// Complete tries each member in order.
func (c *CascadeTextGenerator) Complete(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	for _, member := range c.chain {
		out, err := member.Complete(ctx, prompt)
		if err == nil {
			return out, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("empty cascade")
	}
	return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, lastErr)
}

// GetModel returns the primary member's model.
func (c *CascadeTextGenerator) GetModel() string {
	if len(c.chain) == 0 {
		return "null"
	}
	return c.chain[0].GetModel()
}

// CascadeEmbeddingGenerator tries each member in order. An exhausted chain
// returns a nil vector with no error — callers treat an empty embedding as
// "degrade to text-only" per spec §7.
type CascadeEmbeddingGenerator struct {
	chain []EmbeddingGenerator
}

// NewCascadeEmbeddingGenerator builds a cascade; nil members are skipped.
func NewCascadeEmbeddingGenerator(chain ...EmbeddingGenerator) *CascadeEmbeddingGenerator {
	members := make([]EmbeddingGenerator, 0, len(chain))
	for _, m := range chain {
		if m != nil {
			members = append(members, m)
		}
	}
	return &CascadeEmbeddingGenerator{chain: members}
}

var _ EmbeddingGenerator = (*CascadeEmbeddingGenerator)(nil)

// Embed tries each member in order, returning the first non-empty vector.
func (c *CascadeEmbeddingGenerator) Embed(ctx context.Context, text string) ([]float32, error) {
	for _, member := range c.chain {
		vec, err := member.Embed(ctx, text)
		if err == nil && len(vec) > 0 {
			return vec, nil
		}
		if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
			return nil, err
		}
	}
	return nil, nil
}

// GetModel returns the primary member's model.
func (c *CascadeEmbeddingGenerator) GetModel() string {
	if len(c.chain) == 0 {
		return "null"
	}
	return c.chain[0].GetModel()
}
