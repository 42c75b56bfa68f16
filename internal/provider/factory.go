package provider

import (
	"github.com/rikouu/cortex/internal/cache"
	"github.com/rikouu/cortex/internal/config"
)

// Providers bundles the configured capability chains handed to the
// pipeline components.
type Providers struct {
	LLM       TextGenerator
	Embedding EmbeddingGenerator
	Reranker  Reranker // nil when no reranker is configured
}

// Build assembles the provider cascades from config: the configured
// primary first, the other providers as fallbacks (OpenAI and Anthropic
// only when an API key is set, Ollama always), and the null terminator
// last, then fronts embeddings with the LRU cache.
func Build(cfg config.ProviderConfig, embedCache *cache.EmbeddingCache) *Providers {
	var llmChain []TextGenerator
	var embedChain []EmbeddingGenerator

	add := func(name string) {
		switch name {
		case "openai":
			if cfg.OpenAIAPIKey != "" {
				llmChain = append(llmChain, NewOpenAIClient(OpenAIConfig{
					APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIModel, Timeout: cfg.LLMCallTimeout,
				}))
				embedChain = append(embedChain, NewOpenAIEmbeddingClient(OpenAIConfig{
					APIKey: cfg.OpenAIAPIKey, Model: cfg.OpenAIEmbedModel, Timeout: cfg.LLMCallTimeout,
				}))
			}
		case "anthropic":
			if cfg.AnthropicAPIKey != "" {
				llmChain = append(llmChain, NewAnthropicClient(AnthropicConfig{
					APIKey: cfg.AnthropicAPIKey, Model: cfg.AnthropicModel, Timeout: cfg.LLMCallTimeout,
				}))
			}
		case "ollama":
			llmChain = append(llmChain, NewOllamaClient(OllamaConfig{
				BaseURL: cfg.OllamaURL, Model: cfg.OllamaModel, Timeout: cfg.LLMCallTimeout,
			}))
			embedChain = append(embedChain, NewOllamaClient(OllamaConfig{
				BaseURL: cfg.OllamaURL, Model: cfg.OllamaEmbedModel, Timeout: cfg.LLMCallTimeout,
			}))
		}
	}

	// Primary first, then the remaining providers as fallbacks.
	add(cfg.LLMProvider)
	for _, name := range []string{"ollama", "openai", "anthropic"} {
		if name != cfg.LLMProvider {
			add(name)
		}
	}
	llmChain = append(llmChain, NullTextGenerator{})
	embedChain = append(embedChain, NullEmbeddingGenerator{})

	p := &Providers{
		LLM: NewCascadeTextGenerator(llmChain...),
		Embedding: NewCachedEmbeddingGenerator(
			NewCascadeEmbeddingGenerator(embedChain...), embedCache),
	}
	if cfg.RerankerURL != "" {
		p.Reranker = NewHTTPReranker(RerankerConfig{URL: cfg.RerankerURL, Timeout: cfg.RerankTimeout})
	}
	return p
}
