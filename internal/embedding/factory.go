package embedding

import (
	"fmt"

	"github.com/scrypster/synapse/internal/config"
)

// NewProvider creates the configured embedding provider.
// Returns (nil, nil) when embeddings are disabled (provider "none" or empty);
// the search planner then exposes graph/text search only.
func NewProvider(cfg *config.Config) (Provider, error) {
	switch cfg.Embedding.Provider {
	case "ollama":
		return NewOllamaProvider(OllamaConfig{
			BaseURL:    cfg.Embedding.OllamaURL,
			Model:      cfg.Embedding.OllamaModel,
			Dimensions: cfg.Vector.Dimensions,
		}), nil
	case "openai":
		if cfg.Embedding.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("embedding: openai provider requires an API key")
		}
		return NewOpenAIProvider(OpenAIConfig{
			APIKey:     cfg.Embedding.OpenAIAPIKey,
			Model:      cfg.Embedding.OpenAIModel,
			Dimensions: cfg.Vector.Dimensions,
		}), nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("embedding: unsupported provider %q", cfg.Embedding.Provider)
	}
}
