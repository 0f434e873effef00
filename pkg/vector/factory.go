package vector

import (
	"fmt"

	"github.com/munshi-ai/munshi/pkg/config"
)

// New creates a vector provider from configuration. A nil config
// disables vector storage entirely.
func New(cfg *config.VectorConfig) (Provider, error) {
	if cfg == nil {
		return NilProvider{}, nil
	}

	switch cfg.Provider {
	case config.VectorProviderChromem:
		return NewChromemProvider(cfg.Chromem)

	case config.VectorProviderQdrant:
		return NewQdrantProvider(cfg.Qdrant)

	case config.VectorProviderPinecone:
		if cfg.Pinecone == nil {
			return nil, fmt.Errorf("pinecone configuration is required")
		}
		return NewPineconeProvider(cfg.Pinecone)

	default:
		return nil, fmt.Errorf("unknown vector provider: %q", cfg.Provider)
	}
}
