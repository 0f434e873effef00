// Package embedder produces vector embeddings for semantic search.
//
// Embeddings back the memory search port and the tool-result cache. The
// openai provider calls an OpenAI-compatible embeddings API; the local
// provider is deterministic and needs no credentials, which keeps dev
// and test environments self-contained.
package embedder

import (
	"context"
	"fmt"
	"math"

	"github.com/munshi-ai/munshi/pkg/config"
)

// Embedder converts text to vector embeddings.
type Embedder interface {
	// Embed converts one text to a vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch converts multiple texts, preserving input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the vector dimension.
	Dimension() int

	// Model returns the model name in use.
	Model() string

	// Close releases any resources held by the embedder.
	Close() error
}

// New creates an embedder from configuration.
func New(cfg *config.EmbedderConfig) (Embedder, error) {
	switch cfg.Provider {
	case config.EmbedderProviderOpenAI:
		return NewOpenAIEmbedder(cfg)
	case config.EmbedderProviderLocal:
		return NewLocalEmbedder(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unsupported embedder provider: %s", cfg.Provider)
	}
}

// CosineSimilarity computes the cosine similarity of two vectors,
// between -1 and 1. Zero-magnitude vectors compare as 0.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vectors must have the same length: %d != %d", len(a), len(b))
	}

	var dot, magA, magB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		magA += float64(a[i]) * float64(a[i])
		magB += float64(b[i]) * float64(b[i])
	}
	if magA == 0 || magB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB)), nil
}
