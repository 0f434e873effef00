// Package memory provides semantic recall over long-term memories and
// system prompt fragments. It sits on top of a vector.Provider and an
// embedder.Embedder and never assumes a specific engine: swapping the
// backing store is a configuration change, not a code change.
//
// Memories are scoped to a user and recalled by similarity against the
// current query. Prompt fragments are global, carry routing attributes
// (category, priority, tags, agent type), and are recalled with a lower
// score floor so that loosely related guidance still surfaces.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/munshi-ai/munshi/pkg/embedder"
	"github.com/munshi-ai/munshi/pkg/vector"
)

const (
	// DefaultMinMemoryScore filters weak memory hits.
	DefaultMinMemoryScore = 0.5

	// DefaultMinFragmentScore filters weak fragment hits. Fragments use a
	// lower floor than memories so related guidance still surfaces.
	DefaultMinFragmentScore = 0.4

	// DefaultSearchLimit bounds result counts when the caller passes k <= 0.
	DefaultSearchLimit = 5

	memoryCollectionSuffix   = "memories"
	fragmentCollectionSuffix = "fragments"
)

// Memory is a single recalled memory with its similarity score.
type Memory struct {
	ID       string         `json:"id"`
	Content  string         `json:"content"`
	Scope    string         `json:"scope"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Service implements semantic memory on top of a vector provider and an
// embedder. All operations are safe for concurrent use.
type Service struct {
	provider vector.Provider
	embedder embedder.Embedder

	memoryCollection   string
	fragmentCollection string

	minMemoryScore   float64
	minFragmentScore float64
}

// ServiceConfig configures a memory Service.
type ServiceConfig struct {
	// Provider is the backing vector store (required).
	Provider vector.Provider

	// Embedder converts text to vectors (required).
	Embedder embedder.Embedder

	// CollectionPrefix namespaces the collections used by the service.
	// Defaults to "munshi".
	CollectionPrefix string

	// MinMemoryScore overrides the score floor for memory search.
	MinMemoryScore float64

	// MinFragmentScore overrides the score floor for fragment search.
	MinFragmentScore float64
}

// NewService creates a memory service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("vector provider is required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}

	prefix := cfg.CollectionPrefix
	if prefix == "" {
		prefix = "munshi"
	}

	minMemory := cfg.MinMemoryScore
	if minMemory <= 0 {
		minMemory = DefaultMinMemoryScore
	}
	minFragment := cfg.MinFragmentScore
	if minFragment <= 0 {
		minFragment = DefaultMinFragmentScore
	}

	return &Service{
		provider:           cfg.Provider,
		embedder:           cfg.Embedder,
		memoryCollection:   prefix + "_" + memoryCollectionSuffix,
		fragmentCollection: prefix + "_" + fragmentCollectionSuffix,
		minMemoryScore:     minMemory,
		minFragmentScore:   minFragment,
	}, nil
}

// Add stores a memory for the given scope and returns its id. Extra
// metadata is persisted alongside the content and comes back verbatim on
// recall.
func (s *Service) Add(ctx context.Context, content, scope string, metadata map[string]any) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", fmt.Errorf("memory content is empty")
	}
	if scope == "" {
		return "", fmt.Errorf("memory scope is required")
	}

	vec, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return "", fmt.Errorf("failed to embed memory: %w", err)
	}

	id := uuid.New().String()
	meta := map[string]any{
		"content":   content,
		"scope":     scope,
		"stored_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range metadata {
		if _, reserved := meta[k]; reserved {
			continue
		}
		meta[k] = v
	}

	if err := s.provider.Upsert(ctx, s.memoryCollection, id, vec, meta); err != nil {
		return "", fmt.Errorf("failed to store memory: %w", err)
	}

	slog.Debug("Stored memory", "id", id, "scope", scope, "content_length", len(content))
	return id, nil
}

// Search recalls up to k memories for the scope, ranked by similarity to
// the query. Results below the score floor are dropped. An empty query
// returns no results.
func (s *Service) Search(ctx context.Context, query, scope string, k int) ([]Memory, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = DefaultSearchLimit
	}

	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var filter map[string]any
	if scope != "" {
		filter = map[string]any{"scope": scope}
	}

	results, err := s.provider.SearchWithFilter(ctx, s.memoryCollection, vec, k, filter)
	if err != nil {
		return nil, fmt.Errorf("memory search failed: %w", err)
	}

	memories := make([]Memory, 0, len(results))
	for _, r := range results {
		score := clampScore(float64(r.Score))
		if score < s.minMemoryScore {
			continue
		}
		memories = append(memories, Memory{
			ID:       r.ID,
			Content:  resultContent(r),
			Scope:    metadataString(r.Metadata, "scope"),
			Score:    score,
			Metadata: r.Metadata,
		})
	}

	slog.Debug("Memory search completed", "scope", scope, "hits", len(memories), "candidates", len(results))
	return memories, nil
}

// Delete removes a single memory by id.
func (s *Service) Delete(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("memory id is required")
	}
	if err := s.provider.Delete(ctx, s.memoryCollection, id); err != nil {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return nil
}

// Clear removes all memories for a scope.
func (s *Service) Clear(ctx context.Context, scope string) error {
	if scope == "" {
		return fmt.Errorf("memory scope is required")
	}
	if err := s.provider.DeleteByFilter(ctx, s.memoryCollection, map[string]any{"scope": scope}); err != nil {
		return fmt.Errorf("failed to clear memories: %w", err)
	}
	slog.Info("Cleared memories", "scope", scope)
	return nil
}

// clampScore forces provider scores into [0, 1]. Cosine similarity can be
// negative for opposed vectors and some engines report unnormalized
// values slightly above 1.
func clampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// resultContent prefers the metadata copy of the content, falling back to
// the document body for providers that store it natively.
func resultContent(r vector.Result) string {
	if c := metadataString(r.Metadata, "content"); c != "" {
		return c
	}
	return r.Content
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}
