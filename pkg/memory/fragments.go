package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Priority orders prompt fragments when the context budget is tight.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns a sortable weight for the priority. Lower is more
// important. Unknown priorities sort last.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Valid reports whether the priority is one of the known levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Fragment is a reusable piece of system prompt guidance. Fragments are
// global rather than user-scoped and carry attributes the context builder
// uses for grouping and ordering.
type Fragment struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	Category  string   `json:"category"`
	Priority  Priority `json:"priority"`
	Tags      []string `json:"tags,omitempty"`
	AgentType string   `json:"agent_type,omitempty"`
	Score     float64  `json:"score"`
}

// AddFragment stores a prompt fragment and returns its id. A missing
// priority defaults to medium.
func (s *Service) AddFragment(ctx context.Context, frag Fragment) (string, error) {
	if strings.TrimSpace(frag.Content) == "" {
		return "", fmt.Errorf("fragment content is empty")
	}
	if frag.Priority == "" {
		frag.Priority = PriorityMedium
	}
	if !frag.Priority.Valid() {
		return "", fmt.Errorf("invalid fragment priority: %q", frag.Priority)
	}

	vec, err := s.embedder.Embed(ctx, frag.Content)
	if err != nil {
		return "", fmt.Errorf("failed to embed fragment: %w", err)
	}

	id := frag.ID
	if id == "" {
		id = uuid.New().String()
	}

	meta := map[string]any{
		"content":  frag.Content,
		"category": frag.Category,
		"priority": string(frag.Priority),
	}
	if len(frag.Tags) > 0 {
		meta["tags"] = strings.Join(frag.Tags, ",")
	}
	if frag.AgentType != "" {
		meta["agent_type"] = frag.AgentType
	}

	if err := s.provider.Upsert(ctx, s.fragmentCollection, id, vec, meta); err != nil {
		return "", fmt.Errorf("failed to store fragment: %w", err)
	}

	slog.Debug("Stored prompt fragment", "id", id, "category", frag.Category, "priority", frag.Priority)
	return id, nil
}

// SearchFragments recalls up to k prompt fragments ranked by similarity
// to the query. Results below the fragment score floor are dropped. An
// empty query returns no results.
func (s *Service) SearchFragments(ctx context.Context, query string, k int) ([]Fragment, error) {
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

	results, err := s.provider.Search(ctx, s.fragmentCollection, vec, k)
	if err != nil {
		return nil, fmt.Errorf("fragment search failed: %w", err)
	}

	fragments := make([]Fragment, 0, len(results))
	for _, r := range results {
		score := clampScore(float64(r.Score))
		if score < s.minFragmentScore {
			continue
		}
		frag := Fragment{
			ID:        r.ID,
			Content:   resultContent(r),
			Category:  metadataString(r.Metadata, "category"),
			Priority:  Priority(metadataString(r.Metadata, "priority")),
			AgentType: metadataString(r.Metadata, "agent_type"),
			Score:     score,
		}
		if tags := metadataString(r.Metadata, "tags"); tags != "" {
			frag.Tags = strings.Split(tags, ",")
		}
		if frag.Priority == "" {
			frag.Priority = PriorityMedium
		}
		fragments = append(fragments, frag)
	}

	slog.Debug("Fragment search completed", "hits", len(fragments), "candidates", len(results))
	return fragments, nil
}

// DeleteFragment removes a single prompt fragment by id.
func (s *Service) DeleteFragment(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("fragment id is required")
	}
	if err := s.provider.Delete(ctx, s.fragmentCollection, id); err != nil {
		return fmt.Errorf("failed to delete fragment: %w", err)
	}
	return nil
}
