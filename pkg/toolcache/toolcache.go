// Package toolcache is a semantic cache of recent tool results, scoped
// to a conversation. Instead of exact argument matching, a lookup embeds
// the query and compares it against stored tool-call descriptors by
// cosine similarity, so "show me the sale products again" can reuse the
// result of an earlier get_products call with different phrasing.
//
// Only a whitelist of read-dominant tools is cached. Entries are never
// invalidated by age; hits surface their age so callers decide
// freshness.
package toolcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/embedder"
)

// DefaultSearchLimit bounds hit counts when the caller passes K <= 0.
const DefaultSearchLimit = 3

// Entry is one cached tool result.
type Entry struct {
	ConversationID int64          `json:"conversation_id"`
	Tool           string         `json:"tool"`
	ArgsHash       string         `json:"args_hash"`
	Args           map[string]any `json:"args,omitempty"`
	Result         string         `json:"result"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`

	embedding []float32
}

// Hit is a cache entry that matched a search, with its similarity and
// age at lookup time.
type Hit struct {
	Entry
	Similarity float64       `json:"similarity"`
	Age        time.Duration `json:"age"`
	Stale      bool          `json:"stale"`
}

// SearchOptions tunes a cache lookup.
type SearchOptions struct {
	// Tool restricts hits to a single tool. Empty searches across all
	// cached tools for the conversation.
	Tool string

	// K caps the number of hits. Defaults to DefaultSearchLimit.
	K int

	// SimilarityThreshold overrides the configured minimum similarity
	// when > 0.
	SimilarityThreshold float64
}

// Stats summarizes cache activity for one conversation.
type Stats struct {
	Entries int     `json:"entries"`
	Stores  int64   `json:"stores"`
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Cache holds per-conversation entries in memory. Safe for concurrent
// use.
type Cache struct {
	cfg      config.ToolCacheConfig
	embedder embedder.Embedder

	mu            sync.RWMutex
	conversations map[int64]*convCache
	whitelist     map[string]struct{}
}

type convCache struct {
	entries map[string]*Entry
	order   []string

	stores int64
	hits   int64
	misses int64
}

// New creates a tool-result cache.
func New(cfg config.ToolCacheConfig, emb embedder.Embedder) (*Cache, error) {
	if emb == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	cfg.SetDefaults()

	whitelist := make(map[string]struct{}, len(cfg.Tools))
	for _, tool := range cfg.Tools {
		whitelist[tool] = struct{}{}
	}

	return &Cache{
		cfg:           cfg,
		embedder:      emb,
		conversations: make(map[int64]*convCache),
		whitelist:     whitelist,
	}, nil
}

// Cacheable reports whether results of the named tool are cached.
func (c *Cache) Cacheable(tool string) bool {
	if !c.cfg.IsEnabled() {
		return false
	}
	_, ok := c.whitelist[tool]
	return ok
}

// Store caches a tool result for the conversation. Calls for
// non-whitelisted tools are a no-op. Storing the same tool and arguments
// again replaces the previous entry.
func (c *Cache) Store(ctx context.Context, conversationID int64, tool string, args map[string]any, result string, metadata map[string]any) error {
	if !c.Cacheable(tool) {
		return nil
	}

	canonical, err := canonicalArgs(args)
	if err != nil {
		return fmt.Errorf("failed to canonicalize args: %w", err)
	}

	vec, err := c.embedder.Embed(ctx, descriptor(tool, canonical))
	if err != nil {
		return fmt.Errorf("failed to embed tool call: %w", err)
	}

	entry := &Entry{
		ConversationID: conversationID,
		Tool:           tool,
		ArgsHash:       hashArgs(tool, canonical),
		Args:           args,
		Result:         result,
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
		embedding:      vec,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.conversations[conversationID]
	if cc == nil {
		cc = &convCache{entries: make(map[string]*Entry)}
		c.conversations[conversationID] = cc
	}

	key := entry.ArgsHash
	if _, exists := cc.entries[key]; !exists {
		cc.order = append(cc.order, key)
	}
	cc.entries[key] = entry
	cc.stores++

	for c.cfg.MaxEntries > 0 && len(cc.entries) > c.cfg.MaxEntries {
		oldest := cc.order[0]
		cc.order = cc.order[1:]
		delete(cc.entries, oldest)
	}

	slog.Debug("Cached tool result",
		"conversation_id", conversationID,
		"tool", tool,
		"result_bytes", len(result),
		"entries", len(cc.entries))
	return nil
}

// Search returns cached results whose stored descriptor is similar to
// the query, best first. A lookup with no qualifying entry counts as a
// miss.
func (c *Cache) Search(ctx context.Context, conversationID int64, query string, opts SearchOptions) ([]Hit, error) {
	if !c.cfg.IsEnabled() {
		return nil, nil
	}

	threshold := opts.SimilarityThreshold
	if threshold <= 0 {
		threshold = c.cfg.SimilarityThreshold
	}
	k := opts.K
	if k <= 0 {
		k = DefaultSearchLimit
	}

	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	now := time.Now().UTC()

	c.mu.Lock()
	defer c.mu.Unlock()

	cc := c.conversations[conversationID]
	if cc == nil {
		return nil, nil
	}

	var hits []Hit
	for _, entry := range cc.entries {
		if opts.Tool != "" && entry.Tool != opts.Tool {
			continue
		}
		similarity, err := embedder.CosineSimilarity(vec, entry.embedding)
		if err != nil {
			continue
		}
		if similarity < threshold {
			continue
		}
		age := now.Sub(entry.CreatedAt)
		hits = append(hits, Hit{
			Entry:      *entry,
			Similarity: similarity,
			Age:        age,
			Stale:      c.cfg.MaxAge > 0 && age > c.cfg.MaxAge,
		})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Similarity > hits[j].Similarity })
	if len(hits) > k {
		hits = hits[:k]
	}

	if len(hits) > 0 {
		cc.hits++
	} else {
		cc.misses++
	}

	slog.Debug("Tool cache lookup",
		"conversation_id", conversationID,
		"tool", opts.Tool,
		"hits", len(hits),
		"threshold", threshold)
	return hits, nil
}

// Stats reports activity counters for the conversation.
func (c *Cache) Stats(conversationID int64) Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cc := c.conversations[conversationID]
	if cc == nil {
		return Stats{}
	}

	stats := Stats{
		Entries: len(cc.entries),
		Stores:  cc.stores,
		Hits:    cc.hits,
		Misses:  cc.misses,
	}
	if total := cc.hits + cc.misses; total > 0 {
		stats.HitRate = float64(cc.hits) / float64(total)
	}
	return stats
}

// Clear drops all entries and counters for the conversation.
func (c *Cache) Clear(conversationID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conversations, conversationID)
}

// canonicalArgs serializes arguments deterministically. encoding/json
// emits map keys in sorted order, so equal argument maps always produce
// the same bytes.
func canonicalArgs(args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func hashArgs(tool, canonical string) string {
	sum := sha256.Sum256([]byte(tool + ":" + canonical))
	return hex.EncodeToString(sum[:])
}

func descriptor(tool, canonical string) string {
	return tool + " " + canonical
}

// Descriptor returns the text a call is embedded under. Callers probing
// the cache before executing a tool search with this to get an exact
// match for identical arguments and high similarity for near-identical
// ones.
func Descriptor(tool string, args map[string]any) (string, error) {
	canonical, err := canonicalArgs(args)
	if err != nil {
		return "", fmt.Errorf("canonicalizing arguments: %w", err)
	}
	return descriptor(tool, canonical), nil
}
