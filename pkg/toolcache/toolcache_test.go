package toolcache

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munshi-ai/munshi/pkg/config"
)

// scriptedEmbedder returns pre-assigned vectors keyed by exact text so
// tests control similarity outcomes.
type scriptedEmbedder struct {
	vectors map[string][]float32
}

func (s *scriptedEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec, ok := s.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no scripted vector for %q", text)
	}
	return vec, nil
}

func (s *scriptedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (s *scriptedEmbedder) Dimension() int { return 3 }
func (s *scriptedEmbedder) Model() string  { return "scripted" }
func (s *scriptedEmbedder) Close() error   { return nil }

func newTestCache(t *testing.T, cfg config.ToolCacheConfig, vectors map[string][]float32) *Cache {
	t.Helper()
	cache, err := New(cfg, &scriptedEmbedder{vectors: vectors})
	require.NoError(t, err)
	return cache
}

func TestStoreAndSearch(t *testing.T) {
	cache := newTestCache(t, config.ToolCacheConfig{}, map[string][]float32{
		`get_products {"tag":"sale"}`: {1, 0, 0},
		"sale products":               {1, 0, 0},
	})
	ctx := context.Background()

	err := cache.Store(ctx, 1, "get_products", map[string]any{"tag": "sale"},
		`[{"id":101,"title":"Winter Coat"}]`, map[string]any{"count": 1})
	require.NoError(t, err)

	hits, err := cache.Search(ctx, 1, "sale products", SearchOptions{Tool: "get_products"})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hit := hits[0]
	assert.Equal(t, "get_products", hit.Tool)
	assert.Equal(t, `[{"id":101,"title":"Winter Coat"}]`, hit.Result)
	assert.InDelta(t, 1.0, hit.Similarity, 1e-6)
	assert.GreaterOrEqual(t, hit.Age, time.Duration(0))
	assert.False(t, hit.Stale)
	assert.Equal(t, 1, hit.Metadata["count"])
}

func TestSimilarityThreshold(t *testing.T) {
	cache := newTestCache(t, config.ToolCacheConfig{}, map[string][]float32{
		`search_products {"query":"winter"}`: {0.7, 0.71414284, 0},
		"winter items":                       {1, 0, 0},
	})
	ctx := context.Background()

	err := cache.Store(ctx, 1, "search_products", map[string]any{"query": "winter"}, `[]`, nil)
	require.NoError(t, err)

	t.Run("below default threshold is a miss", func(t *testing.T) {
		hits, err := cache.Search(ctx, 1, "winter items", SearchOptions{})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})

	t.Run("lowered threshold hits", func(t *testing.T) {
		hits, err := cache.Search(ctx, 1, "winter items", SearchOptions{SimilarityThreshold: 0.6})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.InDelta(t, 0.7, hits[0].Similarity, 1e-3)
	})

	stats := cache.Stats(1)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, int64(1), stats.Hits)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestCrossToolSearch(t *testing.T) {
	cache := newTestCache(t, config.ToolCacheConfig{}, map[string][]float32{
		`get_products {"tag":"sale"}`: {1, 0, 0},
		`get_orders {}`:               {0, 1, 0},
		"recent activity":             {1, 0, 0},
	})
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, 1, "get_products", map[string]any{"tag": "sale"}, `products`, nil))
	require.NoError(t, cache.Store(ctx, 1, "get_orders", map[string]any{}, `orders`, nil))

	t.Run("no tool filter searches everything", func(t *testing.T) {
		hits, err := cache.Search(ctx, 1, "recent activity", SearchOptions{})
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, "get_products", hits[0].Tool)
	})

	t.Run("tool filter excludes other tools", func(t *testing.T) {
		hits, err := cache.Search(ctx, 1, "recent activity", SearchOptions{Tool: "get_orders"})
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestWhitelist(t *testing.T) {
	cache := newTestCache(t, config.ToolCacheConfig{}, nil)

	assert.True(t, cache.Cacheable("get_products"))
	assert.False(t, cache.Cacheable("update_product_price"))

	// Non-whitelisted stores are silent no-ops.
	err := cache.Store(context.Background(), 1, "update_product_price", nil, `ok`, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, cache.Stats(1).Entries)
}

func TestReplaceSameArgs(t *testing.T) {
	cache := newTestCache(t, config.ToolCacheConfig{}, map[string][]float32{
		`get_products {"page":1}`: {1, 0, 0},
		"products":                {1, 0, 0},
	})
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, 1, "get_products", map[string]any{"page": 1}, `old`, nil))
	require.NoError(t, cache.Store(ctx, 1, "get_products", map[string]any{"page": 1}, `new`, nil))

	assert.Equal(t, 1, cache.Stats(1).Entries)

	hits, err := cache.Search(ctx, 1, "products", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, `new`, hits[0].Result)
}

func TestConversationScoping(t *testing.T) {
	cache := newTestCache(t, config.ToolCacheConfig{}, map[string][]float32{
		`get_products {}`: {1, 0, 0},
		"products":        {1, 0, 0},
	})
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, 1, "get_products", map[string]any{}, `conv1`, nil))

	hits, err := cache.Search(ctx, 2, "products", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits, "conversation 2 must not see conversation 1 entries")

	cache.Clear(1)
	hits, err = cache.Search(ctx, 1, "products", SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestStaleEntriesSurfaceAge(t *testing.T) {
	cache := newTestCache(t, config.ToolCacheConfig{MaxAge: time.Nanosecond}, map[string][]float32{
		`get_products {}`: {1, 0, 0},
		"products":        {1, 0, 0},
	})
	ctx := context.Background()

	require.NoError(t, cache.Store(ctx, 1, "get_products", map[string]any{}, `data`, nil))
	time.Sleep(time.Millisecond)

	hits, err := cache.Search(ctx, 1, "products", SearchOptions{})
	require.NoError(t, err)
	require.Len(t, hits, 1, "stale entries still hit")
	assert.True(t, hits[0].Stale)
	assert.Greater(t, hits[0].Age, time.Duration(0))
}

func TestEvictionOrder(t *testing.T) {
	cache := newTestCache(t, config.ToolCacheConfig{MaxEntries: 2}, map[string][]float32{
		`get_products {"page":1}`: {1, 0, 0},
		`get_products {"page":2}`: {1, 0, 0},
		`get_products {"page":3}`: {1, 0, 0},
		"products":                {1, 0, 0},
	})
	ctx := context.Background()

	for page := 1; page <= 3; page++ {
		require.NoError(t, cache.Store(ctx, 1, "get_products", map[string]any{"page": page}, fmt.Sprintf("page-%d", page), nil))
	}

	assert.Equal(t, 2, cache.Stats(1).Entries)

	hits, err := cache.Search(ctx, 1, "products", SearchOptions{K: 10})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	for _, hit := range hits {
		assert.NotEqual(t, "page-1", hit.Result, "oldest entry should have been evicted")
	}
}

func TestSearchLimitDefault(t *testing.T) {
	vectors := map[string][]float32{"products": {1, 0, 0}}
	for page := 1; page <= 5; page++ {
		vectors[fmt.Sprintf(`get_products {"page":%d}`, page)] = []float32{1, 0, 0}
	}
	cache := newTestCache(t, config.ToolCacheConfig{}, vectors)
	ctx := context.Background()

	for page := 1; page <= 5; page++ {
		require.NoError(t, cache.Store(ctx, 1, "get_products", map[string]any{"page": page}, `p`, nil))
	}

	hits, err := cache.Search(ctx, 1, "products", SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, hits, DefaultSearchLimit)
}

func TestDisabledCache(t *testing.T) {
	cache := newTestCache(t, config.ToolCacheConfig{Enabled: config.BoolPtr(false)}, nil)
	ctx := context.Background()

	assert.False(t, cache.Cacheable("get_products"))
	require.NoError(t, cache.Store(ctx, 1, "get_products", nil, `x`, nil))

	hits, err := cache.Search(ctx, 1, "anything", SearchOptions{})
	require.NoError(t, err)
	assert.Nil(t, hits)
}

func TestNewRequiresEmbedder(t *testing.T) {
	_, err := New(config.ToolCacheConfig{}, nil)
	assert.Error(t, err)
}
