package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munshi-ai/munshi/pkg/config"
)

func newTestChromem(t *testing.T) *ChromemProvider {
	t.Helper()
	p, err := NewChromemProvider(nil)
	require.NoError(t, err)
	return p
}

func TestChromemUpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	p := newTestChromem(t)

	require.NoError(t, p.Upsert(ctx, "memories", "a", []float32{1, 0, 0}, map[string]any{
		"content":      "customer asked about refunds",
		"conversation": "conv-1",
	}))
	require.NoError(t, p.Upsert(ctx, "memories", "b", []float32{0, 1, 0}, map[string]any{
		"content":      "inventory sync completed",
		"conversation": "conv-2",
	}))

	results, err := p.Search(ctx, "memories", []float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "a", results[0].ID)
	assert.Equal(t, "customer asked about refunds", results[0].Content)
	assert.Equal(t, "conv-1", results[0].Metadata["conversation"])
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-4)
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestChromemSearchClampsTopK(t *testing.T) {
	ctx := context.Background()
	p := newTestChromem(t)

	t.Run("empty collection returns no results", func(t *testing.T) {
		results, err := p.Search(ctx, "empty", []float32{1, 0}, 5)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("topK above document count is clamped", func(t *testing.T) {
		require.NoError(t, p.Upsert(ctx, "small", "only", []float32{1, 0}, nil))

		results, err := p.Search(ctx, "small", []float32{1, 0}, 10)
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})
}

func TestChromemSearchWithFilter(t *testing.T) {
	ctx := context.Background()
	p := newTestChromem(t)

	require.NoError(t, p.Upsert(ctx, "cache", "r1", []float32{1, 0}, map[string]any{"tool": "get_orders"}))
	require.NoError(t, p.Upsert(ctx, "cache", "r2", []float32{0.9, 0.1}, map[string]any{"tool": "get_products"}))

	results, err := p.SearchWithFilter(ctx, "cache", []float32{1, 0}, 5, map[string]any{"tool": "get_products"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "r2", results[0].ID)
}

func TestChromemDelete(t *testing.T) {
	ctx := context.Background()
	p := newTestChromem(t)

	require.NoError(t, p.Upsert(ctx, "memories", "gone", []float32{1, 0}, nil))
	require.NoError(t, p.Upsert(ctx, "memories", "kept", []float32{0, 1}, nil))

	require.NoError(t, p.Delete(ctx, "memories", "gone"))

	results, err := p.Search(ctx, "memories", []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "kept", results[0].ID)
}

func TestChromemDeleteByFilter(t *testing.T) {
	ctx := context.Background()
	p := newTestChromem(t)

	require.NoError(t, p.Upsert(ctx, "cache", "a", []float32{1, 0}, map[string]any{"conversation": "c1"}))
	require.NoError(t, p.Upsert(ctx, "cache", "b", []float32{0, 1}, map[string]any{"conversation": "c1"}))
	require.NoError(t, p.Upsert(ctx, "cache", "c", []float32{0.5, 0.5}, map[string]any{"conversation": "c2"}))

	require.NoError(t, p.DeleteByFilter(ctx, "cache", map[string]any{"conversation": "c1"}))

	results, err := p.Search(ctx, "cache", []float32{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "c", results[0].ID)
}

func TestChromemDeleteCollection(t *testing.T) {
	ctx := context.Background()
	p := newTestChromem(t)

	require.NoError(t, p.Upsert(ctx, "temp", "doc", []float32{1, 0}, nil))
	require.NoError(t, p.DeleteCollection(ctx, "temp"))

	results, err := p.Search(ctx, "temp", []float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestChromemPersistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := &config.ChromemConfig{PersistPath: dir}

	p, err := NewChromemProvider(cfg)
	require.NoError(t, err)
	require.NoError(t, p.Upsert(ctx, "memories", "persisted", []float32{1, 0}, map[string]any{
		"content": "remember this",
	}))
	require.NoError(t, p.Close())

	reopened, err := NewChromemProvider(cfg)
	require.NoError(t, err)
	defer reopened.Close()

	results, err := reopened.Search(ctx, "memories", []float32{1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "persisted", results[0].ID)
	assert.Equal(t, "remember this", results[0].Content)
}
