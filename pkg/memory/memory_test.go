package memory

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/vector"
)

// scriptedEmbedder returns pre-assigned vectors so tests control
// similarity scores exactly. Unscripted text is an error.
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

func newTestService(t *testing.T, vectors map[string][]float32) *Service {
	t.Helper()

	provider, err := vector.NewChromemProvider(&config.ChromemConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })

	svc, err := NewService(ServiceConfig{
		Provider: provider,
		Embedder: &scriptedEmbedder{vectors: vectors},
	})
	require.NoError(t, err)
	return svc
}

func TestNewServiceValidation(t *testing.T) {
	emb := &scriptedEmbedder{}
	provider := vector.NilProvider{}

	t.Run("missing provider", func(t *testing.T) {
		_, err := NewService(ServiceConfig{Embedder: emb})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "provider")
	})

	t.Run("missing embedder", func(t *testing.T) {
		_, err := NewService(ServiceConfig{Provider: provider})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "embedder")
	})

	t.Run("defaults applied", func(t *testing.T) {
		svc, err := NewService(ServiceConfig{Provider: provider, Embedder: emb})
		require.NoError(t, err)
		assert.Equal(t, "munshi_memories", svc.memoryCollection)
		assert.Equal(t, "munshi_fragments", svc.fragmentCollection)
		assert.Equal(t, DefaultMinMemoryScore, svc.minMemoryScore)
		assert.Equal(t, DefaultMinFragmentScore, svc.minFragmentScore)
	})

	t.Run("custom prefix", func(t *testing.T) {
		svc, err := NewService(ServiceConfig{Provider: provider, Embedder: emb, CollectionPrefix: "acme"})
		require.NoError(t, err)
		assert.Equal(t, "acme_memories", svc.memoryCollection)
	})
}

func TestAddAndSearchScoping(t *testing.T) {
	svc := newTestService(t, map[string][]float32{
		"what did the customer ask":            {1, 0, 0},
		"customer asked about invoice refunds": {1, 0, 0},
		"customer prefers email follow-ups":    {0.7071, 0.7071, 0},
		"other tenant budget notes":            {1, 0, 0},
	})
	ctx := context.Background()

	_, err := svc.Add(ctx, "customer asked about invoice refunds", "user-1", map[string]any{"source": "chat"})
	require.NoError(t, err)
	_, err = svc.Add(ctx, "customer prefers email follow-ups", "user-1", nil)
	require.NoError(t, err)
	_, err = svc.Add(ctx, "other tenant budget notes", "user-2", nil)
	require.NoError(t, err)

	results, err := svc.Search(ctx, "what did the customer ask", "user-1", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "customer asked about invoice refunds", results[0].Content)
	assert.Equal(t, "user-1", results[0].Scope)
	assert.InDelta(t, 1.0, results[0].Score, 1e-3)
	assert.Equal(t, "chat", results[0].Metadata["source"])

	assert.Equal(t, "customer prefers email follow-ups", results[1].Content)
	assert.InDelta(t, 0.7071, results[1].Score, 1e-3)

	other, err := svc.Search(ctx, "what did the customer ask", "user-2", 10)
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, "other tenant budget notes", other[0].Content)
}

func TestSearchMinScoreFloor(t *testing.T) {
	svc := newTestService(t, map[string][]float32{
		"query":        {1, 0, 0},
		"exact match":  {1, 0, 0},
		"weak match":   {0.45, 0.8930285, 0},
		"unrelated":    {0, 1, 0},
		"opposite way": {-1, 0, 0},
	})
	ctx := context.Background()

	for _, content := range []string{"exact match", "weak match", "unrelated", "opposite way"} {
		_, err := svc.Add(ctx, content, "user-1", nil)
		require.NoError(t, err)
	}

	results, err := svc.Search(ctx, "query", "user-1", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "exact match", results[0].Content)

	for _, r := range results {
		assert.GreaterOrEqual(t, r.Score, 0.0)
		assert.LessOrEqual(t, r.Score, 1.0)
	}
}

func TestSearchEdgeCases(t *testing.T) {
	svc := newTestService(t, map[string][]float32{
		"query": {1, 0, 0},
		"note":  {1, 0, 0},
	})
	ctx := context.Background()

	t.Run("empty query returns nothing", func(t *testing.T) {
		results, err := svc.Search(ctx, "   ", "user-1", 5)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("empty store returns nothing", func(t *testing.T) {
		results, err := svc.Search(ctx, "query", "user-1", 5)
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("k larger than stored count", func(t *testing.T) {
		_, err := svc.Add(ctx, "note", "user-1", nil)
		require.NoError(t, err)

		results, err := svc.Search(ctx, "query", "user-1", 50)
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})

	t.Run("default limit on non-positive k", func(t *testing.T) {
		results, err := svc.Search(ctx, "query", "user-1", 0)
		require.NoError(t, err)
		assert.Len(t, results, 1)
	})
}

func TestAddValidation(t *testing.T) {
	svc := newTestService(t, map[string][]float32{})
	ctx := context.Background()

	_, err := svc.Add(ctx, "   ", "user-1", nil)
	assert.Error(t, err)

	_, err = svc.Add(ctx, "content", "", nil)
	assert.Error(t, err)
}

func TestDeleteAndClear(t *testing.T) {
	svc := newTestService(t, map[string][]float32{
		"query":  {1, 0, 0},
		"first":  {1, 0, 0},
		"second": {0.9, 0.43589, 0},
	})
	ctx := context.Background()

	id, err := svc.Add(ctx, "first", "user-1", nil)
	require.NoError(t, err)
	_, err = svc.Add(ctx, "second", "user-1", nil)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, id))

	results, err := svc.Search(ctx, "query", "user-1", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "second", results[0].Content)

	require.NoError(t, svc.Clear(ctx, "user-1"))

	results, err = svc.Search(ctx, "query", "user-1", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 0.0, clampScore(-0.3))
	assert.Equal(t, 0.0, clampScore(0))
	assert.Equal(t, 0.42, clampScore(0.42))
	assert.Equal(t, 1.0, clampScore(1.0000001))
}
