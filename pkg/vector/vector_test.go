package vector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/munshi-ai/munshi/pkg/config"
)

func TestNewSelectsProvider(t *testing.T) {
	t.Run("nil config disables vector storage", func(t *testing.T) {
		p, err := New(nil)
		require.NoError(t, err)
		assert.IsType(t, NilProvider{}, p)
	})

	t.Run("chromem", func(t *testing.T) {
		p, err := New(&config.VectorConfig{Provider: config.VectorProviderChromem})
		require.NoError(t, err)
		assert.IsType(t, (*ChromemProvider)(nil), p)
		assert.Equal(t, "chromem", p.Name())
	})

	t.Run("pinecone requires configuration", func(t *testing.T) {
		_, err := New(&config.VectorConfig{Provider: config.VectorProviderPinecone})
		assert.Error(t, err)
	})

	t.Run("unknown provider", func(t *testing.T) {
		_, err := New(&config.VectorConfig{Provider: "milvus"})
		assert.Error(t, err)
	})
}

func TestNewPineconeProviderValidation(t *testing.T) {
	_, err := NewPineconeProvider(&config.PineconeConfig{IndexHost: "idx.pinecone.io"})
	assert.Error(t, err, "missing API key should fail")

	_, err = NewPineconeProvider(&config.PineconeConfig{APIKey: "key"})
	assert.Error(t, err, "missing index host should fail")
}

func TestNilProvider(t *testing.T) {
	ctx := context.Background()
	p := NilProvider{}

	require.NoError(t, p.Upsert(ctx, "any", "id", []float32{1}, nil))
	require.NoError(t, p.CreateCollection(ctx, "any", 4))
	require.NoError(t, p.Delete(ctx, "any", "id"))
	require.NoError(t, p.Close())

	results, err := p.Search(ctx, "any", []float32{1}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}
