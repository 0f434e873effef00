package embedder

import (
	"math"
	"testing"

	"github.com/munshi-ai/munshi/pkg/config"
)

func TestNewSelectsProvider(t *testing.T) {
	local, err := New(&config.EmbedderConfig{
		Provider:   config.EmbedderProviderLocal,
		Dimensions: 64,
	})
	if err != nil {
		t.Fatalf("New(local) error: %v", err)
	}
	if _, ok := local.(*LocalEmbedder); !ok {
		t.Errorf("expected *LocalEmbedder, got %T", local)
	}

	openai, err := New(&config.EmbedderConfig{
		Provider:   config.EmbedderProviderOpenAI,
		Model:      "text-embedding-3-small",
		APIKey:     "sk-test",
		Dimensions: 1536,
	})
	if err != nil {
		t.Fatalf("New(openai) error: %v", err)
	}
	if _, ok := openai.(*OpenAIEmbedder); !ok {
		t.Errorf("expected *OpenAIEmbedder, got %T", openai)
	}

	if _, err := New(&config.EmbedderConfig{Provider: "bedrock"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CosineSimilarity(tt.a, tt.b)
			if err != nil {
				t.Fatalf("CosineSimilarity error: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("similarity = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestCosineSimilarityLengthMismatch(t *testing.T) {
	if _, err := CosineSimilarity([]float32{1, 2}, []float32{1, 2, 3}); err == nil {
		t.Error("expected error for mismatched vector lengths")
	}
}
