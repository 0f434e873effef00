package embedder

import (
	"context"
	"math"
	"testing"
)

func TestLocalEmbedderDeterministic(t *testing.T) {
	e := NewLocalEmbedder(128)
	ctx := context.Background()

	first, err := e.Embed(ctx, "refund order #1042 for customer jane")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	second, err := e.Embed(ctx, "refund order #1042 for customer jane")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}

	if len(first) != 128 {
		t.Fatalf("expected 128 dimensions, got %d", len(first))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("vectors differ at index %d: %f != %f", i, first[i], second[i])
		}
	}
}

func TestLocalEmbedderNormalized(t *testing.T) {
	e := NewLocalEmbedder(64)

	vector, err := e.Embed(context.Background(), "update the price of the blue widget")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}

	var magnitude float64
	for _, v := range vector {
		magnitude += float64(v) * float64(v)
	}
	magnitude = math.Sqrt(magnitude)
	if math.Abs(magnitude-1) > 1e-6 {
		t.Errorf("expected unit magnitude, got %f", magnitude)
	}
}

func TestLocalEmbedderEmptyText(t *testing.T) {
	e := NewLocalEmbedder(32)

	vector, err := e.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	for i, v := range vector {
		if v != 0 {
			t.Fatalf("expected zero vector for empty text, got %f at index %d", v, i)
		}
	}
}

func TestLocalEmbedderSimilarity(t *testing.T) {
	e := NewLocalEmbedder(256)
	ctx := context.Background()

	base, _ := e.Embed(ctx, "list all pending orders from last week")
	near, _ := e.Embed(ctx, "list pending orders from last week please")
	far, _ := e.Embed(ctx, "what is the weather in istanbul today")

	nearScore, err := CosineSimilarity(base, near)
	if err != nil {
		t.Fatalf("CosineSimilarity error: %v", err)
	}
	farScore, err := CosineSimilarity(base, far)
	if err != nil {
		t.Fatalf("CosineSimilarity error: %v", err)
	}

	if nearScore <= farScore {
		t.Errorf("expected related text to score higher: near=%f far=%f", nearScore, farScore)
	}
}

func TestLocalEmbedderDefaults(t *testing.T) {
	e := NewLocalEmbedder(0)
	if e.Dimension() != defaultLocalDimensions {
		t.Errorf("expected default dimension %d, got %d", defaultLocalDimensions, e.Dimension())
	}
	if e.Model() != "local-hash" {
		t.Errorf("unexpected model name %q", e.Model())
	}
}

func TestLocalEmbedderBatchOrder(t *testing.T) {
	e := NewLocalEmbedder(64)
	ctx := context.Background()

	texts := []string{"first entry", "second entry", "third entry"}
	batch, err := e.EmbedBatch(ctx, texts)
	if err != nil {
		t.Fatalf("EmbedBatch error: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(batch))
	}

	for i, text := range texts {
		single, _ := e.Embed(ctx, text)
		score, err := CosineSimilarity(batch[i], single)
		if err != nil {
			t.Fatalf("CosineSimilarity error: %v", err)
		}
		if math.Abs(score-1) > 1e-6 {
			t.Errorf("batch vector %d does not match single embed: similarity %f", i, score)
		}
	}
}
