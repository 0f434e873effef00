package embedder

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

const defaultLocalDimensions = 256

// LocalEmbedder produces deterministic embeddings with the hashing
// trick: tokens are hashed into a fixed-size vector and the result is
// L2 normalized. Similar texts share buckets and score high on cosine
// similarity. No network, no credentials, stable across runs, which is
// what dev and test environments need. Not a substitute for a real
// embedding model in production.
type LocalEmbedder struct {
	dimensions int
}

// NewLocalEmbedder creates a local embedder with the given vector
// dimension. Non-positive dimensions fall back to the default.
func NewLocalEmbedder(dimensions int) *LocalEmbedder {
	if dimensions <= 0 {
		dimensions = defaultLocalDimensions
	}
	return &LocalEmbedder{dimensions: dimensions}
}

func (e *LocalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vector := make([]float64, e.dimensions)

	tokens := tokenize(text)
	for _, token := range tokens {
		bucket, sign := hashToken(token, e.dimensions)
		vector[bucket] += sign
	}
	// Token bigrams keep word order relevant.
	for i := 0; i+1 < len(tokens); i++ {
		bucket, sign := hashToken(tokens[i]+" "+tokens[i+1], e.dimensions)
		vector[bucket] += sign
	}

	return normalize(vector), nil
}

func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = v
	}
	return vectors, nil
}

func (e *LocalEmbedder) Dimension() int { return e.dimensions }

func (e *LocalEmbedder) Model() string { return "local-hash" }

func (e *LocalEmbedder) Close() error { return nil }

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// hashToken maps a token to a bucket and a +1/-1 sign. The sign bit
// keeps unrelated texts near-orthogonal in expectation.
func hashToken(token string, dimensions int) (int, float64) {
	h := fnv.New64a()
	h.Write([]byte(token))
	sum := h.Sum64()

	bucket := int(sum % uint64(dimensions))
	sign := 1.0
	if sum&(1<<63) != 0 {
		sign = -1.0
	}
	return bucket, sign
}

func normalize(vector []float64) []float32 {
	var magnitude float64
	for _, v := range vector {
		magnitude += v * v
	}
	magnitude = math.Sqrt(magnitude)

	result := make([]float32, len(vector))
	if magnitude == 0 {
		return result
	}
	for i, v := range vector {
		result[i] = float32(v / magnitude)
	}
	return result
}

var _ Embedder = (*LocalEmbedder)(nil)
