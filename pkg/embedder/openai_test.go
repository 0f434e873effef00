package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/munshi-ai/munshi/pkg/config"
)

func testEmbedderConfig(baseURL string) *config.EmbedderConfig {
	return &config.EmbedderConfig{
		Provider:   config.EmbedderProviderOpenAI,
		Model:      "text-embedding-3-small",
		APIKey:     "sk-test",
		BaseURL:    baseURL,
		Dimensions: 4,
	}
}

func TestNewOpenAIEmbedderRequiresAPIKey(t *testing.T) {
	if _, err := NewOpenAIEmbedder(&config.EmbedderConfig{Model: "text-embedding-3-small"}); err == nil {
		t.Error("expected error without API key")
	}

	// A custom base URL implies a local server that may not need a key.
	if _, err := NewOpenAIEmbedder(&config.EmbedderConfig{
		Model:   "nomic-embed-text",
		BaseURL: "http://localhost:11434/v1",
	}); err != nil {
		t.Errorf("unexpected error with base URL and no key: %v", err)
	}
}

func TestOpenAIEmbedBatch(t *testing.T) {
	var captured embeddingRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("unexpected Authorization header %q", got)
		}
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}

		// Return results out of order to exercise index-based assembly.
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"index": 1, "embedding": []float32{0, 1, 0, 0}},
				{"index": 0, "embedding": []float32{1, 0, 0, 0}},
			},
		})
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(testEmbedderConfig(server.URL))
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder error: %v", err)
	}

	vectors, err := e.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedBatch error: %v", err)
	}

	if captured.Model != "text-embedding-3-small" {
		t.Errorf("unexpected model %q", captured.Model)
	}
	if captured.Dimensions == nil || *captured.Dimensions != 4 {
		t.Errorf("expected dimensions=4 in request, got %v", captured.Dimensions)
	}
	if len(captured.Input) != 2 || captured.Input[0] != "first" {
		t.Errorf("unexpected input %v", captured.Input)
	}

	if len(vectors) != 2 {
		t.Fatalf("expected 2 vectors, got %d", len(vectors))
	}
	if vectors[0][0] != 1 || vectors[1][1] != 1 {
		t.Errorf("results not reordered by index: %v", vectors)
	}
}

func TestOpenAIEmbedBatchSplitsLargeInput(t *testing.T) {
	var requests int
	var batchSizes []int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		requests++
		batchSizes = append(batchSizes, len(req.Input))

		data := make([]map[string]interface{}, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]interface{}{"index": i, "embedding": []float32{1, 0, 0, 0}}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(testEmbedderConfig(server.URL))
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder error: %v", err)
	}

	texts := make([]string, 150)
	for i := range texts {
		texts[i] = "item"
	}
	vectors, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch error: %v", err)
	}

	if requests != 2 {
		t.Errorf("expected 2 requests, got %d", requests)
	}
	if len(batchSizes) != 2 || batchSizes[0] != 100 || batchSizes[1] != 50 {
		t.Errorf("unexpected batch sizes %v", batchSizes)
	}
	if len(vectors) != 150 {
		t.Errorf("expected 150 vectors, got %d", len(vectors))
	}
}

func TestOpenAIDimensionsOnlyForV3Models(t *testing.T) {
	var captured embeddingRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Fatalf("failed to decode request: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{{"index": 0, "embedding": []float32{1, 0}}},
		})
	}))
	defer server.Close()

	cfg := testEmbedderConfig(server.URL)
	cfg.Model = "nomic-embed-text"
	e, err := NewOpenAIEmbedder(cfg)
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder error: %v", err)
	}

	if _, err := e.Embed(context.Background(), "hello"); err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if captured.Dimensions != nil {
		t.Errorf("dimensions should be omitted for %q, got %v", cfg.Model, *captured.Dimensions)
	}
}

func TestOpenAIEmbedAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{
				"message": "Incorrect API key provided",
				"type":    "invalid_request_error",
			},
		})
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(testEmbedderConfig(server.URL))
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder error: %v", err)
	}

	_, err = e.Embed(context.Background(), "hello")
	if err == nil {
		t.Fatal("expected error from API failure")
	}
	if got := err.Error(); !strings.Contains(got, "Incorrect API key provided") {
		t.Errorf("error should carry API message, got %q", got)
	}
}

func TestOpenAIEmbedCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{},
		})
	}))
	defer server.Close()

	e, err := NewOpenAIEmbedder(testEmbedderConfig(server.URL))
	if err != nil {
		t.Fatalf("NewOpenAIEmbedder error: %v", err)
	}

	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Error("expected error when result count does not match input count")
	}
}
