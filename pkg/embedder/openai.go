package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/httpclient"
)

const (
	defaultEmbedderBaseURL = "https://api.openai.com/v1"
	defaultEmbedderTimeout = 30 * time.Second

	// The embeddings API caps input arrays well above this, but large
	// batches trip token limits long before the array limit.
	embedBatchSize = 100
)

// OpenAIEmbedder calls an OpenAI-compatible embeddings endpoint. Any
// compatible server works through base_url.
type OpenAIEmbedder struct {
	cfg        config.EmbedderConfig
	httpClient *httpclient.Client
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions *int     `json:"dimensions,omitempty"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *embeddingError `json:"error,omitempty"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

type embeddingError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// NewOpenAIEmbedder creates an embedder backed by an OpenAI-compatible
// API. An API key is required unless base_url points elsewhere.
func NewOpenAIEmbedder(cfg *config.EmbedderConfig) (*OpenAIEmbedder, error) {
	c := *cfg
	if c.BaseURL == "" {
		if c.APIKey == "" {
			return nil, fmt.Errorf("openai embedder requires an API key")
		}
		c.BaseURL = defaultEmbedderBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	return &OpenAIEmbedder{
		cfg: c,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: defaultEmbedderTimeout}),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
		}
		copy(vectors[start:end], batch)
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) Dimension() int { return e.cfg.Dimensions }

func (e *OpenAIEmbedder) Model() string { return e.cfg.Model }

func (e *OpenAIEmbedder) Close() error { return nil }

func (e *OpenAIEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	request := embeddingRequest{
		Model: e.cfg.Model,
		Input: texts,
	}
	// Only text-embedding-3 models accept a dimensions parameter.
	if e.cfg.Dimensions > 0 && strings.HasPrefix(e.cfg.Model, "text-embedding-3") {
		dims := e.cfg.Dimensions
		request.Dimensions = &dims
	}

	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/embeddings", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := checkEmbeddingResponse(e.httpClient.Do(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response embeddingResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if response.Error != nil {
		return nil, fmt.Errorf("embeddings API error: %s", response.Error.Message)
	}
	if len(response.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Data))
	}

	// Results carry an index field; order in the array is not guaranteed.
	vectors := make([][]float32, len(texts))
	for _, data := range response.Data {
		if data.Index < 0 || data.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", data.Index)
		}
		vectors[data.Index] = data.Embedding
	}
	return vectors, nil
}

func checkEmbeddingResponse(resp *http.Response, err error) (*http.Response, error) {
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)

		var detail error
		switch {
		case readErr != nil:
			detail = fmt.Errorf("API request failed with status %d (unreadable body: %v)", resp.StatusCode, readErr)
		default:
			var errorResp embeddingResponse
			if jsonErr := json.Unmarshal(body, &errorResp); jsonErr == nil && errorResp.Error != nil {
				detail = fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, errorResp.Error.Message)
			} else {
				detail = fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(body))
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", detail, err)
		}
		return nil, detail
	}
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("HTTP request failed: no response received")
	}
	return resp, nil
}

var _ Embedder = (*OpenAIEmbedder)(nil)
