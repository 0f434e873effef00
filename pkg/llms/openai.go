package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/httpclient"
	"github.com/munshi-ai/munshi/pkg/observability"
)

const (
	defaultOpenAIBaseURL = "https://api.openai.com/v1"

	// Images above this size are silently skipped rather than ballooning
	// the request.
	maxInlineImageBytes = 20 * 1024 * 1024
)

// OpenAIProvider implements LLMProvider against the chat completions
// API. Any OpenAI-compatible endpoint works through base_url.
type OpenAIProvider struct {
	cfg        config.LLMConfig
	httpClient *httpclient.Client
}

type openAIRequest struct {
	Model               string                `json:"model"`
	Messages            []openAIMessage       `json:"messages"`
	Temperature         float64               `json:"temperature"`
	MaxTokens           *int                  `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                  `json:"max_completion_tokens,omitempty"`
	Stream              bool                  `json:"stream"`
	StreamOptions       *openAIStreamOptions  `json:"stream_options,omitempty"`
	Tools               []openAITool          `json:"tools,omitempty"`
	ToolChoice          string                `json:"tool_choice,omitempty"`
	ResponseFormat      *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    interface{}      `json:"content,omitempty"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string                 `json:"name"`
	Schema map[string]interface{} `json:"schema"`
	Strict bool                   `json:"strict"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   openAIUsage    `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type openAIStreamResponse struct {
	Choices []openAIStreamChoice `json:"choices"`
	Usage   *openAIUsage         `json:"usage,omitempty"`
	Error   *openAIError         `json:"error,omitempty"`
}

type openAIStreamChoice struct {
	Delta        openAIDelta `json:"delta"`
	FinishReason string      `json:"finish_reason"`
}

type openAIDelta struct {
	Content   string           `json:"content,omitempty"`
	Reasoning string           `json:"reasoning,omitempty"`
	ToolCalls []openAIToolCall `json:"tool_calls,omitempty"`
}

// NewOpenAIProviderFromConfig creates an OpenAI provider. The API key is
// optional so that keyless local endpoints (Ollama) keep working.
func NewOpenAIProviderFromConfig(cfg *config.LLMConfig) (*OpenAIProvider, error) {
	c := *cfg
	if c.BaseURL == "" {
		c.BaseURL = defaultOpenAIBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	hc := &http.Client{Timeout: c.Timeout}
	if c.CACertificate != "" || c.InsecureSkipVerify {
		transport, err := httpclient.Transport(c.CACertificate, c.InsecureSkipVerify)
		if err != nil {
			return nil, fmt.Errorf("configuring TLS: %w", err)
		}
		hc.Transport = transport
	}

	return &OpenAIProvider{
		cfg: c,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(hc),
			httpclient.WithMaxRetries(c.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
		),
	}, nil
}

func (p *OpenAIProvider) GetModelName() string { return p.cfg.Model }

func (p *OpenAIProvider) GetMaxTokens() int { return p.cfg.MaxTokens }

func (p *OpenAIProvider) GetTemperature() float64 {
	if p.cfg.Temperature == nil {
		return 0
	}
	return *p.cfg.Temperature
}

func (p *OpenAIProvider) Close() error { return nil }

func (p *OpenAIProvider) Generate(ctx context.Context, messages []*Message, tools []ToolDefinition) (string, []*ToolCall, int, error) {
	start := time.Now()
	ctx, span := otel.Tracer(llmTracerName).Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.cfg.Model),
			attribute.String("provider", "openai"),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	text, toolCalls, usage, err := p.complete(ctx, p.buildRequest(messages, false, tools))
	duration := time.Since(start)
	observability.Global().RecordLLMCall(ctx, p.cfg.Model, duration, usage.PromptTokens, usage.CompletionTokens, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", nil, 0, err
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, usage.PromptTokens),
		attribute.Int(observability.AttrLLMTokensOutput, usage.CompletionTokens),
		attribute.Int("llm.tool_calls", len(toolCalls)),
	)
	span.SetStatus(codes.Ok, "")
	return text, toolCalls, usage.TotalTokens, nil
}

func (p *OpenAIProvider) GenerateStreaming(ctx context.Context, messages []*Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	req := p.buildRequest(messages, true, tools)

	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)

		start := time.Now()
		usage, err := p.makeStreamingRequest(ctx, req, outputCh)
		observability.Global().RecordLLMCall(ctx, p.cfg.Model, time.Since(start), usage.PromptTokens, usage.CompletionTokens, err)
		if err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Error: err}
		}
	}()

	return outputCh, nil
}

func (p *OpenAIProvider) GenerateStructured(ctx context.Context, messages []*Message, tools []ToolDefinition, structCfg *StructuredOutputConfig) (string, []*ToolCall, int, error) {
	start := time.Now()
	ctx, span := otel.Tracer(llmTracerName).Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.cfg.Model),
			attribute.String("provider", "openai"),
			attribute.Bool("structured", true),
		),
	)
	defer span.End()

	req := p.buildRequest(messages, false, tools)
	if structCfg != nil && structCfg.Format == "json" {
		if structCfg.Schema != nil {
			req.ResponseFormat = &openAIResponseFormat{
				Type: "json_schema",
				JSONSchema: &openAIJSONSchema{
					Name:   "response",
					Schema: structCfg.Schema,
					Strict: true,
				},
			}
		} else {
			req.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
		}
	}

	text, toolCalls, usage, err := p.complete(ctx, req)
	duration := time.Since(start)
	observability.Global().RecordLLMCall(ctx, p.cfg.Model, duration, usage.PromptTokens, usage.CompletionTokens, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", nil, 0, err
	}
	span.SetStatus(codes.Ok, "")
	return text, toolCalls, usage.TotalTokens, nil
}

func (p *OpenAIProvider) SupportsStructuredOutput() bool { return true }

// complete runs a non-streaming request and parses the first choice.
func (p *OpenAIProvider) complete(ctx context.Context, req openAIRequest) (string, []*ToolCall, openAIUsage, error) {
	response, err := p.makeRequest(ctx, req)
	if err != nil {
		return "", nil, openAIUsage{}, err
	}
	if response.Error != nil {
		return "", nil, openAIUsage{}, fmt.Errorf("openai API error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return "", nil, openAIUsage{}, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]

	text := ""
	if str, ok := choice.Message.Content.(string); ok {
		text = str
	}

	var toolCalls []*ToolCall
	if len(choice.Message.ToolCalls) > 0 {
		toolCalls, err = parseOpenAIToolCalls(choice.Message.ToolCalls)
		if err != nil {
			return text, nil, response.Usage, err
		}
	}

	return text, toolCalls, response.Usage, nil
}

func roleToOpenAI(role Role) string {
	switch role {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	default:
		return "system"
	}
}

func (p *OpenAIProvider) buildRequest(messages []*Message, stream bool, tools []ToolDefinition) openAIRequest {
	openaiMessages := make([]openAIMessage, 0, len(messages))
	for _, msg := range messages {
		if len(msg.ToolResults) > 0 {
			for _, tr := range msg.ToolResults {
				content := tr.Content
				if content == "" && tr.Error != "" {
					content = tr.Error
				}
				openaiMessages = append(openaiMessages, openAIMessage{
					Role:       "tool",
					Content:    content,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}

		openaiMsg := openAIMessage{
			Role:    roleToOpenAI(msg.Role),
			Content: openAIContent(msg),
		}

		if len(msg.ToolCalls) > 0 {
			openaiMsg.ToolCalls = make([]openAIToolCall, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				openaiMsg.ToolCalls[j] = openAIToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openAIFunctionCall{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				}
			}
		}

		openaiMessages = append(openaiMessages, openaiMsg)
	}

	// Reasoning models pin temperature to 1.0 and take the token limit
	// through max_completion_tokens instead of max_tokens.
	reasoning := isReasoningModel(p.cfg.Model)
	temperature := p.GetTemperature()
	if reasoning {
		temperature = 1.0
	}

	request := openAIRequest{
		Model:       p.cfg.Model,
		Messages:    openaiMessages,
		Temperature: temperature,
		Stream:      stream,
	}
	if stream {
		request.StreamOptions = &openAIStreamOptions{IncludeUsage: true}
	}
	if p.cfg.MaxTokens > 0 {
		limit := p.cfg.MaxTokens
		if reasoning {
			request.MaxCompletionTokens = &limit
		} else {
			request.MaxTokens = &limit
		}
	}

	if len(tools) > 0 {
		request.Tools = make([]openAITool, len(tools))
		for i, tool := range tools {
			request.Tools[i] = openAITool{
				Type:     "function",
				Function: openAIToolFunction(tool),
			}
		}
		request.ToolChoice = "auto"
	}

	return request
}

// openAIContent renders a message body as either a plain string or a
// content part array when the message is multi-modal.
func openAIContent(msg *Message) interface{} {
	if len(msg.Parts) == 0 {
		if msg.Content == "" && len(msg.ToolCalls) > 0 {
			return nil
		}
		return msg.Content
	}

	parts := make([]openAIContentPart, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		switch part.Type {
		case ContentPartText:
			parts = append(parts, openAIContentPart{Type: "text", Text: part.Text})
		case ContentPartImageURL:
			parts = append(parts, openAIContentPart{
				Type:     "image_url",
				ImageURL: &openAIImageURL{URL: part.Data},
			})
		case ContentPartImageBase64:
			raw, err := base64.StdEncoding.DecodeString(part.Data)
			if err != nil || len(raw) > maxInlineImageBytes {
				continue
			}
			mediaType := part.MediaType
			if mediaType == "" {
				mediaType = detectImageMediaType(raw)
			}
			if !strings.HasPrefix(mediaType, "image/") {
				continue
			}
			parts = append(parts, openAIContentPart{
				Type:     "image_url",
				ImageURL: &openAIImageURL{URL: fmt.Sprintf("data:%s;base64,%s", mediaType, part.Data)},
			})
		}
	}
	return parts
}

// detectImageMediaType sniffs the MIME type from image bytes.
func detectImageMediaType(data []byte) string {
	if t := http.DetectContentType(data); strings.HasPrefix(t, "image/") {
		return t
	}
	return "image/jpeg"
}

// isReasoningModel reports whether the model is an o-series or gpt-5
// family model, which use the reasoning API surface.
func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	switch m {
	case "o1", "o3", "o4", "gpt-5":
		return true
	}
	for _, prefix := range []string{"o1-", "o3-", "o4-", "gpt-5-"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

func parseOpenAIToolCalls(raw []openAIToolCall) ([]*ToolCall, error) {
	result := make([]*ToolCall, len(raw))
	for i, tc := range raw {
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
			}
		}
		result[i] = &ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args}
	}
	return result, nil
}

// parseOpenAIErrorBody extracts structured error details from an API
// error response, if present.
func parseOpenAIErrorBody(body []byte) *openAIError {
	if len(body) == 0 {
		return nil
	}
	var errorResp struct {
		Error openAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}

func (p *OpenAIProvider) newRequest(ctx context.Context, request openAIRequest) (*http.Request, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}

	// GetBody lets the retrying client replay the request.
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}
	return req, nil
}

// checkResponse surfaces non-200 responses as errors with whatever
// detail the body carries. The transport error stays in the chain so
// rate-limit give-ups remain recognizable upstream.
func checkOpenAIResponse(resp *http.Response, err error) (*http.Response, error) {
	if resp != nil && resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		body, readErr := io.ReadAll(resp.Body)

		var detail error
		switch {
		case readErr != nil:
			detail = fmt.Errorf("API request failed with status %d (unreadable body: %v)", resp.StatusCode, readErr)
		default:
			if apiErr := parseOpenAIErrorBody(body); apiErr != nil {
				detail = fmt.Errorf("API request failed with status %d: %s (type: %s, code: %s)",
					resp.StatusCode, apiErr.Message, apiErr.Type, apiErr.Code)
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

func (p *OpenAIProvider) makeRequest(ctx context.Context, request openAIRequest) (*openAIResponse, error) {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := checkOpenAIResponse(p.httpClient.Do(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &response, nil
}

func (p *OpenAIProvider) makeStreamingRequest(ctx context.Context, request openAIRequest, outputCh chan<- StreamChunk) (openAIUsage, error) {
	var usage openAIUsage

	req, err := p.newRequest(ctx, request)
	if err != nil {
		return usage, err
	}

	resp, err := checkOpenAIResponse(p.httpClient.Do(req))
	if err != nil {
		return usage, err
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)

	// Tool call deltas arrive id-first, then argument fragments for the
	// most recent call.
	toolCallsMap := make(map[int]*openAIToolCall)
	var thinking strings.Builder
	inThinking := false

	flushThinking := func() {
		if inThinking {
			outputCh <- StreamChunk{Type: ChunkThinkingComplete, Text: thinking.String()}
			thinking.Reset()
			inThinking = false
		}
	}

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				break
			}
			return usage, fmt.Errorf("failed to read stream: %w", err)
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 || !bytes.HasPrefix(line, []byte("data: ")) {
			continue
		}
		line = line[6:]

		if bytes.Equal(line, []byte("[DONE]")) {
			break
		}

		var streamResp openAIStreamResponse
		if err := json.Unmarshal(line, &streamResp); err != nil {
			continue
		}
		if streamResp.Error != nil {
			return usage, fmt.Errorf("API error: %s", streamResp.Error.Message)
		}
		if streamResp.Usage != nil {
			usage = *streamResp.Usage
		}
		if len(streamResp.Choices) == 0 {
			continue
		}

		choice := streamResp.Choices[0]

		if choice.Delta.Reasoning != "" {
			inThinking = true
			thinking.WriteString(choice.Delta.Reasoning)
			outputCh <- StreamChunk{Type: ChunkThinking, Text: choice.Delta.Reasoning}
		}

		if choice.Delta.Content != "" {
			flushThinking()
			outputCh <- StreamChunk{Type: ChunkText, Text: choice.Delta.Content}
		}

		for _, deltaCall := range choice.Delta.ToolCalls {
			if deltaCall.ID != "" {
				toolCallsMap[len(toolCallsMap)] = &openAIToolCall{
					ID:       deltaCall.ID,
					Type:     deltaCall.Type,
					Function: deltaCall.Function,
				}
			} else if len(toolCallsMap) > 0 {
				last := toolCallsMap[len(toolCallsMap)-1]
				last.Function.Arguments += deltaCall.Function.Arguments
			}
		}

		if choice.FinishReason == "stop" || choice.FinishReason == "tool_calls" {
			flushThinking()

			accumulated := make([]openAIToolCall, 0, len(toolCallsMap))
			for i := 0; i < len(toolCallsMap); i++ {
				if tc, ok := toolCallsMap[i]; ok {
					accumulated = append(accumulated, *tc)
				}
			}
			if len(accumulated) > 0 {
				if toolCalls, err := parseOpenAIToolCalls(accumulated); err == nil {
					for _, tc := range toolCalls {
						outputCh <- StreamChunk{Type: ChunkToolCall, ToolCall: tc}
					}
				}
			}
			// Keep reading: the usage chunk trails the final choice.
		}
	}

	flushThinking()
	outputCh <- StreamChunk{Type: ChunkDone, Tokens: usage.TotalTokens}
	return usage, nil
}

var _ StructuredOutputProvider = (*OpenAIProvider)(nil)
