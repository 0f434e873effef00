package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
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
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

// AnthropicProvider implements LLMProvider against the Anthropic
// messages API.
type AnthropicProvider struct {
	cfg        config.LLMConfig
	httpClient *httpclient.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicContent struct {
	Type      string                  `json:"type"`
	Text      string                  `json:"text,omitempty"`
	ID        string                  `json:"id,omitempty"`
	Name      string                  `json:"name,omitempty"`
	Input     *map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                  `json:"tool_use_id,omitempty"`
	Content   string                  `json:"content,omitempty"`
	IsError   bool                    `json:"is_error,omitempty"`
	Source    *anthropicImageSource   `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicResponse struct {
	ID         string             `json:"id"`
	Role       string             `json:"role"`
	Content    []anthropicContent `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthropicUsage     `json:"usage"`
	Error      *anthropicError    `json:"error,omitempty"`
}

type anthropicStreamResponse struct {
	Type         string             `json:"type"`
	Index        int                `json:"index,omitempty"`
	Delta        *anthropicDelta    `json:"delta,omitempty"`
	ContentBlock *anthropicContent  `json:"content_block,omitempty"`
	Message      *anthropicResponse `json:"message,omitempty"`
	Usage        *anthropicUsage    `json:"usage,omitempty"`
	Error        *anthropicError    `json:"error,omitempty"`
}

type anthropicDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAnthropicProviderFromConfig creates an Anthropic provider.
func NewAnthropicProviderFromConfig(cfg *config.LLMConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Anthropic")
	}

	c := *cfg
	if c.BaseURL == "" {
		c.BaseURL = defaultAnthropicBaseURL
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

	return &AnthropicProvider{
		cfg: c,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(hc),
			httpclient.WithMaxRetries(c.MaxRetries),
			httpclient.WithHeaderParser(httpclient.ParseAnthropicHeaders),
		),
	}, nil
}

func (p *AnthropicProvider) GetModelName() string { return p.cfg.Model }

func (p *AnthropicProvider) GetMaxTokens() int { return p.cfg.MaxTokens }

func (p *AnthropicProvider) GetTemperature() float64 {
	if p.cfg.Temperature == nil {
		return 0
	}
	return *p.cfg.Temperature
}

func (p *AnthropicProvider) Close() error { return nil }

func (p *AnthropicProvider) Generate(ctx context.Context, messages []*Message, tools []ToolDefinition) (string, []*ToolCall, int, error) {
	start := time.Now()
	ctx, span := otel.Tracer(llmTracerName).Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.cfg.Model),
			attribute.String("provider", "anthropic"),
			attribute.Bool("streaming", false),
		),
	)
	defer span.End()

	text, toolCalls, usage, err := p.complete(ctx, p.buildRequest(messages, false, tools))
	duration := time.Since(start)
	observability.Global().RecordLLMCall(ctx, p.cfg.Model, duration, usage.InputTokens, usage.OutputTokens, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", nil, 0, err
	}

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, usage.InputTokens),
		attribute.Int(observability.AttrLLMTokensOutput, usage.OutputTokens),
		attribute.Int("llm.tool_calls", len(toolCalls)),
	)
	span.SetStatus(codes.Ok, "")
	return text, toolCalls, usage.InputTokens + usage.OutputTokens, nil
}

func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, messages []*Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	req := p.buildRequest(messages, true, tools)

	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)

		start := time.Now()
		usage, err := p.makeStreamingRequest(ctx, req, outputCh)
		observability.Global().RecordLLMCall(ctx, p.cfg.Model, time.Since(start), usage.InputTokens, usage.OutputTokens, err)
		if err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Error: err}
		}
	}()

	return outputCh, nil
}

// GenerateStructured constrains the response by appending the schema to
// the system prompt and prefilling the assistant turn. Anthropic has no
// native response_format, so the prefill trick carries the contract.
func (p *AnthropicProvider) GenerateStructured(ctx context.Context, messages []*Message, tools []ToolDefinition, structCfg *StructuredOutputConfig) (string, []*ToolCall, int, error) {
	start := time.Now()
	ctx, span := otel.Tracer(llmTracerName).Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.cfg.Model),
			attribute.String("provider", "anthropic"),
			attribute.Bool("structured", true),
		),
	)
	defer span.End()

	req := p.buildRequest(messages, false, tools)
	if schemaPrompt := anthropicSchemaPrompt(structCfg); schemaPrompt != "" {
		if req.System != "" {
			req.System += "\n\n" + schemaPrompt
		} else {
			req.System = schemaPrompt
		}
	}

	prefill := ""
	if structCfg != nil && structCfg.Format == "json" {
		prefill = "{"
		if structCfg.Prefill != "" {
			prefill = structCfg.Prefill
		}
		req.Messages = append(req.Messages, anthropicMessage{Role: "assistant", Content: prefill})
	}

	text, toolCalls, usage, err := p.complete(ctx, req)
	duration := time.Since(start)
	observability.Global().RecordLLMCall(ctx, p.cfg.Model, duration, usage.InputTokens, usage.OutputTokens, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", nil, 0, err
	}

	span.SetStatus(codes.Ok, "")
	return prefill + text, toolCalls, usage.InputTokens + usage.OutputTokens, nil
}

func (p *AnthropicProvider) SupportsStructuredOutput() bool { return true }

func (p *AnthropicProvider) complete(ctx context.Context, req anthropicRequest) (string, []*ToolCall, anthropicUsage, error) {
	response, err := p.makeRequest(ctx, req)
	if err != nil {
		return "", nil, anthropicUsage{}, err
	}
	if response.Error != nil {
		return "", nil, anthropicUsage{}, fmt.Errorf("anthropic API error: %s (type: %s)", response.Error.Message, response.Error.Type)
	}

	var text string
	var toolCalls []*ToolCall
	for _, content := range response.Content {
		switch content.Type {
		case "text":
			text += content.Text
		case "tool_use":
			var args map[string]interface{}
			if content.Input != nil {
				args = *content.Input
			}
			toolCalls = append(toolCalls, &ToolCall{ID: content.ID, Name: content.Name, Args: args})
		}
	}

	return text, toolCalls, response.Usage, nil
}

func (p *AnthropicProvider) buildRequest(messages []*Message, stream bool, tools []ToolDefinition) anthropicRequest {
	var systemParts []string
	anthropicMessages := make([]anthropicMessage, 0, len(messages))

	for _, msg := range messages {
		switch {
		case msg.Role == RoleSystem:
			if text := msg.Text(); text != "" {
				systemParts = append(systemParts, text)
			}

		case len(msg.ToolResults) > 0:
			blocks := make([]anthropicContent, 0, len(msg.ToolResults))
			for _, tr := range msg.ToolResults {
				content := tr.Content
				if content == "" && tr.Error != "" {
					content = tr.Error
				}
				blocks = append(blocks, anthropicContent{
					Type:      "tool_result",
					ToolUseID: tr.ToolCallID,
					Content:   content,
					IsError:   tr.Error != "",
				})
			}
			anthropicMessages = append(anthropicMessages, anthropicMessage{Role: "user", Content: blocks})

		case msg.Role == RoleUser:
			anthropicMessages = append(anthropicMessages, anthropicMessage{
				Role:    "user",
				Content: anthropicUserContent(msg),
			})

		case msg.Role == RoleAssistant:
			contents := []anthropicContent{}
			if text := msg.Text(); text != "" {
				contents = append(contents, anthropicContent{Type: "text", Text: text})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Args
				if input == nil {
					input = make(map[string]interface{})
				}
				contents = append(contents, anthropicContent{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: &input,
				})
			}
			if len(contents) > 0 {
				anthropicMessages = append(anthropicMessages, anthropicMessage{Role: "assistant", Content: contents})
			}
		}
	}

	request := anthropicRequest{
		Model:       p.cfg.Model,
		Messages:    anthropicMessages,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.GetTemperature(),
		Stream:      stream,
		System:      strings.Join(systemParts, "\n\n"),
	}

	if len(tools) > 0 {
		request.Tools = make([]anthropicTool, len(tools))
		for i, tool := range tools {
			request.Tools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
	}
	return request
}

// anthropicUserContent renders a user message as content blocks,
// carrying image parts through as source blocks.
func anthropicUserContent(msg *Message) []anthropicContent {
	if len(msg.Parts) == 0 {
		return []anthropicContent{{Type: "text", Text: msg.Content}}
	}

	blocks := make([]anthropicContent, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		switch part.Type {
		case ContentPartText:
			blocks = append(blocks, anthropicContent{Type: "text", Text: part.Text})
		case ContentPartImageURL:
			blocks = append(blocks, anthropicContent{
				Type:   "image",
				Source: &anthropicImageSource{Type: "url", URL: part.Data},
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
			blocks = append(blocks, anthropicContent{
				Type:   "image",
				Source: &anthropicImageSource{Type: "base64", MediaType: mediaType, Data: part.Data},
			})
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, anthropicContent{Type: "text", Text: msg.Content})
	}
	return blocks
}

func anthropicSchemaPrompt(structCfg *StructuredOutputConfig) string {
	if structCfg == nil || structCfg.Schema == nil {
		return ""
	}
	schemaJSON, err := json.MarshalIndent(structCfg.Schema, "", "  ")
	if err != nil {
		return ""
	}
	return fmt.Sprintf(`You must respond with valid JSON matching this exact schema:

%s

Important:
- Output ONLY valid JSON, no other text
- All required fields must be present
- Follow the exact structure specified
- Use correct data types for each field`, string(schemaJSON))
}

func (p *AnthropicProvider) newRequest(ctx context.Context, request anthropicRequest) (*http.Request, error) {
	jsonData, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(jsonData)), nil
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.cfg.APIKey)
	req.Header.Set("anthropic-version", anthropicVersion)
	return req, nil
}

func (p *AnthropicProvider) makeRequest(ctx context.Context, request anthropicRequest) (*anthropicResponse, error) {
	req, err := p.newRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	resp, err := p.httpClient.Do(req)
	if resp == nil {
		if err != nil {
			return nil, fmt.Errorf("failed to make request: %w", err)
		}
		return nil, fmt.Errorf("failed to make request: no response received")
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		detail := fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, string(body))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", detail, err)
		}
		return nil, errors.New(detail)
	}
	if readErr != nil {
		return nil, fmt.Errorf("failed to read response: %w", readErr)
	}

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &response, nil
}

func (p *AnthropicProvider) makeStreamingRequest(ctx context.Context, request anthropicRequest, outputCh chan<- StreamChunk) (anthropicUsage, error) {
	var usage anthropicUsage

	req, err := p.newRequest(ctx, request)
	if err != nil {
		return usage, err
	}

	resp, err := p.httpClient.Do(req)
	if resp == nil {
		if err != nil {
			return usage, fmt.Errorf("failed to make request: %w", err)
		}
		return usage, fmt.Errorf("failed to make request: no response received")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		detail := fmt.Sprintf("API request failed with status %d: %s", resp.StatusCode, string(body))
		if err != nil {
			return usage, fmt.Errorf("%s: %w", detail, err)
		}
		return usage, errors.New(detail)
	}

	toolCalls := make(map[int]*ToolCall)
	toolJSONBuffers := make(map[int]string)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		jsonData := strings.TrimPrefix(line, "data: ")

		var streamResp anthropicStreamResponse
		if err := json.Unmarshal([]byte(jsonData), &streamResp); err != nil {
			return usage, fmt.Errorf("failed to decode streaming response: %w", err)
		}

		switch streamResp.Type {
		case "error":
			if streamResp.Error != nil {
				return usage, fmt.Errorf("anthropic API error: %s", streamResp.Error.Message)
			}

		case "message_start":
			if streamResp.Message != nil {
				usage.InputTokens = streamResp.Message.Usage.InputTokens
			}

		case "content_block_start":
			if streamResp.ContentBlock != nil && streamResp.ContentBlock.Type == "tool_use" {
				toolCalls[streamResp.Index] = &ToolCall{
					ID:   streamResp.ContentBlock.ID,
					Name: streamResp.ContentBlock.Name,
					Args: make(map[string]interface{}),
				}
				toolJSONBuffers[streamResp.Index] = ""
			}

		case "content_block_delta":
			if streamResp.Delta != nil {
				if streamResp.Delta.Text != "" {
					outputCh <- StreamChunk{Type: ChunkText, Text: streamResp.Delta.Text}
				}
				if streamResp.Delta.Type == "input_json_delta" && streamResp.Delta.PartialJSON != "" {
					toolJSONBuffers[streamResp.Index] += streamResp.Delta.PartialJSON
				}
			}

		case "content_block_stop":
			if tc, ok := toolCalls[streamResp.Index]; ok {
				if jsonStr := toolJSONBuffers[streamResp.Index]; jsonStr != "" {
					var args map[string]interface{}
					if err := json.Unmarshal([]byte(jsonStr), &args); err == nil {
						tc.Args = args
					}
				}
				outputCh <- StreamChunk{Type: ChunkToolCall, ToolCall: tc}
			}

		case "message_delta":
			if streamResp.Usage != nil {
				usage.OutputTokens = streamResp.Usage.OutputTokens
			}

		case "message_stop":
			outputCh <- StreamChunk{Type: ChunkDone, Tokens: usage.InputTokens + usage.OutputTokens}
			return usage, nil
		}
	}

	if err := scanner.Err(); err != nil {
		return usage, fmt.Errorf("failed to read streaming response: %w", err)
	}

	outputCh <- StreamChunk{Type: ChunkDone, Tokens: usage.InputTokens + usage.OutputTokens}
	return usage, nil
}

var _ StructuredOutputProvider = (*AnthropicProvider)(nil)
