package llms

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/observability"
)

// GeminiProvider implements LLMProvider on the official genai SDK.
type GeminiProvider struct {
	cfg    config.LLMConfig
	client *genai.Client
}

// NewGeminiProviderFromConfig creates a Gemini provider.
func NewGeminiProviderFromConfig(cfg *config.LLMConfig) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required for Gemini")
	}

	cc := &genai.ClientConfig{APIKey: cfg.APIKey}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}

	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{cfg: *cfg, client: client}, nil
}

func (p *GeminiProvider) GetModelName() string { return p.cfg.Model }

func (p *GeminiProvider) GetMaxTokens() int { return p.cfg.MaxTokens }

func (p *GeminiProvider) GetTemperature() float64 {
	if p.cfg.Temperature == nil {
		return 0
	}
	return *p.cfg.Temperature
}

func (p *GeminiProvider) Close() error { return nil }

func (p *GeminiProvider) Generate(ctx context.Context, messages []*Message, tools []ToolDefinition) (string, []*ToolCall, int, error) {
	return p.generate(ctx, messages, tools, nil)
}

func (p *GeminiProvider) GenerateStructured(ctx context.Context, messages []*Message, tools []ToolDefinition, structCfg *StructuredOutputConfig) (string, []*ToolCall, int, error) {
	return p.generate(ctx, messages, tools, structCfg)
}

func (p *GeminiProvider) SupportsStructuredOutput() bool { return true }

func (p *GeminiProvider) generate(ctx context.Context, messages []*Message, tools []ToolDefinition, structCfg *StructuredOutputConfig) (string, []*ToolCall, int, error) {
	start := time.Now()
	ctx, span := otel.Tracer(llmTracerName).Start(ctx, observability.SpanLLMRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrLLMModel, p.cfg.Model),
			attribute.String("provider", "gemini"),
			attribute.Bool("structured", structCfg != nil),
		),
	)
	defer span.End()

	contents, system := geminiContents(messages)
	genCfg := p.generationConfig(system, tools, structCfg)

	resp, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, contents, genCfg)
	duration := time.Since(start)
	if err != nil {
		observability.Global().RecordLLMCall(ctx, p.cfg.Model, duration, 0, 0, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", nil, 0, fmt.Errorf("gemini generation failed: %w", err)
	}

	text, toolCalls, inTokens, outTokens := parseGeminiResponse(resp)
	observability.Global().RecordLLMCall(ctx, p.cfg.Model, duration, inTokens, outTokens, nil)

	span.SetAttributes(
		attribute.Int(observability.AttrLLMTokensInput, inTokens),
		attribute.Int(observability.AttrLLMTokensOutput, outTokens),
		attribute.Int("llm.tool_calls", len(toolCalls)),
	)
	span.SetStatus(codes.Ok, "")
	return text, toolCalls, inTokens + outTokens, nil
}

func (p *GeminiProvider) GenerateStreaming(ctx context.Context, messages []*Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	contents, system := geminiContents(messages)
	genCfg := p.generationConfig(system, tools, nil)

	outputCh := make(chan StreamChunk, 100)
	go func() {
		defer close(outputCh)

		start := time.Now()
		inTokens, outTokens, err := p.stream(ctx, contents, genCfg, outputCh)
		observability.Global().RecordLLMCall(ctx, p.cfg.Model, time.Since(start), inTokens, outTokens, err)
		if err != nil {
			outputCh <- StreamChunk{Type: ChunkError, Error: err}
		}
	}()

	return outputCh, nil
}

func (p *GeminiProvider) stream(ctx context.Context, contents []*genai.Content, genCfg *genai.GenerateContentConfig, outputCh chan<- StreamChunk) (int, int, error) {
	var inTokens, outTokens, totalTokens int

	// The same function call can repeat across chunks with an empty ID,
	// so emitted calls are tracked by a stable identifier.
	emitted := make(map[string]bool)
	var thinking strings.Builder
	inThinking := false

	flushThinking := func() {
		if inThinking {
			outputCh <- StreamChunk{Type: ChunkThinkingComplete, Text: thinking.String()}
			thinking.Reset()
			inThinking = false
		}
	}

	for resp, err := range p.client.Models.GenerateContentStream(ctx, p.cfg.Model, contents, genCfg) {
		if err != nil {
			return inTokens, outTokens, fmt.Errorf("gemini streaming error: %w", err)
		}

		if resp.UsageMetadata != nil {
			inTokens = int(resp.UsageMetadata.PromptTokenCount)
			outTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			totalTokens = int(resp.UsageMetadata.TotalTokenCount)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}

		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" {
				if part.Thought {
					inThinking = true
					thinking.WriteString(part.Text)
					outputCh <- StreamChunk{Type: ChunkThinking, Text: part.Text}
					continue
				}
				flushThinking()
				outputCh <- StreamChunk{Type: ChunkText, Text: part.Text}
			}

			if part.FunctionCall != nil {
				flushThinking()

				id := part.FunctionCall.ID
				if id == "" {
					id = stableToolCallID(part.FunctionCall.Name, part.FunctionCall.Args)
				}
				if emitted[id] {
					continue
				}
				emitted[id] = true

				outputCh <- StreamChunk{Type: ChunkToolCall, ToolCall: &ToolCall{
					ID:   id,
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				}}
			}
		}
	}

	flushThinking()
	outputCh <- StreamChunk{Type: ChunkDone, Tokens: totalTokens}
	return inTokens, outTokens, nil
}

// geminiContents converts messages to genai contents, splitting system
// messages out into the system instruction.
func geminiContents(messages []*Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var systemParts []string

	for _, msg := range messages {
		switch {
		case msg.Role == RoleSystem:
			if text := msg.Text(); text != "" {
				systemParts = append(systemParts, text)
			}

		case len(msg.ToolResults) > 0:
			parts := make([]*genai.Part, 0, len(msg.ToolResults))
			for _, tr := range msg.ToolResults {
				response := map[string]any{"result": tr.Content}
				if tr.Error != "" {
					response = map[string]any{"error": tr.Error}
				}
				parts = append(parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       tr.ToolCallID,
						Name:     tr.ToolName,
						Response: response,
					},
				})
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: parts})

		case msg.Role == RoleAssistant:
			var parts []*genai.Part
			if text := msg.Text(); text != "" {
				parts = append(parts, &genai.Part{Text: text})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: tc.Args},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}

		default:
			if parts := geminiUserParts(msg); len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "user", Parts: parts})
			}
		}
	}

	var system *genai.Content
	if len(systemParts) > 0 {
		system = &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: strings.Join(systemParts, "\n\n")}},
		}
	}
	return contents, system
}

func geminiUserParts(msg *Message) []*genai.Part {
	if len(msg.Parts) == 0 {
		if msg.Content == "" {
			return nil
		}
		return []*genai.Part{{Text: msg.Content}}
	}

	parts := make([]*genai.Part, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		switch part.Type {
		case ContentPartText:
			parts = append(parts, &genai.Part{Text: part.Text})
		case ContentPartImageURL:
			parts = append(parts, &genai.Part{
				FileData: &genai.FileData{MIMEType: part.MediaType, FileURI: part.Data},
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
			parts = append(parts, &genai.Part{
				InlineData: &genai.Blob{MIMEType: mediaType, Data: raw},
			})
		}
	}
	return parts
}

func (p *GeminiProvider) generationConfig(system *genai.Content, tools []ToolDefinition, structCfg *StructuredOutputConfig) *genai.GenerateContentConfig {
	genCfg := &genai.GenerateContentConfig{
		SystemInstruction: system,
	}
	if p.cfg.Temperature != nil {
		genCfg.Temperature = genai.Ptr(float32(*p.cfg.Temperature))
	}
	if p.cfg.MaxTokens > 0 {
		genCfg.MaxOutputTokens = int32(p.cfg.MaxTokens)
	}

	if len(tools) > 0 {
		declarations := make([]*genai.FunctionDeclaration, len(tools))
		for i, tool := range tools {
			declarations[i] = &genai.FunctionDeclaration{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  toGenaiSchema(tool.Parameters),
			}
		}
		genCfg.Tools = []*genai.Tool{{FunctionDeclarations: declarations}}
	}

	if structCfg != nil && structCfg.Format == "json" {
		genCfg.ResponseMIMEType = "application/json"
		if structCfg.Schema != nil {
			genCfg.ResponseSchema = toGenaiSchema(structCfg.Schema)
		}
	}
	return genCfg
}

// toGenaiSchema converts a JSON Schema object to the SDK schema type.
// Type names are uppercased to match the API enum.
func toGenaiSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]interface{}); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]interface{}); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]interface{}); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}
	return s
}

func parseGeminiResponse(resp *genai.GenerateContentResponse) (string, []*ToolCall, int, int) {
	var text strings.Builder
	var toolCalls []*ToolCall

	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				id := part.FunctionCall.ID
				if id == "" {
					id = stableToolCallID(part.FunctionCall.Name, part.FunctionCall.Args)
				}
				toolCalls = append(toolCalls, &ToolCall{
					ID:   id,
					Name: part.FunctionCall.Name,
					Args: part.FunctionCall.Args,
				})
			}
		}
	}

	var inTokens, outTokens int
	if resp.UsageMetadata != nil {
		inTokens = int(resp.UsageMetadata.PromptTokenCount)
		outTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	return text.String(), toolCalls, inTokens, outTokens
}

// stableToolCallID derives a deterministic ID from the call name and
// arguments, so a call repeated across stream chunks maps to one ID.
func stableToolCallID(name string, args map[string]any) string {
	payload, _ := json.Marshal(map[string]any{"name": name, "args": args})
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("call_%x", sum[:16])
}

var _ StructuredOutputProvider = (*GeminiProvider)(nil)
