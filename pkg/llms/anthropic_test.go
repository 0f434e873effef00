package llms

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/munshi-ai/munshi/pkg/config"
)

func newAnthropicTestProvider(t *testing.T, baseURL string) *AnthropicProvider {
	t.Helper()
	provider, err := NewAnthropicProviderFromConfig(testLLMConfig(config.LLMProviderAnthropic, "claude-sonnet-4-20250514", "sk-ant-test", baseURL))
	if err != nil {
		t.Fatalf("NewAnthropicProviderFromConfig() error = %v", err)
	}
	return provider
}

func TestNewAnthropicProviderRequiresAPIKey(t *testing.T) {
	cfg := testLLMConfig(config.LLMProviderAnthropic, "claude-sonnet-4-20250514", "", "")
	if _, err := NewAnthropicProviderFromConfig(cfg); err == nil {
		t.Error("NewAnthropicProviderFromConfig() error = nil, want missing key error")
	}
}

func TestNewAnthropicProviderRejectsBadCA(t *testing.T) {
	cfg := testLLMConfig(config.LLMProviderAnthropic, "claude-sonnet-4-20250514", "sk-ant-test", "")
	cfg.CACertificate = "/does/not/exist.pem"
	if _, err := NewAnthropicProviderFromConfig(cfg); err == nil {
		t.Error("NewAnthropicProviderFromConfig() error = nil, want CA bundle error")
	}
}

func TestAnthropicBuildRequest(t *testing.T) {
	provider := newAnthropicTestProvider(t, "")

	messages := []*Message{
		NewSystemMessage("you are an ops assistant"),
		NewSystemMessage("always confirm bulk changes"),
		NewUserMessage("update all prices"),
		NewToolCallMessage("working on it", &ToolCall{ID: "tu_1", Name: "todo_write", Args: map[string]interface{}{"items": 12}}),
		NewToolResultMessage(&ToolResult{ToolCallID: "tu_1", ToolName: "todo_write", Content: "plan written"}),
	}

	req := provider.buildRequest(messages, false, []ToolDefinition{{Name: "todo_write", Description: "write plan", Parameters: map[string]interface{}{"type": "object"}}})

	if !strings.Contains(req.System, "ops assistant") || !strings.Contains(req.System, "bulk changes") {
		t.Errorf("system = %q, want both system messages merged", req.System)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("messages = %d, want 3 (system messages excluded)", len(req.Messages))
	}

	assistant, ok := req.Messages[1].Content.([]anthropicContent)
	if !ok {
		t.Fatalf("assistant content = %T, want block array", req.Messages[1].Content)
	}
	if len(assistant) != 2 || assistant[0].Type != "text" || assistant[1].Type != "tool_use" {
		t.Errorf("assistant blocks = %+v, want text then tool_use", assistant)
	}
	if assistant[1].ID != "tu_1" || assistant[1].Name != "todo_write" {
		t.Errorf("tool_use block = %+v, want tu_1/todo_write", assistant[1])
	}

	toolResult, ok := req.Messages[2].Content.([]anthropicContent)
	if !ok {
		t.Fatalf("tool result content = %T, want block array", req.Messages[2].Content)
	}
	if req.Messages[2].Role != "user" || toolResult[0].Type != "tool_result" || toolResult[0].ToolUseID != "tu_1" {
		t.Errorf("tool result = %+v, want user tool_result for tu_1", toolResult[0])
	}

	if len(req.Tools) != 1 || req.Tools[0].Name != "todo_write" {
		t.Errorf("tools = %+v, want todo_write", req.Tools)
	}
}

func TestAnthropicGenerateParsesToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "sk-ant-test" {
			t.Errorf("x-api-key = %q, want sk-ant-test", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicVersion {
			t.Errorf("anthropic-version = %q, want %q", got, anthropicVersion)
		}

		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "msg_1",
			"role": "assistant",
			"content": [
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "tu_1", "name": "get_orders", "input": {"status": "open"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 15, "output_tokens": 9}
		}`)
	}))
	defer server.Close()

	provider := newAnthropicTestProvider(t, server.URL)
	text, toolCalls, tokens, err := provider.Generate(context.Background(), []*Message{NewUserMessage("open orders?")}, nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if text != "Let me check." {
		t.Errorf("text = %q, want Let me check.", text)
	}
	if tokens != 24 {
		t.Errorf("tokens = %d, want 24", tokens)
	}
	if len(toolCalls) != 1 || toolCalls[0].Name != "get_orders" {
		t.Fatalf("tool calls = %+v, want get_orders", toolCalls)
	}
	if status, ok := toolCalls[0].Args["status"].(string); !ok || status != "open" {
		t.Errorf("args = %v, want status open", toolCalls[0].Args)
	}
}

func TestAnthropicGenerateStreamingEvents(t *testing.T) {
	events := []string{
		`event: message_start`,
		`data: {"type":"message_start","message":{"id":"msg_1","role":"assistant","content":[],"usage":{"input_tokens":11,"output_tokens":0}}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Working"}}`,
		``,
		`event: content_block_start`,
		`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu_1","name":"get_products"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"page\":"}}`,
		``,
		`event: content_block_delta`,
		`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"2}"}}`,
		``,
		`event: content_block_stop`,
		`data: {"type":"content_block_stop","index":1}`,
		``,
		`event: message_delta`,
		`data: {"type":"message_delta","usage":{"input_tokens":0,"output_tokens":7}}`,
		``,
		`event: message_stop`,
		`data: {"type":"message_stop"}`,
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, strings.Join(events, "\n")+"\n")
	}))
	defer server.Close()

	provider := newAnthropicTestProvider(t, server.URL)
	chunks, err := provider.GenerateStreaming(context.Background(), []*Message{NewUserMessage("page 2")}, nil)
	if err != nil {
		t.Fatalf("GenerateStreaming() error = %v", err)
	}

	var got []StreamChunk
	for chunk := range chunks {
		if chunk.Type == ChunkError {
			t.Fatalf("unexpected error chunk: %v", chunk.Error)
		}
		got = append(got, chunk)
	}

	if len(got) != 3 {
		t.Fatalf("chunks = %d (%+v), want text, tool_call, done", len(got), got)
	}
	if got[0].Type != ChunkText || got[0].Text != "Working" {
		t.Errorf("chunk 0 = %+v, want text Working", got[0])
	}
	if got[1].Type != ChunkToolCall || got[1].ToolCall.Name != "get_products" {
		t.Errorf("chunk 1 = %+v, want tool_call get_products", got[1])
	}
	if page, ok := got[1].ToolCall.Args["page"].(float64); !ok || page != 2 {
		t.Errorf("accumulated args = %v, want page 2", got[1].ToolCall.Args)
	}
	if got[2].Type != ChunkDone || got[2].Tokens != 18 {
		t.Errorf("chunk 2 = %+v, want done with 18 tokens", got[2])
	}
}

func TestAnthropicGenerateStructuredPrefill(t *testing.T) {
	var captured anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "msg_1",
			"role": "assistant",
			"content": [{"type": "text", "text": "\"isComplete\": true}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 6}
		}`)
	}))
	defer server.Close()

	provider := newAnthropicTestProvider(t, server.URL)
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"isComplete": map[string]interface{}{"type": "boolean"},
		},
	}

	text, _, _, err := provider.GenerateStructured(context.Background(), []*Message{NewUserMessage("done?")}, nil, &StructuredOutputConfig{Format: "json", Schema: schema})
	if err != nil {
		t.Fatalf("GenerateStructured() error = %v", err)
	}
	if text != `{"isComplete": true}` {
		t.Errorf("text = %q, want prefill prepended", text)
	}

	if !strings.Contains(captured.System, "valid JSON") {
		t.Errorf("system = %q, want schema instructions", captured.System)
	}
	last := captured.Messages[len(captured.Messages)-1]
	if last.Role != "assistant" {
		t.Fatalf("last message role = %q, want assistant prefill", last.Role)
	}
	if prefill, ok := last.Content.(string); !ok || prefill != "{" {
		t.Errorf("prefill = %v, want {", last.Content)
	}
}

func TestAnthropicGenerateAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"type": "error", "error": {"type": "invalid_request_error", "message": "max_tokens is required"}}`)
	}))
	defer server.Close()

	provider := newAnthropicTestProvider(t, server.URL)
	_, _, _, err := provider.Generate(context.Background(), []*Message{NewUserMessage("hi")}, nil)
	if err == nil {
		t.Fatal("Generate() error = nil, want API error")
	}
	if !strings.Contains(err.Error(), "max_tokens is required") {
		t.Errorf("error = %v, want body surfaced", err)
	}
}
