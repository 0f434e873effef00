package chokidar

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/munshi-ai/munshi/pkg/checkpoint"
	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/llms"
)

// fakeGuardLLM scripts GenerateStructured replies and records the
// prompts it was asked to classify.
type fakeGuardLLM struct {
	mu       sync.Mutex
	replies  []string
	err      error
	supports bool
	prompts  []string
}

func (f *fakeGuardLLM) Generate(ctx context.Context, messages []*llms.Message, defs []llms.ToolDefinition) (string, []*llms.ToolCall, int, error) {
	return "", nil, 0, nil
}

func (f *fakeGuardLLM) GenerateStreaming(ctx context.Context, messages []*llms.Message, defs []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	return nil, fmt.Errorf("streaming not scripted")
}

func (f *fakeGuardLLM) GenerateStructured(ctx context.Context, messages []*llms.Message, defs []llms.ToolDefinition, structCfg *llms.StructuredOutputConfig) (string, []*llms.ToolCall, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(messages) > 0 {
		f.prompts = append(f.prompts, messages[len(messages)-1].Content)
	}
	if f.err != nil {
		return "", nil, 0, f.err
	}
	if len(f.replies) == 0 {
		return "{}", nil, 0, nil
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil, 0, nil
}

func (f *fakeGuardLLM) SupportsStructuredOutput() bool { return f.supports }
func (f *fakeGuardLLM) GetModelName() string           { return "fake-guard" }
func (f *fakeGuardLLM) GetMaxTokens() int              { return 0 }
func (f *fakeGuardLLM) GetTemperature() float64        { return 0 }
func (f *fakeGuardLLM) Close() error                   { return nil }

func (f *fakeGuardLLM) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func (f *fakeGuardLLM) lastPrompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.prompts) == 0 {
		return ""
	}
	return f.prompts[len(f.prompts)-1]
}

type fakeRecorder struct {
	mu  sync.Mutex
	cps []checkpoint.Checkpoint
	err error
}

func (f *fakeRecorder) AppendCheckpoint(ctx context.Context, conversationID int64, cp checkpoint.Checkpoint) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.cps = append(f.cps, cp)
	return int64(len(f.cps)), nil
}

func (f *fakeRecorder) appended() []checkpoint.Checkpoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]checkpoint.Checkpoint(nil), f.cps...)
}

func newTestGuard(t *testing.T, llm llms.LLMProvider, rec ProgressRecorder) *Guard {
	t.Helper()
	g, err := New(config.GuardrailsConfig{}, llm, rec)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return g
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(config.GuardrailsConfig{MaxRetries: -1}, nil, nil); err == nil {
		t.Fatal("New() should reject a negative retry budget")
	}
}

func TestGuardDefaults(t *testing.T) {
	g := newTestGuard(t, nil, nil)
	if g.MaxRetries() != 5 {
		t.Errorf("MaxRetries() = %d, want 5", g.MaxRetries())
	}
}

func TestClassifyInputBulk(t *testing.T) {
	llm := &fakeGuardLLM{
		supports: true,
		replies:  []string{`{"isBulkOperation":true,"expectedItems":25,"operationType":"discount_removal","reasoning":"25 product urls listed"}`},
	}
	g := newTestGuard(t, llm, nil)

	request := "Remove the discount from these 25 products: https://shop.test/p/1 ..."
	v := g.ClassifyInput(context.Background(), request)

	if !v.IsBulkOperation || v.ExpectedItems != 25 || v.OperationType != "discount_removal" {
		t.Errorf("verdict = %+v", v)
	}
	if prompt := llm.lastPrompt(); !strings.Contains(prompt, request) {
		t.Errorf("classifier prompt missing the request:\n%s", prompt)
	}
}

func TestClassifyInputStandard(t *testing.T) {
	llm := &fakeGuardLLM{
		supports: true,
		replies:  []string{`{"isBulkOperation":false,"expectedItems":0,"operationType":"","reasoning":"single product question"}`},
	}
	g := newTestGuard(t, llm, nil)

	v := g.ClassifyInput(context.Background(), "Why is the stoneware mug out of stock?")
	if v.IsBulkOperation {
		t.Errorf("verdict = %+v", v)
	}
}

func TestClassifyInputFallbacks(t *testing.T) {
	tests := []struct {
		name     string
		llm      llms.LLMProvider
		text     string
		wantBulk bool
	}{
		{"nil provider with bulk keyword", nil, "Run a bulk price update tonight", true},
		{"nil provider without keywords", nil, "What were yesterday's sales?", false},
		{"unsupported provider continue keyword", &fakeGuardLLM{supports: false}, "Please continue the rollout", true},
		{"classifier error", &fakeGuardLLM{supports: true, err: fmt.Errorf("rate limited")}, "What is our return policy?", false},
		{"unparseable verdict", &fakeGuardLLM{supports: true, replies: []string{"not json at all"}}, "Continue where you left off", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGuard(t, tt.llm, nil)
			v := g.ClassifyInput(context.Background(), tt.text)
			if v.IsBulkOperation != tt.wantBulk {
				t.Errorf("IsBulkOperation = %v, want %v (%s)", v.IsBulkOperation, tt.wantBulk, v.Reasoning)
			}
			if !strings.Contains(v.Reasoning, "keyword fallback") {
				t.Errorf("fallback verdict should say so: %q", v.Reasoning)
			}
		})
	}
}

func TestClassifyInputClampsNegativeCount(t *testing.T) {
	llm := &fakeGuardLLM{
		supports: true,
		replies:  []string{`{"isBulkOperation":true,"expectedItems":-4,"operationType":"price_update","reasoning":"count unclear"}`},
	}
	g := newTestGuard(t, llm, nil)

	if v := g.ClassifyInput(context.Background(), "Raise all prices"); v.ExpectedItems != 0 {
		t.Errorf("ExpectedItems = %d, want 0", v.ExpectedItems)
	}
}

func TestClassifyInputDisabled(t *testing.T) {
	llm := &fakeGuardLLM{supports: true}
	g, err := New(config.GuardrailsConfig{Enabled: config.BoolPtr(false)}, llm, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	v := g.ClassifyInput(context.Background(), "bulk update everything")
	if v.IsBulkOperation {
		t.Errorf("disabled guard classified bulk: %+v", v)
	}
	if llm.promptCount() != 0 {
		t.Error("disabled guard should not call the classifier")
	}
}

func TestVerdictSchemasGenerate(t *testing.T) {
	g := newTestGuard(t, nil, nil)

	for name, schema := range map[string]map[string]any{
		"input":  g.inputSchema,
		"output": g.outputSchema,
	} {
		props, ok := schema["properties"].(map[string]any)
		if !ok || len(props) == 0 {
			t.Fatalf("%s schema has no properties: %v", name, schema)
		}
		if _, ok := schema["required"]; !ok {
			t.Errorf("%s schema should mark fields required", name)
		}
	}
	if _, ok := g.inputSchema["properties"].(map[string]any)["isBulkOperation"]; !ok {
		t.Error("input schema missing isBulkOperation")
	}
	if _, ok := g.outputSchema["properties"].(map[string]any)["isAnnounceAndStop"]; !ok {
		t.Error("output schema missing isAnnounceAndStop")
	}
}
