// Package llms provides the chat model port and its provider adapters.
//
// The OpenAI adapter speaks the chat completions API and covers any
// compatible endpoint (OpenRouter, Ollama) through base_url. Anthropic
// and Gemini get native adapters. All adapters stream, surface tool
// calls, and report token usage; structured output backs the guardrail
// classifiers.
package llms

import (
	"context"
	"fmt"

	"github.com/munshi-ai/munshi/pkg/config"
)

const llmTracerName = "munshi.llm"

// LLMProvider is the chat model port.
type LLMProvider interface {
	// Generate produces a complete response, returning the text, any
	// tool calls, and total tokens used.
	Generate(ctx context.Context, messages []*Message, tools []ToolDefinition) (string, []*ToolCall, int, error)

	// GenerateStreaming produces an incremental response. The channel
	// is closed after a done or error chunk.
	GenerateStreaming(ctx context.Context, messages []*Message, tools []ToolDefinition) (<-chan StreamChunk, error)

	// GetModelName returns the configured model identifier.
	GetModelName() string

	// GetMaxTokens returns the configured response length limit.
	GetMaxTokens() int

	// GetTemperature returns the configured sampling temperature.
	GetTemperature() float64

	// Close releases provider resources.
	Close() error
}

// StructuredOutputProvider extends LLMProvider with schema-constrained
// generation.
type StructuredOutputProvider interface {
	LLMProvider

	// GenerateStructured produces a response constrained by the given
	// output config.
	GenerateStructured(ctx context.Context, messages []*Message, tools []ToolDefinition, structCfg *StructuredOutputConfig) (string, []*ToolCall, int, error)

	// SupportsStructuredOutput reports whether the provider enforces
	// schemas natively.
	SupportsStructuredOutput() bool
}

// New creates a provider from configuration.
func New(cfg *config.LLMConfig) (LLMProvider, error) {
	switch cfg.Provider {
	case config.LLMProviderOpenAI:
		return NewOpenAIProviderFromConfig(cfg)
	case config.LLMProviderAnthropic:
		return NewAnthropicProviderFromConfig(cfg)
	case config.LLMProviderGemini:
		return NewGeminiProviderFromConfig(cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}

// NewGuard creates a provider for the configured guard model, used by
// the guardrail classifiers and intent analysis. Falls back to the main
// model when no guard model is set.
func NewGuard(cfg *config.LLMConfig) (LLMProvider, error) {
	guardCfg := *cfg
	if cfg.GuardModel != "" {
		guardCfg.Model = cfg.GuardModel
	}
	return New(&guardCfg)
}
