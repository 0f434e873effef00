package config

import (
	"fmt"
	"os"
	"time"
)

// LLMProvider identifies the chat model provider type.
type LLMProvider string

const (
	LLMProviderOpenAI    LLMProvider = "openai"
	LLMProviderAnthropic LLMProvider = "anthropic"
	LLMProviderGemini    LLMProvider = "gemini"
)

// LLMConfig configures the chat model provider.
type LLMConfig struct {
	// Provider type (openai, anthropic, gemini). The openai provider
	// covers any OpenAI-compatible endpoint via base_url.
	Provider LLMProvider `yaml:"provider,omitempty"`

	// Model used by the supervisor and sub-agents.
	Model string `yaml:"model,omitempty"`

	// GuardModel is the smaller model used by the chokidar classifiers
	// and intent analysis.
	// Default: Model
	GuardModel string `yaml:"guard_model,omitempty"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// Temperature for generation.
	// Default: 0.7
	Temperature *float64 `yaml:"temperature,omitempty"`

	// MaxTokens limits response length.
	// Default: 8192
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Timeout per model request, including streaming.
	// Default: 5m
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// MaxRetries for transient provider failures.
	// Default: 3
	MaxRetries int `yaml:"max_retries,omitempty"`

	// CACertificate is a PEM bundle trusted in addition to the system
	// roots, for self-hosted endpoints behind a private CA.
	CACertificate string `yaml:"ca_certificate,omitempty"`

	// InsecureSkipVerify disables TLS verification. Development only.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`
}

// SetDefaults applies default values to LLMConfig.
func (c *LLMConfig) SetDefaults() {
	if c.Provider == "" {
		c.Provider = detectLLMProvider()
	}
	if c.Model == "" {
		switch c.Provider {
		case LLMProviderAnthropic:
			c.Model = "claude-sonnet-4-20250514"
		case LLMProviderOpenAI:
			c.Model = "gpt-4o"
		case LLMProviderGemini:
			c.Model = "gemini-2.0-flash"
		}
	}
	if c.GuardModel == "" {
		switch c.Provider {
		case LLMProviderAnthropic:
			c.GuardModel = "claude-3-5-haiku-20241022"
		case LLMProviderOpenAI:
			c.GuardModel = "gpt-4o-mini"
		case LLMProviderGemini:
			c.GuardModel = "gemini-2.0-flash-lite"
		default:
			c.GuardModel = c.Model
		}
	}
	if c.APIKey == "" {
		c.APIKey = llmAPIKeyFromEnv(c.Provider)
	}
	if c.Temperature == nil {
		temp := 0.7
		c.Temperature = &temp
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 8192
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// Validate checks LLMConfig for errors.
func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case LLMProviderOpenAI, LLMProviderAnthropic, LLMProviderGemini:
	default:
		return fmt.Errorf("invalid provider %q (valid: openai, anthropic, gemini)", c.Provider)
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	return nil
}

// detectLLMProvider picks a provider based on which API keys are present.
func detectLLMProvider() LLMProvider {
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return LLMProviderAnthropic
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return LLMProviderOpenAI
	}
	if os.Getenv("GEMINI_API_KEY") != "" || os.Getenv("GOOGLE_API_KEY") != "" {
		return LLMProviderGemini
	}
	return LLMProviderAnthropic
}

// llmAPIKeyFromEnv reads the conventional API key variable for a provider.
func llmAPIKeyFromEnv(provider LLMProvider) string {
	switch provider {
	case LLMProviderAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case LLMProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case LLMProviderGemini:
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}
