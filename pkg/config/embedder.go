package config

import (
	"fmt"
	"os"
)

// EmbedderProvider identifies the embedding provider type.
type EmbedderProvider string

const (
	// EmbedderProviderLocal is a deterministic in-process embedder.
	// It needs no credentials and is the zero-config default.
	EmbedderProviderLocal EmbedderProvider = "local"

	// EmbedderProviderOpenAI calls an OpenAI-compatible embeddings API.
	EmbedderProviderOpenAI EmbedderProvider = "openai"
)

// EmbedderConfig configures the embedding model.
type EmbedderConfig struct {
	// Provider type (local, openai).
	// Default: "openai" when OPENAI_API_KEY is set, else "local"
	Provider EmbedderProvider `yaml:"provider,omitempty"`

	// Model name for API providers.
	// Default: "text-embedding-3-small"
	Model string `yaml:"model,omitempty"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	// Dimensions of produced vectors.
	// Default: 1536 (openai), 256 (local)
	Dimensions int `yaml:"dimensions,omitempty"`
}

// SetDefaults applies default values to EmbedderConfig.
func (c *EmbedderConfig) SetDefaults() {
	if c.Provider == "" {
		if os.Getenv("OPENAI_API_KEY") != "" {
			c.Provider = EmbedderProviderOpenAI
		} else {
			c.Provider = EmbedderProviderLocal
		}
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.APIKey == "" && c.Provider == EmbedderProviderOpenAI {
		c.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.Dimensions == 0 {
		switch c.Provider {
		case EmbedderProviderOpenAI:
			c.Dimensions = 1536
		default:
			c.Dimensions = 256
		}
	}
}

// Validate checks EmbedderConfig for errors.
func (c *EmbedderConfig) Validate() error {
	switch c.Provider {
	case EmbedderProviderLocal, EmbedderProviderOpenAI:
	default:
		return fmt.Errorf("invalid provider %q (valid: local, openai)", c.Provider)
	}
	if c.Dimensions <= 0 {
		return fmt.Errorf("dimensions must be positive, got %d", c.Dimensions)
	}
	return nil
}
