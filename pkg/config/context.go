package config

import (
	"fmt"
)

// ContextConfig configures context bundle assembly.
type ContextConfig struct {
	// MaxContextBytes is the hard ceiling on a serialized context
	// bundle. Sections that would push past it are truncated with a
	// visible marker.
	// Default: 150000
	MaxContextBytes int `yaml:"max_context_bytes,omitempty"`

	// MaxHistoryMessages is how many recent conversation turns are
	// included in agent input.
	// Default: 10
	MaxHistoryMessages int `yaml:"max_history_messages,omitempty"`

	// TokenizerModel selects the tiktoken encoding used for token
	// accounting in adaptive context stats.
	// Default: "gpt-4o"
	TokenizerModel string `yaml:"tokenizer_model,omitempty"`

	// RulesPath optionally points to a file of business rules loaded at
	// startup and offered to the builder.
	RulesPath string `yaml:"rules_path,omitempty"`

	// ProductTool names the registry tool used to resolve referenced
	// SKUs into product blobs, usually an MCP catalog tool. Empty
	// disables product folding.
	ProductTool string `yaml:"product_tool,omitempty"`
}

// SetDefaults applies default values to ContextConfig.
func (c *ContextConfig) SetDefaults() {
	if c.MaxContextBytes == 0 {
		c.MaxContextBytes = 150000
	}
	if c.MaxHistoryMessages == 0 {
		c.MaxHistoryMessages = 10
	}
	if c.TokenizerModel == "" {
		c.TokenizerModel = "gpt-4o"
	}
}

// Validate checks ContextConfig for errors.
func (c *ContextConfig) Validate() error {
	if c.MaxContextBytes < 1024 {
		return fmt.Errorf("max_context_bytes must be at least 1024, got %d", c.MaxContextBytes)
	}
	if c.MaxHistoryMessages < 1 {
		return fmt.Errorf("max_history_messages must be at least 1, got %d", c.MaxHistoryMessages)
	}
	return nil
}
