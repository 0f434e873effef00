// Package config defines the munshi runtime configuration, loaded from
// YAML (file, Consul, etcd, or ZooKeeper) with environment expansion and
// per-section defaults and validation.
package config

import (
	"fmt"

	"github.com/munshi-ai/munshi/pkg/observability"
)

// Config is the root configuration for the munshi runtime.
type Config struct {
	// Name identifies this deployment in logs and traces.
	// Default: "munshi"
	Name string `yaml:"name,omitempty"`

	// Server configures the HTTP/SSE surface.
	Server ServerConfig `yaml:"server,omitempty"`

	// LLM configures the chat model used by the supervisor and agents.
	LLM LLMConfig `yaml:"llm,omitempty"`

	// Embedder configures the embedding model used by memory and the
	// tool-result cache.
	Embedder EmbedderConfig `yaml:"embedder,omitempty"`

	// Vector configures the vector store backing memory search.
	Vector VectorConfig `yaml:"vector,omitempty"`

	// Store configures conversation persistence.
	Store StoreConfig `yaml:"store,omitempty"`

	// Checkpoint configures plan files and checkpoint logs.
	Checkpoint CheckpointConfig `yaml:"checkpoint,omitempty"`

	// Context configures context assembly budgets.
	Context ContextConfig `yaml:"context,omitempty"`

	// Orchestrator configures run lifecycle limits.
	Orchestrator OrchestratorConfig `yaml:"orchestrator,omitempty"`

	// Guardrails configures the chokidar input/output guards.
	Guardrails GuardrailsConfig `yaml:"guardrails,omitempty"`

	// Agents configures the sub-agent implementations.
	Agents AgentsConfig `yaml:"agents,omitempty"`

	// ToolCache configures semantic caching of read-tool results.
	ToolCache ToolCacheConfig `yaml:"tool_cache,omitempty"`

	// Usage configures per-user run and token budgets.
	Usage UsageConfig `yaml:"usage,omitempty"`

	// Tools configures tool sources (MCP servers, docs, fetch).
	Tools ToolsConfig `yaml:"tools,omitempty"`

	// Logging configures the process logger.
	Logging LoggingConfig `yaml:"logging,omitempty"`

	// Observability configures tracing and metrics.
	Observability *observability.Config `yaml:"observability,omitempty"`
}

// SetDefaults applies default values to all sections.
func (c *Config) SetDefaults() {
	if c.Name == "" {
		c.Name = "munshi"
	}
	c.Server.SetDefaults()
	c.LLM.SetDefaults()
	c.Embedder.SetDefaults()
	c.Vector.SetDefaults()
	c.Store.SetDefaults()
	c.Checkpoint.SetDefaults()
	c.Context.SetDefaults()
	c.Orchestrator.SetDefaults()
	c.Guardrails.SetDefaults()
	c.Agents.SetDefaults()
	c.ToolCache.SetDefaults()
	c.Usage.SetDefaults()
	c.Tools.SetDefaults()
	c.Logging.SetDefaults()
	if c.Observability == nil {
		c.Observability = &observability.Config{}
	}
	c.Observability.SetDefaults()
}

// Validate checks the full configuration for errors.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"server", &c.Server},
		{"llm", &c.LLM},
		{"embedder", &c.Embedder},
		{"vector", &c.Vector},
		{"store", &c.Store},
		{"checkpoint", &c.Checkpoint},
		{"context", &c.Context},
		{"orchestrator", &c.Orchestrator},
		{"guardrails", &c.Guardrails},
		{"agents", &c.Agents},
		{"tool_cache", &c.ToolCache},
		{"usage", &c.Usage},
		{"tools", &c.Tools},
		{"logging", &c.Logging},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	if c.Observability != nil {
		if err := c.Observability.Validate(); err != nil {
			return fmt.Errorf("observability: %w", err)
		}
	}
	return nil
}

// Default returns a fully defaulted configuration, usable without any
// config file.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// BoolPtr returns a pointer to b, for optional boolean fields.
func BoolPtr(b bool) *bool {
	return &b
}
