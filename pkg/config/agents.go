package config

import (
	"fmt"
	"time"
)

// AgentsConfig configures the sub-agent implementations.
type AgentsConfig struct {
	// Bash configures the shell execution agent.
	Bash BashAgentConfig `yaml:"bash,omitempty"`

	// Parallel configures the parallel bulk executor.
	Parallel ParallelAgentConfig `yaml:"parallel,omitempty"`
}

// BashAgentConfig configures the shell execution agent.
type BashAgentConfig struct {
	// Timeout per command. Expired commands receive SIGTERM.
	// Default: 5m
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// WorkDir is the working directory for commands.
	// Default: os temp dir scoped per conversation
	WorkDir string `yaml:"work_dir,omitempty"`

	// EnvPassthrough lists extra environment variables preserved after
	// scrubbing. PATH, HOME, LANG, TERM and TMPDIR always survive.
	EnvPassthrough []string `yaml:"env_passthrough,omitempty"`
}

// ParallelAgentConfig configures the parallel bulk executor.
type ParallelAgentConfig struct {
	// Concurrency is how many items are processed at once.
	// Default: 5
	Concurrency int `yaml:"concurrency,omitempty"`

	// Throttle is the pause between scheduling waves.
	// Default: 1s
	Throttle time.Duration `yaml:"throttle,omitempty"`

	// MinItems is the smallest batch the executor accepts.
	// Default: 10
	MinItems int `yaml:"min_items,omitempty"`

	// MaxItems is the largest batch the executor accepts.
	// Default: 50
	MaxItems int `yaml:"max_items,omitempty"`

	// MaxRetries per failed item.
	// Default: 2
	MaxRetries int `yaml:"max_retries,omitempty"`
}

// SetDefaults applies default values to AgentsConfig.
func (c *AgentsConfig) SetDefaults() {
	c.Bash.SetDefaults()
	c.Parallel.SetDefaults()
}

// Validate checks AgentsConfig for errors.
func (c *AgentsConfig) Validate() error {
	if err := c.Bash.Validate(); err != nil {
		return fmt.Errorf("bash: %w", err)
	}
	if err := c.Parallel.Validate(); err != nil {
		return fmt.Errorf("parallel: %w", err)
	}
	return nil
}

// SetDefaults applies default values to BashAgentConfig.
func (c *BashAgentConfig) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Minute
	}
}

// Validate checks BashAgentConfig for errors.
func (c *BashAgentConfig) Validate() error {
	if c.Timeout < time.Second {
		return fmt.Errorf("timeout must be at least 1s, got %s", c.Timeout)
	}
	return nil
}

// SetDefaults applies default values to ParallelAgentConfig.
func (c *ParallelAgentConfig) SetDefaults() {
	if c.Concurrency == 0 {
		c.Concurrency = 5
	}
	if c.Throttle == 0 {
		c.Throttle = time.Second
	}
	if c.MinItems == 0 {
		c.MinItems = 10
	}
	if c.MaxItems == 0 {
		c.MaxItems = 50
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
}

// Validate checks ParallelAgentConfig for errors.
func (c *ParallelAgentConfig) Validate() error {
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.MinItems < 1 {
		return fmt.Errorf("min_items must be at least 1, got %d", c.MinItems)
	}
	if c.MaxItems < c.MinItems {
		return fmt.Errorf("max_items (%d) cannot be below min_items (%d)", c.MaxItems, c.MinItems)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}
	return nil
}
