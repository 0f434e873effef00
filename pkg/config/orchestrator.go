package config

import (
	"fmt"
	"time"
)

// Autonomy is how far the assistant may act without operator
// confirmation.
type Autonomy string

const (
	// AutonomyHigh acts immediately and reports afterwards.
	AutonomyHigh Autonomy = "high"

	// AutonomyMedium confirms only risky or irreversible operations.
	AutonomyMedium Autonomy = "medium"

	// AutonomyLow confirms every write.
	AutonomyLow Autonomy = "low"
)

// ParseAutonomy normalizes a level string. Unrecognized values fall back
// to medium.
func ParseAutonomy(s string) Autonomy {
	switch Autonomy(s) {
	case AutonomyHigh, AutonomyMedium, AutonomyLow:
		return Autonomy(s)
	default:
		return AutonomyMedium
	}
}

// OrchestratorConfig configures run lifecycle limits.
type OrchestratorConfig struct {
	// MaxTurnsBulk caps model turns for runs classified as bulk
	// operations.
	// Default: 500
	MaxTurnsBulk int `yaml:"max_turns_bulk,omitempty"`

	// MaxTurnsStandard caps model turns for all other runs.
	// Default: 100
	MaxTurnsStandard int `yaml:"max_turns_standard,omitempty"`

	// RunTimeout bounds a whole run. Zero disables the deadline.
	RunTimeout time.Duration `yaml:"run_timeout,omitempty"`
}

// SetDefaults applies default values to OrchestratorConfig.
func (c *OrchestratorConfig) SetDefaults() {
	if c.MaxTurnsBulk == 0 {
		c.MaxTurnsBulk = 500
	}
	if c.MaxTurnsStandard == 0 {
		c.MaxTurnsStandard = 100
	}
}

// Validate checks OrchestratorConfig for errors.
func (c *OrchestratorConfig) Validate() error {
	if c.MaxTurnsBulk < 1 {
		return fmt.Errorf("max_turns_bulk must be at least 1, got %d", c.MaxTurnsBulk)
	}
	if c.MaxTurnsStandard < 1 {
		return fmt.Errorf("max_turns_standard must be at least 1, got %d", c.MaxTurnsStandard)
	}
	return nil
}

// GuardrailsConfig configures the chokidar input and output guards.
type GuardrailsConfig struct {
	// Enabled controls whether guard classification runs at all. When
	// disabled, every run is treated as a standard operation.
	// Default: true
	Enabled *bool `yaml:"enabled,omitempty"`

	// MaxRetries caps continuation attempts when the output guard trips
	// on a premature stop.
	// Default: 5
	MaxRetries int `yaml:"max_retries,omitempty"`

	// PreserveLimitBytes caps how much assistant text is preserved
	// verbatim when retries are exhausted.
	// Default: 51200 (50 KiB)
	PreserveLimitBytes int `yaml:"preserve_limit_bytes,omitempty"`
}

// SetDefaults applies default values to GuardrailsConfig.
func (c *GuardrailsConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.PreserveLimitBytes == 0 {
		c.PreserveLimitBytes = 50 * 1024
	}
}

// Validate checks GuardrailsConfig for errors.
func (c *GuardrailsConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}
	if c.PreserveLimitBytes < 0 {
		return fmt.Errorf("preserve_limit_bytes cannot be negative, got %d", c.PreserveLimitBytes)
	}
	return nil
}

// IsEnabled reports whether guard classification is active.
func (c *GuardrailsConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
