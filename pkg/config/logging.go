package config

import (
	"fmt"
)

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	// Level is the minimum level emitted (debug, info, warn, error).
	// Default: "info"
	Level string `yaml:"level,omitempty"`

	// Format selects the handler (simple, verbose, json).
	// Default: "simple"
	Format string `yaml:"format,omitempty"`

	// File appends logs to a file in addition to stderr.
	File string `yaml:"file,omitempty"`
}

// SetDefaults applies default values to LoggingConfig.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

// Validate checks LoggingConfig for errors.
func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid level %q (valid: debug, info, warn, error)", c.Level)
	}
	switch c.Format {
	case "simple", "verbose", "json":
	default:
		return fmt.Errorf("invalid format %q (valid: simple, verbose, json)", c.Format)
	}
	return nil
}
