package config

import (
	"fmt"
)

// StoreDriver identifies the conversation store backend.
type StoreDriver string

const (
	StoreDriverMemory   StoreDriver = "memory"
	StoreDriverSQLite   StoreDriver = "sqlite"
	StoreDriverPostgres StoreDriver = "postgres"
	StoreDriverMySQL    StoreDriver = "mysql"
)

// StoreConfig configures conversation and task persistence.
type StoreConfig struct {
	// Driver selects the backend (memory, sqlite, postgres, mysql).
	// Default: "memory"
	Driver StoreDriver `yaml:"driver,omitempty"`

	// DSN is the driver-specific connection string. For sqlite this is
	// the database file path. Supports ${VAR} expansion.
	DSN string `yaml:"dsn,omitempty"`

	// MaxOpenConns limits the connection pool for SQL drivers.
	// Default: 10
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`
}

// SetDefaults applies default values to StoreConfig.
func (c *StoreConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = StoreDriverMemory
	}
	if c.Driver == StoreDriverSQLite && c.DSN == "" {
		c.DSN = ".munshi/munshi.db"
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
}

// Validate checks StoreConfig for errors.
func (c *StoreConfig) Validate() error {
	switch c.Driver {
	case StoreDriverMemory:
		return nil
	case StoreDriverSQLite, StoreDriverPostgres, StoreDriverMySQL:
		if c.DSN == "" {
			return fmt.Errorf("dsn is required for driver %q", c.Driver)
		}
		return nil
	default:
		return fmt.Errorf("unknown store driver: %q (valid: memory, sqlite, postgres, mysql)", c.Driver)
	}
}

// CheckpointConfig configures where plan files and checkpoint logs live.
type CheckpointConfig struct {
	// Dir holds TODO-{conversation}.md plan files, their JSON sidecars,
	// and checkpoint logs.
	// Default: ".munshi/checkpoints"
	Dir string `yaml:"dir,omitempty"`
}

// SetDefaults applies default values to CheckpointConfig.
func (c *CheckpointConfig) SetDefaults() {
	if c.Dir == "" {
		c.Dir = ".munshi/checkpoints"
	}
}

// Validate checks CheckpointConfig for errors.
func (c *CheckpointConfig) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("dir is required")
	}
	return nil
}
