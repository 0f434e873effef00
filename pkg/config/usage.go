package config

import "fmt"

// UsageMetric names what a usage limit counts.
type UsageMetric string

const (
	// UsageMetricRuns counts completed runs.
	UsageMetricRuns UsageMetric = "runs"
	// UsageMetricTokens counts model tokens consumed by runs.
	UsageMetricTokens UsageMetric = "tokens"
)

// UsageWindow names the fixed window a usage limit covers.
type UsageWindow string

const (
	UsageWindowMinute UsageWindow = "minute"
	UsageWindowHour   UsageWindow = "hour"
	UsageWindowDay    UsageWindow = "day"
)

// UsageLimit is one budget: at most Limit of Metric per Window, per
// user.
type UsageLimit struct {
	Metric UsageMetric `yaml:"metric"`
	Window UsageWindow `yaml:"window"`
	Limit  int64       `yaml:"limit"`
}

// UsageConfig configures per-user budgets enforced before each run.
type UsageConfig struct {
	// Enabled turns budget enforcement on.
	// Default: false
	Enabled bool `yaml:"enabled,omitempty"`

	// Limits are the budgets to enforce. At least one is required when
	// enabled.
	Limits []UsageLimit `yaml:"limits,omitempty"`
}

// SetDefaults applies default values to UsageConfig.
func (c *UsageConfig) SetDefaults() {}

// Validate checks UsageConfig for errors.
func (c *UsageConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Limits) == 0 {
		return fmt.Errorf("at least one limit is required when usage budgets are enabled")
	}
	seen := make(map[[2]string]bool, len(c.Limits))
	for i, l := range c.Limits {
		pair := [2]string{string(l.Metric), string(l.Window)}
		if seen[pair] {
			return fmt.Errorf("limits[%d]: duplicate budget for %s per %s", i, l.Metric, l.Window)
		}
		seen[pair] = true
		switch l.Metric {
		case UsageMetricRuns, UsageMetricTokens:
		default:
			return fmt.Errorf("limits[%d]: unknown metric %q", i, l.Metric)
		}
		switch l.Window {
		case UsageWindowMinute, UsageWindowHour, UsageWindowDay:
		default:
			return fmt.Errorf("limits[%d]: unknown window %q", i, l.Window)
		}
		if l.Limit < 1 {
			return fmt.Errorf("limits[%d]: limit must be at least 1, got %d", i, l.Limit)
		}
	}
	return nil
}
