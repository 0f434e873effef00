package config

import (
	"fmt"
	"time"
)

// ToolCacheConfig configures semantic caching of read-tool results.
type ToolCacheConfig struct {
	// Enabled controls whether whitelisted tool results are cached.
	// Default: true
	Enabled *bool `yaml:"enabled,omitempty"`

	// SimilarityThreshold is the minimum cosine similarity between a
	// query and a stored entry for a cache hit.
	// Default: 0.75
	SimilarityThreshold float64 `yaml:"similarity_threshold,omitempty"`

	// MaxAge marks entries older than this as stale in hit metadata.
	// Entries are never evicted by age; callers decide freshness.
	// Default: 15m
	MaxAge time.Duration `yaml:"max_age,omitempty"`

	// Tools is the whitelist of read-dominant tools whose results are
	// cached.
	// Default: get_products, search_products, get_orders, get_collections
	Tools []string `yaml:"tools,omitempty"`

	// MaxEntries caps cached results per conversation; the oldest entry
	// is evicted first.
	// Default: 100
	MaxEntries int `yaml:"max_entries,omitempty"`
}

// SetDefaults applies default values to ToolCacheConfig.
func (c *ToolCacheConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = 0.75
	}
	if c.MaxAge == 0 {
		c.MaxAge = 15 * time.Minute
	}
	if len(c.Tools) == 0 {
		c.Tools = []string{
			"get_products",
			"search_products",
			"get_orders",
			"get_collections",
		}
	}
	if c.MaxEntries == 0 {
		c.MaxEntries = 100
	}
}

// Validate checks ToolCacheConfig for errors.
func (c *ToolCacheConfig) Validate() error {
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold must be between 0 and 1, got %f", c.SimilarityThreshold)
	}
	if c.MaxEntries < 0 {
		return fmt.Errorf("max_entries must be non-negative, got %d", c.MaxEntries)
	}
	return nil
}

// IsEnabled reports whether caching is active.
func (c *ToolCacheConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
