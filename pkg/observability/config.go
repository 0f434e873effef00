// Package observability wires OpenTelemetry tracing and Prometheus
// metrics for the runtime. Both are disabled by default and cost nothing
// when off.
package observability

import (
	"fmt"
	"time"
)

const (
	// DefaultServiceName identifies this service in traces.
	DefaultServiceName = "munshi"

	// DefaultOTLPEndpoint is the local collector gRPC endpoint.
	DefaultOTLPEndpoint = "localhost:4317"

	defaultMetricsPath   = "/metrics"
	defaultNamespace     = "munshi"
	defaultExportTimeout = 10 * time.Second
)

// Config carries the tracing and metrics sections of the runtime config.
type Config struct {
	Tracing TracingConfig `yaml:"tracing,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// SetDefaults fills unset fields on both sections.
func (c *Config) SetDefaults() {
	c.Tracing.SetDefaults()
	c.Metrics.SetDefaults()
}

// Validate checks both sections.
func (c *Config) Validate() error {
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	return nil
}

// TracingConfig controls the OpenTelemetry trace pipeline.
type TracingConfig struct {
	// Enabled turns on distributed tracing. Off by default.
	Enabled bool `yaml:"enabled,omitempty"`

	// ServiceName and ServiceVersion are recorded on the trace resource.
	ServiceName    string `yaml:"service_name,omitempty"`
	ServiceVersion string `yaml:"service_version,omitempty"`

	// Exporter picks where spans go: "otlp" (default), "stdout" for
	// local debugging, or "none" to sample spans without exporting.
	Exporter string `yaml:"exporter,omitempty"`

	// Endpoint is the OTLP collector gRPC address, host:port.
	Endpoint string `yaml:"endpoint,omitempty"`

	// SamplingRate is the fraction of traces kept, 0.0 to 1.0.
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`

	// Insecure skips TLS on the exporter connection. Defaults to true
	// since the usual collector is a localhost sidecar.
	Insecure *bool `yaml:"insecure,omitempty"`

	// Timeout bounds each export batch.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// SetDefaults fills unset tracing fields.
func (c *TracingConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = DefaultServiceName
	}
	if c.Exporter == "" {
		c.Exporter = "otlp"
	}
	if c.Endpoint == "" {
		c.Endpoint = DefaultOTLPEndpoint
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
	if c.Insecure == nil {
		t := true
		c.Insecure = &t
	}
	if c.Timeout == 0 {
		c.Timeout = defaultExportTimeout
	}
}

// Validate checks the tracing section. A disabled section is always valid.
func (c *TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.SamplingRate < 0 || c.SamplingRate > 1 {
		return fmt.Errorf("sampling_rate must be between 0 and 1, got %f", c.SamplingRate)
	}
	switch c.Exporter {
	case "otlp":
		if c.Endpoint == "" {
			return fmt.Errorf("endpoint is required for the otlp exporter")
		}
	case "stdout", "none":
	default:
		return fmt.Errorf("invalid exporter %q (valid: otlp, stdout, none)", c.Exporter)
	}
	return nil
}

// IsInsecure reports whether the exporter connection skips TLS.
func (c *TracingConfig) IsInsecure() bool {
	return c.Insecure == nil || *c.Insecure
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	// Enabled turns on metrics collection. Off by default.
	Enabled bool `yaml:"enabled,omitempty"`

	// Endpoint is the HTTP path metrics are served on, "/metrics" by default.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Namespace prefixes every metric name.
	Namespace string `yaml:"namespace,omitempty"`
}

// SetDefaults fills unset metrics fields.
func (c *MetricsConfig) SetDefaults() {
	if c.Endpoint == "" {
		c.Endpoint = defaultMetricsPath
	}
	if c.Namespace == "" {
		c.Namespace = defaultNamespace
	}
}

// Validate checks the metrics section.
func (c *MetricsConfig) Validate() error {
	if c.Enabled && c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when metrics are enabled")
	}
	return nil
}
