package config

import (
	"fmt"
	"time"
)

// ServerConfig configures the HTTP/SSE server.
type ServerConfig struct {
	// Host to bind to.
	// Default: "0.0.0.0"
	Host string `yaml:"host,omitempty"`

	// Port to listen on.
	// Default: 8080
	Port int `yaml:"port,omitempty"`

	// ReadHeaderTimeout bounds how long reading request headers may take.
	// Write timeouts are deliberately absent because SSE streams stay
	// open for the lifetime of a run.
	// Default: 10s
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	// Default: 15s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// CORS configuration.
	CORS *CORSConfig `yaml:"cors,omitempty"`

	// Auth configures JWT verification for the log stream.
	Auth *AuthConfig `yaml:"auth,omitempty"`
}

// CORSConfig configures cross-origin resource sharing.
type CORSConfig struct {
	// AllowedOrigins lists origins allowed to call the API.
	// Default: ["*"]
	AllowedOrigins []string `yaml:"allowed_origins,omitempty"`

	// AllowedHeaders lists request headers allowed in CORS requests.
	AllowedHeaders []string `yaml:"allowed_headers,omitempty"`
}

// AuthConfig configures JWT-based authentication.
//
// The log stream endpoint accepts the token as a query parameter because
// EventSource cannot set headers. Verification uses either a shared HMAC
// secret or a remote JWKS, whichever is configured.
type AuthConfig struct {
	// Enabled controls whether tokens are verified.
	// Default: false
	Enabled bool `yaml:"enabled,omitempty"`

	// Secret is the HS256 shared secret. Supports ${VAR} expansion.
	Secret string `yaml:"secret,omitempty"`

	// JWKSURL is the URL to fetch a JSON Web Key Set from, for
	// asymmetric verification.
	JWKSURL string `yaml:"jwks_url,omitempty"`

	// Issuer is the expected iss claim. Optional.
	Issuer string `yaml:"issuer,omitempty"`

	// Audience is the expected aud claim. Optional.
	Audience string `yaml:"audience,omitempty"`

	// RefreshInterval is how often the JWKS is refreshed.
	// Default: 15m
	RefreshInterval time.Duration `yaml:"refresh_interval,omitempty"`
}

// SetDefaults applies default values to ServerConfig.
func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadHeaderTimeout == 0 {
		c.ReadHeaderTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if c.CORS == nil {
		c.CORS = &CORSConfig{}
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
	if len(c.CORS.AllowedHeaders) == 0 {
		c.CORS.AllowedHeaders = []string{"Accept", "Authorization", "Content-Type"}
	}
	if c.Auth == nil {
		c.Auth = &AuthConfig{}
	}
	c.Auth.SetDefaults()
}

// Validate checks ServerConfig for errors.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Auth != nil {
		if err := c.Auth.Validate(); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}
	return nil
}

// Address returns the listen address in host:port form.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SetDefaults applies default values to AuthConfig.
func (c *AuthConfig) SetDefaults() {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 15 * time.Minute
	}
}

// Validate checks AuthConfig for errors.
func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Secret == "" && c.JWKSURL == "" {
		return fmt.Errorf("secret or jwks_url is required when auth is enabled")
	}
	return nil
}

// IsEnabled reports whether token verification is active.
func (c *AuthConfig) IsEnabled() bool {
	return c != nil && c.Enabled
}
