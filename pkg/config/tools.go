package config

import (
	"fmt"
	"time"
)

// MCPTransport identifies how an MCP server is reached.
type MCPTransport string

const (
	MCPTransportStdio MCPTransport = "stdio"
	MCPTransportSSE   MCPTransport = "sse"
	MCPTransportHTTP  MCPTransport = "http"
)

// ToolsConfig configures tool sources beyond the built-ins.
type ToolsConfig struct {
	// MCPServers lists MCP servers whose tools are discovered and
	// registered through the schema adaptation pipeline.
	MCPServers []MCPServerConfig `yaml:"mcp_servers,omitempty"`

	// DocsDir is the documentation corpus searched by the search_docs
	// tool. Empty disables the tool.
	DocsDir string `yaml:"docs_dir,omitempty"`

	// FetchTimeout bounds fetch_url requests.
	// Default: 30s
	FetchTimeout time.Duration `yaml:"fetch_timeout,omitempty"`
}

// MCPServerConfig configures one MCP server.
type MCPServerConfig struct {
	// Name prefixes discovered tool names (name__tool).
	Name string `yaml:"name"`

	// Transport selects how the server is reached (stdio, sse, http).
	// Default: "stdio" when command is set, else "http"
	Transport MCPTransport `yaml:"transport,omitempty"`

	// Command starts a stdio server.
	Command string `yaml:"command,omitempty"`

	// Args for the stdio command.
	Args []string `yaml:"args,omitempty"`

	// Env passed to the stdio command. Supports ${VAR} expansion.
	Env map[string]string `yaml:"env,omitempty"`

	// URL of an sse or http server.
	URL string `yaml:"url,omitempty"`

	// Headers sent with sse/http requests. Supports ${VAR} expansion.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Tools whitelists which discovered tools are registered. Empty
	// registers everything the server exposes.
	Tools []string `yaml:"tools,omitempty"`
}

// SetDefaults applies default values to ToolsConfig.
func (c *ToolsConfig) SetDefaults() {
	if c.FetchTimeout == 0 {
		c.FetchTimeout = 30 * time.Second
	}
	for i := range c.MCPServers {
		c.MCPServers[i].SetDefaults()
	}
}

// Validate checks ToolsConfig for errors.
func (c *ToolsConfig) Validate() error {
	seen := make(map[string]bool, len(c.MCPServers))
	for i := range c.MCPServers {
		s := &c.MCPServers[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("mcp_servers[%d]: %w", i, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("mcp_servers[%d]: duplicate name %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// SetDefaults applies default values to MCPServerConfig.
func (c *MCPServerConfig) SetDefaults() {
	if c.Transport == "" {
		if c.Command != "" {
			c.Transport = MCPTransportStdio
		} else {
			c.Transport = MCPTransportHTTP
		}
	}
}

// Validate checks MCPServerConfig for errors.
func (c *MCPServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	switch c.Transport {
	case MCPTransportStdio:
		if c.Command == "" {
			return fmt.Errorf("command is required for stdio transport")
		}
	case MCPTransportSSE, MCPTransportHTTP:
		if c.URL == "" {
			return fmt.Errorf("url is required for %s transport", c.Transport)
		}
	default:
		return fmt.Errorf("invalid transport %q (valid: stdio, sse, http)", c.Transport)
	}
	return nil
}
