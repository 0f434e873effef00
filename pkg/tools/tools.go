// Package tools defines the tool port, the registry that exposes tools
// to the model, and the built-in tools every run receives. Tools are
// opaque capabilities; the registry adapts their JSON schemas to the
// model's function-call surface, validates arguments before dispatch,
// and proxies whitelisted read-tool results through the semantic cache.
package tools

import (
	"context"
	"fmt"
	"time"
)

// Tool is an opaque capability the model can invoke.
type Tool interface {
	// Name returns the unique tool name.
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema returns the JSON Schema for the tool's parameters, or nil
	// when the tool takes none.
	Schema() map[string]any

	// Invoke executes the tool. A tool failure the model should see goes
	// in Result.Error; the returned error is reserved for infrastructure
	// failures and cancellation.
	Invoke(ctx context.Context, args map[string]any) (Result, error)
}

// Result is the outcome of a tool invocation.
type Result struct {
	Content       string         `json:"content,omitempty"`
	Error         string         `json:"error,omitempty"`
	ToolName      string         `json:"tool_name"`
	Cached        bool           `json:"cached,omitempty"`
	CacheAge      time.Duration  `json:"cache_age,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Success reports whether the invocation produced a usable result.
func (r Result) Success() bool {
	return r.Error == ""
}

// NewResult returns a successful result with the given content.
func NewResult(content string) Result {
	return Result{Content: content}
}

// NewErrorResult returns a failed result the model should see.
func NewErrorResult(format string, args ...any) Result {
	return Result{Error: fmt.Sprintf(format, args...)}
}

// Source supplies tools discovered from somewhere else, such as an MCP
// server.
type Source interface {
	// Name identifies the source.
	Name() string

	// Discover connects to the source and returns its tools.
	Discover(ctx context.Context) ([]Tool, error)

	// Close releases the source's connections.
	Close() error
}

// RegistryError carries component and action context for registry
// failures.
type RegistryError struct {
	Component string
	Action    string
	Message   string
	Err       error
}

func (e *RegistryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Component, e.Action, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Component, e.Action, e.Message)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

func newRegistryError(action, message string, err error) *RegistryError {
	return &RegistryError{
		Component: "ToolRegistry",
		Action:    action,
		Message:   message,
		Err:       err,
	}
}
