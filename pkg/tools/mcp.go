package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/httpclient"
)

const (
	mcpProtocolVersion = "2024-11-05"
	mcpClientName      = "munshi"
	mcpClientVersion   = "1.0"

	// mcpSSETimeout bounds how long a streamable-http server may take
	// to deliver one JSON-RPC response over its event stream.
	mcpSSETimeout = 5 * time.Minute

	mcpHTTPTimeout = 30 * time.Second
	mcpMaxRetries  = 3
)

// MCPSource discovers and invokes tools exposed by one MCP server.
// Stdio servers run as a subprocess through mcp-go; sse and http
// servers speak JSON-RPC over the retrying HTTP client, including the
// streamable-http session and event-stream response forms.
//
// Discovered tool names are prefixed with the server name (name__tool)
// so multiple servers cannot collide in the registry.
type MCPSource struct {
	cfg    config.MCPServerConfig
	filter map[string]bool

	mu         sync.Mutex
	stdio      *client.Client
	httpClient *httpclient.Client
	httpInit   bool

	sessionMu sync.RWMutex
	sessionID string

	nextID atomic.Int64
}

// NewMCPSource builds a source for one configured server. The
// connection is established lazily on the first Discover.
func NewMCPSource(cfg config.MCPServerConfig) (*MCPSource, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, newRegistryError("mcp_source", fmt.Sprintf("server %q", cfg.Name), err)
	}

	var filter map[string]bool
	if len(cfg.Tools) > 0 {
		filter = make(map[string]bool, len(cfg.Tools))
		for _, name := range cfg.Tools {
			filter[name] = true
		}
	}
	return &MCPSource{cfg: cfg, filter: filter}, nil
}

func (s *MCPSource) Name() string { return s.cfg.Name }

// Discover connects if needed and returns the server's tool surface.
func (s *MCPSource) Discover(ctx context.Context) ([]Tool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Transport == config.MCPTransportStdio {
		return s.discoverStdio(ctx)
	}
	return s.discoverHTTP(ctx)
}

func (s *MCPSource) discoverStdio(ctx context.Context) ([]Tool, error) {
	if s.stdio == nil {
		mcpClient, err := client.NewStdioMCPClient(s.cfg.Command, envList(s.cfg.Env), s.cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("starting MCP server %s: %w", s.cfg.Name, err)
		}
		if err := mcpClient.Start(ctx); err != nil {
			return nil, fmt.Errorf("starting MCP server %s: %w", s.cfg.Name, err)
		}

		initReq := mcp.InitializeRequest{}
		initReq.Params.ProtocolVersion = mcpProtocolVersion
		initReq.Params.ClientInfo = mcp.Implementation{
			Name:    mcpClientName,
			Version: mcpClientVersion,
		}
		if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
			mcpClient.Close()
			return nil, fmt.Errorf("initializing MCP server %s: %w", s.cfg.Name, err)
		}
		s.stdio = mcpClient
	}

	listResp, err := s.stdio.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("listing tools on %s: %w", s.cfg.Name, err)
	}

	var tools []Tool
	for _, remote := range listResp.Tools {
		if s.filter != nil && !s.filter[remote.Name] {
			continue
		}
		tools = append(tools, &mcpTool{
			source: s,
			remote: remote.Name,
			name:   s.qualified(remote.Name),
			desc:   remote.Description,
			schema: convertInputSchema(remote.InputSchema),
			stdio:  true,
		})
	}

	slog.Info("Connected to MCP server", "name", s.cfg.Name, "transport", "stdio",
		"command", s.cfg.Command, "tools", len(tools))
	return tools, nil
}

func (s *MCPSource) discoverHTTP(ctx context.Context) ([]Tool, error) {
	if s.httpClient == nil {
		s.httpClient = httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: mcpHTTPTimeout}),
			httpclient.WithMaxRetries(mcpMaxRetries),
			httpclient.WithBaseDelay(2*time.Second),
		)
	}
	if !s.httpInit {
		initResp, err := s.rpc(ctx, "initialize", map[string]any{
			"protocolVersion": mcpProtocolVersion,
			"clientInfo": map[string]any{
				"name":    mcpClientName,
				"version": mcpClientVersion,
			},
			"capabilities": map[string]any{},
		})
		if err != nil {
			return nil, fmt.Errorf("initializing MCP server %s: %w", s.cfg.Name, err)
		}
		if initResp.Error != nil {
			return nil, fmt.Errorf("initializing MCP server %s: %s", s.cfg.Name, initResp.Error.Message)
		}
		s.httpInit = true
	}

	listResp, err := s.rpc(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("listing tools on %s: %w", s.cfg.Name, err)
	}
	if listResp.Error != nil {
		return nil, fmt.Errorf("listing tools on %s: %s", s.cfg.Name, listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("unexpected tools/list result from %s", s.cfg.Name)
	}
	rawTools, ok := resultMap["tools"].([]any)
	if !ok {
		return nil, fmt.Errorf("missing tools in tools/list response from %s", s.cfg.Name)
	}

	var tools []Tool
	for _, raw := range rawTools {
		toolMap, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		if name == "" || (s.filter != nil && !s.filter[name]) {
			continue
		}
		desc, _ := toolMap["description"].(string)
		schema, _ := toolMap["inputSchema"].(map[string]any)

		tools = append(tools, &mcpTool{
			source: s,
			remote: name,
			name:   s.qualified(name),
			desc:   desc,
			schema: schema,
		})
	}

	slog.Info("Connected to MCP server", "name", s.cfg.Name, "transport", s.cfg.Transport,
		"url", s.cfg.URL, "tools", len(tools))
	return tools, nil
}

// Close shuts down the server connection. Stdio servers get their
// subprocess terminated; HTTP connections just drop state.
func (s *MCPSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var err error
	if s.stdio != nil {
		err = s.stdio.Close()
		s.stdio = nil
	}
	s.httpClient = nil
	s.httpInit = false
	return err
}

func (s *MCPSource) qualified(remote string) string {
	return s.cfg.Name + "__" + remote
}

// rpc sends one JSON-RPC request. Streamable-http responses arriving as
// an event stream are folded back into a single response.
func (s *MCPSource) rpc(ctx context.Context, method string, params any) (*jsonRPCResponse, error) {
	req := jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      s.nextID.Add(1),
		Method:  method,
		Params:  params,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, strings.NewReader(string(body)))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range s.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	s.sessionMu.RLock()
	sessionID := s.sessionID
	s.sessionMu.RUnlock()
	if sessionID != "" {
		httpReq.Header.Set("mcp-session-id", sessionID)
	}

	httpResp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if newSession := httpResp.Header.Get("mcp-session-id"); newSession != "" {
		s.sessionMu.Lock()
		s.sessionID = newSession
		s.sessionMu.Unlock()
	}

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(httpResp.Body)
		return nil, fmt.Errorf("HTTP %d from %s: %s", httpResp.StatusCode, s.cfg.Name, respBody)
	}

	if strings.Contains(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(httpResp.Body, mcpSSETimeout)
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse reads the first complete JSON-RPC message from an
// event stream. Data lines accumulate until a blank line closes the
// event.
func readSSEResponse(body io.Reader, timeout time.Duration) (*jsonRPCResponse, error) {
	type outcome struct {
		resp *jsonRPCResponse
		err  error
	}
	done := make(chan outcome, 1)

	go func() {
		reader := bufio.NewReader(body)
		var data strings.Builder
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				break
			}
			line = strings.TrimSpace(line)

			if line == "" {
				if data.Len() > 0 {
					var resp jsonRPCResponse
					if parseErr := json.Unmarshal([]byte(data.String()), &resp); parseErr == nil {
						done <- outcome{resp: &resp}
						return
					}
					data.Reset()
				}
				continue
			}
			if strings.HasPrefix(line, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}

		if data.Len() > 0 {
			var resp jsonRPCResponse
			if parseErr := json.Unmarshal([]byte(data.String()), &resp); parseErr == nil {
				done <- outcome{resp: &resp}
				return
			}
		}
		done <- outcome{err: fmt.Errorf("event stream ended without a complete message")}
	}()

	select {
	case out := <-done:
		return out.resp, out.err
	case <-time.After(timeout):
		return nil, fmt.Errorf("timed out reading event stream after %v", timeout)
	}
}

type jsonRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// mcpTool adapts one remote tool to the Tool interface. The registry
// sees the qualified name; the server is called with its own.
type mcpTool struct {
	source *MCPSource
	remote string
	name   string
	desc   string
	schema map[string]any
	stdio  bool
}

func (t *mcpTool) Name() string           { return t.name }
func (t *mcpTool) Description() string    { return t.desc }
func (t *mcpTool) Schema() map[string]any { return t.schema }

func (t *mcpTool) Invoke(ctx context.Context, args map[string]any) (Result, error) {
	if t.stdio {
		return t.invokeStdio(ctx, args)
	}
	return t.invokeHTTP(ctx, args)
}

func (t *mcpTool) invokeStdio(ctx context.Context, args map[string]any) (Result, error) {
	t.source.mu.Lock()
	mcpClient := t.source.stdio
	t.source.mu.Unlock()
	if mcpClient == nil {
		return Result{}, fmt.Errorf("MCP server %s is not connected", t.source.cfg.Name)
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = t.remote
	req.Params.Arguments = args

	resp, err := mcpClient.CallTool(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("calling %s on %s: %w", t.remote, t.source.cfg.Name, err)
	}

	var texts []string
	for _, content := range resp.Content {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	text := strings.Join(texts, "\n")
	if resp.IsError {
		if text == "" {
			text = "unknown error"
		}
		return Result{Error: text, ToolName: t.name}, nil
	}
	return NewResult(text), nil
}

func (t *mcpTool) invokeHTTP(ctx context.Context, args map[string]any) (Result, error) {
	resp, err := t.source.rpc(ctx, "tools/call", map[string]any{
		"name":      t.remote,
		"arguments": args,
	})
	if err != nil {
		return Result{}, fmt.Errorf("calling %s on %s: %w", t.remote, t.source.cfg.Name, err)
	}
	if resp.Error != nil {
		return Result{Error: resp.Error.Message, ToolName: t.name}, nil
	}

	resultMap, ok := resp.Result.(map[string]any)
	if !ok {
		raw, err := json.Marshal(resp.Result)
		if err != nil {
			return Result{}, fmt.Errorf("unexpected result from %s: %w", t.source.cfg.Name, err)
		}
		return NewResult(string(raw)), nil
	}

	var texts []string
	if content, ok := resultMap["content"].([]any); ok {
		for _, c := range content {
			if cm, ok := c.(map[string]any); ok && cm["type"] == "text" {
				if text, ok := cm["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
	}
	text := strings.Join(texts, "\n")

	if isError, _ := resultMap["isError"].(bool); isError {
		if text == "" {
			text = "unknown error"
		}
		return Result{Error: text, ToolName: t.name}, nil
	}
	return NewResult(text), nil
}

// convertInputSchema round-trips the typed MCP schema into the plain
// map the adaptation pipeline works on.
func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
