package builtin

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/munshi-ai/munshi/pkg/tools"
)

const (
	defaultFetchTimeout = 30 * time.Second

	// maxFetchBytes caps how much of a response body reaches the model.
	maxFetchBytes = 256 << 10

	// errorSnippetBytes bounds the body excerpt included with HTTP
	// error statuses.
	errorSnippetBytes = 512
)

// FetchTool retrieves a URL over HTTP GET and hands the body to the
// model as text.
type FetchTool struct {
	client *http.Client
}

// NewFetchTool builds the tool around the given client. A nil client
// gets a default with a 30 second timeout.
func NewFetchTool(client *http.Client) *FetchTool {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &FetchTool{client: client}
}

func (t *FetchTool) Name() string { return "fetch_url" }

func (t *FetchTool) Description() string {
	return "Fetch a URL over HTTP GET and return the response body as text. " +
		"Responses larger than 256 KiB are truncated."
}

func (t *FetchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Absolute http or https URL to fetch.",
			},
		},
		"required": []any{"url"},
	}
}

func (t *FetchTool) Invoke(ctx context.Context, args map[string]any) (tools.Result, error) {
	raw, _ := stringArg(args, "url")
	u, err := url.Parse(raw)
	if err != nil {
		return tools.NewErrorResult("invalid URL: %v", err), nil
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return tools.NewErrorResult("unsupported URL scheme %q, only http and https are allowed", u.Scheme), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return tools.NewErrorResult("invalid request: %v", err), nil
	}
	req.Header.Set("User-Agent", "munshi")

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return tools.Result{}, ctx.Err()
		}
		return tools.NewErrorResult("fetch failed: %v", err), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes+1))
	if err != nil {
		return tools.NewErrorResult("reading response from %s: %v", u, err), nil
	}
	truncated := len(body) > maxFetchBytes
	if truncated {
		body = body[:maxFetchBytes]
	}

	if resp.StatusCode >= 400 {
		snippet := body
		if len(snippet) > errorSnippetBytes {
			snippet = snippet[:errorSnippetBytes]
		}
		return tools.NewErrorResult("GET %s returned %s: %s", u, resp.Status, snippet), nil
	}
	if !utf8.Valid(body) {
		return tools.NewErrorResult("response from %s is binary (%s), only text can be returned",
			u, resp.Header.Get("Content-Type")), nil
	}

	content := string(body)
	if truncated {
		content += "\n[truncated]"
	}
	res := tools.NewResult(content)
	res.Metadata = map[string]any{
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
	}
	if truncated {
		res.Metadata["truncated"] = true
	}
	return res, nil
}
