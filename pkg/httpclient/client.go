// Package httpclient provides the retrying HTTP client shared by the
// LLM and embedder adapters. Retries honor provider rate-limit headers
// when a parser is configured and fall back to jittered exponential
// backoff otherwise.
package httpclient

import (
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"
)

// RetryStrategy says how a response status should be retried.
type RetryStrategy int

const (
	// NoRetry surfaces the response immediately.
	NoRetry RetryStrategy = iota
	// ConservativeRetry allows a couple of quick attempts, for
	// transient server errors.
	ConservativeRetry
	// SmartRetry waits out the provider's advertised rate-limit delay.
	SmartRetry
)

const (
	defaultTimeout    = 60 * time.Second
	defaultMaxRetries = 3
	defaultBaseDelay  = 2 * time.Second
	maxBackoff        = time.Minute

	// Quick attempts allowed under ConservativeRetry before giving up.
	conservativeAttempts = 2

	// Anthropic's overload status; no stdlib constant exists for it.
	statusOverloaded = 529
)

// RateLimit carries the throttling hints a provider attached to a
// response.
type RateLimit struct {
	// RetryAfter is the provider-requested wait before the next attempt.
	RetryAfter time.Duration
	// ResetAt is when the exhausted budget refills.
	ResetAt time.Time
	// Remaining is the number of requests left in the current window.
	Remaining int
}

// HeaderParser extracts rate-limit hints from response headers.
type HeaderParser func(http.Header) RateLimit

// Client wraps http.Client with status-aware retries. Construct with
// New.
type Client struct {
	hc         *http.Client
	maxRetries int
	baseDelay  time.Duration
	parse      HeaderParser
	classify   func(status int) RetryStrategy
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying http.Client, usually to control
// the request timeout or transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithMaxRetries caps the number of retries after the first attempt.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithBaseDelay sets the first backoff step used when the provider does
// not say how long to wait.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Client) { c.baseDelay = d }
}

// WithHeaderParser installs the provider-specific rate-limit header
// parser.
func WithHeaderParser(p HeaderParser) Option {
	return func(c *Client) { c.parse = p }
}

// WithRetryStrategy replaces the status classification.
func WithRetryStrategy(f func(status int) RetryStrategy) Option {
	return func(c *Client) { c.classify = f }
}

// New builds a retrying client.
func New(opts ...Option) *Client {
	c := &Client{
		hc:         &http.Client{Timeout: defaultTimeout},
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		classify:   DefaultRetryStrategy,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultRetryStrategy maps status codes to retry behavior. Rate
// limiting and overload wait out the advertised delay, transient server
// errors get quick retries, and everything else surfaces immediately.
func DefaultRetryStrategy(status int) RetryStrategy {
	switch status {
	case http.StatusTooManyRequests, http.StatusServiceUnavailable, statusOverloaded:
		return SmartRetry
	case http.StatusRequestTimeout, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusGatewayTimeout:
		return ConservativeRetry
	}
	return NoRetry
}

// Do sends req, retrying retryable statuses until the retry budget is
// spent. The request context is honored between attempts. When the
// client gives up, the last response is returned alongside a
// *RetryableError so callers can still read the provider's error body.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			if err := rewindBody(req); err != nil {
				return nil, err
			}
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode/100 == 2 {
			return resp, nil
		}

		strategy := c.classify(resp.StatusCode)
		if strategy == NoRetry {
			return resp, fmt.Errorf("httpclient: HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		}

		var rl RateLimit
		if c.parse != nil {
			rl = c.parse(resp.Header)
		}
		wait := c.wait(strategy, attempt, rl)
		if attempt >= c.maxRetries || wait <= 0 {
			return resp, &RetryableError{
				StatusCode: resp.StatusCode,
				Message:    http.StatusText(resp.StatusCode),
				RetryAfter: wait,
			}
		}

		c.logRetry(resp.StatusCode, strategy, wait, attempt, rl)
		drainBody(resp)
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(wait):
		}
	}
}

// wait returns how long to sleep before the next attempt, or zero to
// give up. Provider hints win over computed backoff.
func (c *Client) wait(strategy RetryStrategy, attempt int, rl RateLimit) time.Duration {
	switch strategy {
	case SmartRetry:
		if rl.RetryAfter > 0 {
			return rl.RetryAfter
		}
		if !rl.ResetAt.IsZero() {
			if d := time.Until(rl.ResetAt); d > 0 {
				return d
			}
		}
		return c.backoff(attempt)
	case ConservativeRetry:
		if attempt >= conservativeAttempts {
			return 0
		}
		return c.baseDelay
	}
	return 0
}

// backoff doubles the base delay per attempt with a quarter of jitter,
// capped so a long outage cannot park a run for minutes.
func (c *Client) backoff(attempt int) time.Duration {
	d := c.baseDelay
	for i := 0; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	if j := d / 4; j > 0 {
		d += rand.N(j)
	}
	return d
}

func (c *Client) logRetry(status int, strategy RetryStrategy, wait time.Duration, attempt int, rl RateLimit) {
	if strategy == SmartRetry {
		slog.Warn("Provider rate limited, backing off",
			"status", status,
			"wait", wait,
			"attempt", attempt+1,
			"max_retries", c.maxRetries,
			"requests_remaining", rl.Remaining)
		return
	}
	slog.Debug("Transient provider error, retrying",
		"status", status, "wait", wait, "attempt", attempt+1)
}

// rewindBody restores the request body for another attempt.
func rewindBody(req *http.Request) error {
	if req.GetBody == nil {
		return nil
	}
	body, err := req.GetBody()
	if err != nil {
		return fmt.Errorf("httpclient: rewinding request body: %w", err)
	}
	req.Body = body
	return nil
}

// drainBody discards a failed response before the next attempt so the
// connection can be reused. Oversized bodies are cut off and the
// connection dropped instead.
func drainBody(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}
