package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// ParseAnthropicHeaders reads the anthropic-ratelimit response headers.
// Reset headers carry RFC3339 timestamps; the earliest one present
// wins.
func ParseAnthropicHeaders(h http.Header) RateLimit {
	rl := RateLimit{RetryAfter: retryAfterHeader(h)}
	for _, name := range []string{
		"anthropic-ratelimit-requests-reset",
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
	} {
		v := h.Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			continue
		}
		if rl.ResetAt.IsZero() || t.Before(rl.ResetAt) {
			rl.ResetAt = t
		}
	}
	if n, err := strconv.Atoi(h.Get("anthropic-ratelimit-requests-remaining")); err == nil {
		rl.Remaining = n
	}
	return rl
}

// ParseOpenAIHeaders reads the x-ratelimit response headers served by
// OpenAI and compatible endpoints (OpenRouter uses the same names).
// Reset values are durations like "6m12s" on OpenAI itself; some
// compatible servers send epoch seconds, so both forms are accepted.
func ParseOpenAIHeaders(h http.Header) RateLimit {
	rl := RateLimit{RetryAfter: retryAfterHeader(h)}
	for _, name := range []string{
		"x-ratelimit-reset-requests",
		"x-ratelimit-reset-tokens",
	} {
		t := parseResetValue(h.Get(name))
		if t.IsZero() {
			continue
		}
		if rl.ResetAt.IsZero() || t.Before(rl.ResetAt) {
			rl.ResetAt = t
		}
	}
	if n, err := strconv.Atoi(h.Get("x-ratelimit-remaining-requests")); err == nil {
		rl.Remaining = n
	}
	return rl
}

// retryAfterHeader parses Retry-After, accepting both delta seconds and
// HTTP dates.
func retryAfterHeader(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		return time.Until(t)
	}
	return 0
}

func parseResetValue(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	if d, err := time.ParseDuration(v); err == nil {
		return time.Now().Add(d)
	}
	if epoch, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Unix(epoch, 0)
	}
	return time.Time{}
}
