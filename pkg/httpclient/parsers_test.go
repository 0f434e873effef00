package httpclient

import (
	"net/http"
	"testing"
	"time"
)

func header(pairs ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(pairs); i += 2 {
		h.Set(pairs[i], pairs[i+1])
	}
	return h
}

func TestParseAnthropicHeaders(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		got := ParseAnthropicHeaders(http.Header{})
		if got.RetryAfter != 0 || !got.ResetAt.IsZero() || got.Remaining != 0 {
			t.Errorf("ParseAnthropicHeaders(empty) = %+v, want zero hints", got)
		}
	})

	t.Run("retry after seconds", func(t *testing.T) {
		got := ParseAnthropicHeaders(header("retry-after", "30"))
		if got.RetryAfter != 30*time.Second {
			t.Errorf("RetryAfter = %v, want 30s", got.RetryAfter)
		}
	})

	t.Run("invalid retry after ignored", func(t *testing.T) {
		got := ParseAnthropicHeaders(header("retry-after", "soon"))
		if got.RetryAfter != 0 {
			t.Errorf("RetryAfter = %v, want 0 for unparseable value", got.RetryAfter)
		}
	})

	t.Run("remaining requests", func(t *testing.T) {
		got := ParseAnthropicHeaders(header("anthropic-ratelimit-requests-remaining", "42"))
		if got.Remaining != 42 {
			t.Errorf("Remaining = %d, want 42", got.Remaining)
		}
	})

	t.Run("earliest reset wins", func(t *testing.T) {
		later := time.Now().Add(5 * time.Minute).UTC().Truncate(time.Second)
		sooner := time.Now().Add(time.Minute).UTC().Truncate(time.Second)
		got := ParseAnthropicHeaders(header(
			"anthropic-ratelimit-requests-reset", later.Format(time.RFC3339),
			"anthropic-ratelimit-input-tokens-reset", sooner.Format(time.RFC3339),
		))
		if !got.ResetAt.Equal(sooner) {
			t.Errorf("ResetAt = %v, want the sooner reset %v", got.ResetAt, sooner)
		}
	})
}

func TestParseOpenAIHeaders(t *testing.T) {
	t.Run("retry after and remaining", func(t *testing.T) {
		got := ParseOpenAIHeaders(header(
			"Retry-After", "15",
			"x-ratelimit-remaining-requests", "9",
		))
		if got.RetryAfter != 15*time.Second {
			t.Errorf("RetryAfter = %v, want 15s", got.RetryAfter)
		}
		if got.Remaining != 9 {
			t.Errorf("Remaining = %d, want 9", got.Remaining)
		}
	})

	t.Run("duration reset", func(t *testing.T) {
		before := time.Now()
		got := ParseOpenAIHeaders(header("x-ratelimit-reset-requests", "6m0s"))
		if got.ResetAt.Before(before.Add(5*time.Minute)) || got.ResetAt.After(before.Add(7*time.Minute)) {
			t.Errorf("ResetAt = %v, want roughly six minutes out", got.ResetAt)
		}
	})

	t.Run("epoch reset", func(t *testing.T) {
		got := ParseOpenAIHeaders(header("x-ratelimit-reset-tokens", "1700000000"))
		if !got.ResetAt.Equal(time.Unix(1700000000, 0)) {
			t.Errorf("ResetAt = %v, want epoch 1700000000", got.ResetAt)
		}
	})

	t.Run("earliest reset wins", func(t *testing.T) {
		before := time.Now()
		got := ParseOpenAIHeaders(header(
			"x-ratelimit-reset-requests", "10m0s",
			"x-ratelimit-reset-tokens", "30s",
		))
		if got.ResetAt.After(before.Add(2 * time.Minute)) {
			t.Errorf("ResetAt = %v, want the 30s token reset to win", got.ResetAt)
		}
	})
}

func TestRetryAfterHTTPDate(t *testing.T) {
	at := time.Now().Add(30 * time.Second).UTC()
	got := retryAfterHeader(header("Retry-After", at.Format(http.TimeFormat)))
	if got < 20*time.Second || got > 31*time.Second {
		t.Errorf("retryAfterHeader(date) = %v, want roughly 30s", got)
	}
}
