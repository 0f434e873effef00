package contextbuilder

import (
	"strings"
	"testing"

	"github.com/munshi-ai/munshi/pkg/llms"
)

func TestCountWithoutEncoding(t *testing.T) {
	var tc *TokenCounter

	if got := tc.Count(strings.Repeat("a", 40)); got != 10 {
		t.Errorf("Count() = %d, want 10 from the 4-bytes-per-token estimate", got)
	}
	if got := tc.Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}
	if got := tc.Model(); got != "" {
		t.Errorf("Model() = %q, want empty", got)
	}

	zero := &TokenCounter{}
	if got := zero.Count("abcdefgh"); got != 2 {
		t.Errorf("zero-value Count() = %d, want 2", got)
	}
}

func TestCountMessagesWithoutEncoding(t *testing.T) {
	var tc *TokenCounter

	if got := tc.CountMessages(nil); got != 3 {
		t.Errorf("CountMessages(nil) = %d, want the reply priming alone", got)
	}

	messages := []*llms.Message{
		llms.NewUserMessage("abcdefgh"),
		nil,
		llms.NewAssistantMessage("abcdefghijkl"),
	}
	// 3 priming + (3 + role + text) per non-nil message, all estimated
	// at 4 bytes per token.
	want := 3 + (3 + 1 + 2) + (3 + 2 + 3)
	if got := tc.CountMessages(messages); got != want {
		t.Errorf("CountMessages() = %d, want %d", got, want)
	}
}

func TestNewTokenCounter(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Skipf("tokenizer encoding unavailable: %v", err)
	}

	if got := tc.Model(); got != "gpt-4o" {
		t.Errorf("Model() = %q, want gpt-4o", got)
	}
	if got := tc.Count("hello world"); got < 1 || got > 5 {
		t.Errorf("Count(\"hello world\") = %d, want a small positive count", got)
	}

	// Second construction for the same model reuses the cached encoding.
	again, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("NewTokenCounter() on warm cache: %v", err)
	}
	if again.Count("hello world") != tc.Count("hello world") {
		t.Error("cached encoding disagrees with the original")
	}
}
