package contextbuilder

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/munshi-ai/munshi/pkg/llms"
)

// fallbackEncoding is used for models tiktoken does not know about.
const fallbackEncoding = "cl100k_base"

// TokenCounter counts tokens with the encoding of a specific model.
// Encodings are expensive to build, so they are cached per model across
// counters. A nil counter estimates at four bytes per token, which keeps
// token accounting alive when the encoding data cannot be loaded.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
}

var (
	encodingCache   = make(map[string]*tiktoken.Tiktoken)
	encodingCacheMu sync.Mutex
)

// NewTokenCounter creates a counter for the given model, falling back
// to cl100k_base when the model is unknown.
func NewTokenCounter(model string) (*TokenCounter, error) {
	encodingCacheMu.Lock()
	defer encodingCacheMu.Unlock()

	if cached, ok := encodingCache[model]; ok {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding(fallbackEncoding)
		if err != nil {
			return nil, fmt.Errorf("failed to load tokenizer encoding: %w", err)
		}
	}
	encodingCache[model] = encoding

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count of the text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return len(text) / 4
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountMessages counts tokens across a message list, including the
// per-message role framing overhead and the assistant reply priming.
func (tc *TokenCounter) CountMessages(messages []*llms.Message) int {
	const tokensPerMessage = 3

	total := 3
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		total += tokensPerMessage
		total += tc.Count(string(msg.Role))
		total += tc.Count(msg.Text())
	}
	return total
}

// Model returns the model the counter was built for.
func (tc *TokenCounter) Model() string {
	if tc == nil {
		return ""
	}
	return tc.model
}
