// Package testutils provides shared test fakes, chiefly a scripted
// chat model that replays fixed turns across the plain, streaming, and
// structured generation paths. Deterministic embeddings come from
// embedder.NewLocalEmbedder; in-memory stores live next to their SQL
// counterparts in their own packages.
package testutils

import (
	"context"
	"strings"
	"sync"

	"github.com/munshi-ai/munshi/pkg/llms"
)

// Turn is one scripted model response.
type Turn struct {
	// Text is the assistant text for the turn. Streaming splits it
	// into word-sized delta chunks.
	Text string

	// Thinking is optional reasoning streamed ahead of the text.
	Thinking string

	// ToolCalls are emitted after the text.
	ToolCalls []*llms.ToolCall

	// Structured is the raw payload GenerateStructured returns for
	// this turn. Empty falls back to Text.
	Structured string

	// Tokens is the usage reported for the turn.
	Tokens int

	// Err fails the call outright, before any chunk is produced.
	Err error

	// StreamErr is delivered as an error chunk after the text, for
	// exercising mid-stream failures. Ignored by non-streaming calls.
	StreamErr error
}

// Request is one recorded generation call.
type Request struct {
	Messages   []*llms.Message
	Tools      []llms.ToolDefinition
	Streaming  bool
	Structured *llms.StructuredOutputConfig
}

// ChatModel replays scripted turns in call order, shared across
// Generate, GenerateStreaming, and GenerateStructured. A supervisor
// streaming turn and the sub-agent turns it triggers pop from the same
// queue, so scripts read like the conversation they drive. When the
// script runs out the model answers "done" with no tool calls, which
// terminates agent loops.
//
// All methods are safe for concurrent use; parallel workers pop turns
// in whatever order they reach the model.
type ChatModel struct {
	mu       sync.Mutex
	turns    []Turn
	requests []Request
}

var _ llms.StructuredOutputProvider = (*ChatModel)(nil)

// NewChatModel builds a model that will replay the given turns.
func NewChatModel(turns ...Turn) *ChatModel {
	return &ChatModel{turns: append([]Turn(nil), turns...)}
}

// Script appends more turns to the replay queue.
func (m *ChatModel) Script(turns ...Turn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = append(m.turns, turns...)
}

// Requests returns a copy of every generation call seen so far.
func (m *ChatModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.requests...)
}

// Remaining reports how many scripted turns are still queued.
func (m *ChatModel) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.turns)
}

// next records the call and pops the next turn under the lock.
func (m *ChatModel) next(req Request) Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	req.Messages = append([]*llms.Message(nil), req.Messages...)
	m.requests = append(m.requests, req)
	if len(m.turns) == 0 {
		return Turn{Text: "done"}
	}
	turn := m.turns[0]
	m.turns = m.turns[1:]
	return turn
}

// Generate replays the next turn as a complete response.
func (m *ChatModel) Generate(ctx context.Context, messages []*llms.Message, tools []llms.ToolDefinition) (string, []*llms.ToolCall, int, error) {
	turn := m.next(Request{Messages: messages, Tools: tools})
	if turn.Err != nil {
		return "", nil, 0, turn.Err
	}
	return turn.Text, turn.ToolCalls, turn.Tokens, nil
}

// GenerateStreaming replays the next turn as a chunk sequence:
// thinking, word-sized text deltas, tool calls, then done. The channel
// is pre-filled and closed before return, so tests never leak a
// producer goroutine.
func (m *ChatModel) GenerateStreaming(ctx context.Context, messages []*llms.Message, tools []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	turn := m.next(Request{Messages: messages, Tools: tools, Streaming: true})
	if turn.Err != nil {
		return nil, turn.Err
	}

	words := splitWords(turn.Text)
	ch := make(chan llms.StreamChunk, len(words)+len(turn.ToolCalls)+4)
	if turn.Thinking != "" {
		ch <- llms.StreamChunk{Type: llms.ChunkThinking, Text: turn.Thinking}
		ch <- llms.StreamChunk{Type: llms.ChunkThinkingComplete}
	}
	for _, w := range words {
		ch <- llms.StreamChunk{Type: llms.ChunkText, Text: w}
	}
	if turn.StreamErr != nil {
		ch <- llms.StreamChunk{Type: llms.ChunkError, Error: turn.StreamErr}
		close(ch)
		return ch, nil
	}
	for _, call := range turn.ToolCalls {
		ch <- llms.StreamChunk{Type: llms.ChunkToolCall, ToolCall: call}
	}
	ch <- llms.StreamChunk{Type: llms.ChunkDone, Tokens: turn.Tokens}
	close(ch)
	return ch, nil
}

// GenerateStructured replays the next turn's Structured payload, or
// its Text when none is set.
func (m *ChatModel) GenerateStructured(ctx context.Context, messages []*llms.Message, tools []llms.ToolDefinition, structCfg *llms.StructuredOutputConfig) (string, []*llms.ToolCall, int, error) {
	turn := m.next(Request{Messages: messages, Tools: tools, Structured: structCfg})
	if turn.Err != nil {
		return "", nil, 0, turn.Err
	}
	out := turn.Structured
	if out == "" {
		out = turn.Text
	}
	return out, turn.ToolCalls, turn.Tokens, nil
}

// SupportsStructuredOutput always reports true.
func (m *ChatModel) SupportsStructuredOutput() bool { return true }

// GetModelName returns the fixed test model identifier.
func (m *ChatModel) GetModelName() string { return "scripted" }

// GetMaxTokens returns a fixed response limit.
func (m *ChatModel) GetMaxTokens() int { return 4096 }

// GetTemperature returns a fixed sampling temperature.
func (m *ChatModel) GetTemperature() float64 { return 0 }

// Close is a no-op.
func (m *ChatModel) Close() error { return nil }

// splitWords cuts text into space-terminated segments so streamed
// deltas have to be reassembled by the consumer.
func splitWords(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.SplitAfter(s, " ")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
