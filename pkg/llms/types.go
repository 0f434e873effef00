package llms

import "strings"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPartType identifies the kind of a multi-modal content part.
type ContentPartType string

const (
	ContentPartText        ContentPartType = "text"
	ContentPartImageURL    ContentPartType = "image_url"
	ContentPartImageBase64 ContentPartType = "image_base64"
)

// ContentPart is one piece of a multi-modal message. Text parts carry
// Text; image parts carry Data (a URL or base64 payload) plus an
// optional MediaType, detected from the bytes when empty.
type ContentPart struct {
	Type      ContentPartType `json:"type"`
	Text      string          `json:"text,omitempty"`
	MediaType string          `json:"media_type,omitempty"`
	Data      string          `json:"data,omitempty"`
}

// Message is a single turn of model input or output. Plain messages use
// Content; multi-modal messages use Parts instead. Assistant messages
// that invoked tools carry ToolCalls, and the corresponding results come
// back in a RoleTool message via ToolResults.
type Message struct {
	Role        Role          `json:"role"`
	Content     string        `json:"content,omitempty"`
	Parts       []ContentPart `json:"parts,omitempty"`
	ToolCalls   []*ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []*ToolResult `json:"tool_results,omitempty"`
}

// NewSystemMessage returns a system instruction message.
func NewSystemMessage(text string) *Message {
	return &Message{Role: RoleSystem, Content: text}
}

// NewUserMessage returns a plain-text user message.
func NewUserMessage(text string) *Message {
	return &Message{Role: RoleUser, Content: text}
}

// NewAssistantMessage returns a plain-text assistant message.
func NewAssistantMessage(text string) *Message {
	return &Message{Role: RoleAssistant, Content: text}
}

// NewToolCallMessage returns an assistant message that invoked the given
// tools, with optional leading text.
func NewToolCallMessage(text string, calls ...*ToolCall) *Message {
	return &Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
}

// NewToolResultMessage returns a tool message carrying execution results.
func NewToolResultMessage(results ...*ToolResult) *Message {
	return &Message{Role: RoleTool, ToolResults: results}
}

// Text returns the textual content of the message, joining text parts
// when the message is multi-modal.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	if len(m.Parts) == 0 {
		return m.Content
	}
	var b strings.Builder
	for _, part := range m.Parts {
		if part.Type == ContentPartText {
			b.WriteString(part.Text)
		}
	}
	if b.Len() == 0 {
		return m.Content
	}
	return b.String()
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"arguments"`
}

// ToolResult is the outcome of executing a tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name,omitempty"`
	Content    string `json:"content"`
	Error      string `json:"error,omitempty"`
}

// ToolDefinition describes a tool offered to the model. Parameters is a
// JSON Schema object.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Stream chunk kinds emitted by GenerateStreaming.
const (
	ChunkText             = "text"
	ChunkThinking         = "thinking"
	ChunkThinkingComplete = "thinking_complete"
	ChunkToolCall         = "tool_call"
	ChunkDone             = "done"
	ChunkError            = "error"
)

// StreamChunk is one increment of a streaming response. Text chunks
// carry deltas, tool_call chunks carry a fully accumulated call, and the
// final done chunk reports total token usage.
type StreamChunk struct {
	Type     string
	Text     string
	ToolCall *ToolCall
	Tokens   int
	Error    error
}

// StructuredOutputConfig requests schema-constrained output from
// providers that support it.
type StructuredOutputConfig struct {
	// Format of the constrained output. Only "json" is recognized.
	Format string

	// Schema is a JSON Schema object the response must satisfy. When
	// nil, the provider is only asked for syntactically valid JSON.
	Schema map[string]interface{}

	// Prefill seeds the assistant response. Providers without native
	// prefill support ignore it.
	Prefill string
}
