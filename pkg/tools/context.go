package tools

import "context"

type contextKey int

const conversationIDKey contextKey = iota

// WithConversationID attaches the owning conversation to a tool
// execution context. The registry sets this before every invocation so
// built-in tools can reach conversation-scoped state without widening
// the Tool interface.
func WithConversationID(ctx context.Context, conversationID int64) context.Context {
	return context.WithValue(ctx, conversationIDKey, conversationID)
}

// ConversationIDFromContext returns the conversation a tool call
// belongs to, if the caller attached one.
func ConversationIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(conversationIDKey).(int64)
	return id, ok
}
