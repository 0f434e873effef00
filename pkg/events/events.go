// Package events is the SSE event bus between the run supervisor and
// connected clients.
//
// Emission is fire-and-forget: a frame is delivered to every subscriber
// whose buffer has room and silently dropped for the rest, so a slow or
// disconnected client can never block a run. Conversation streams close
// when the run's terminal frame has been emitted; user streams live for
// the length of the client connection and also receive intercepted log
// records.
package events

import (
	"bytes"
	"context"
)

// Event names the bus carries. Producers elsewhere in the module use
// matching literals; this list is the wire contract.
const (
	EventStart           = "start"
	EventConversationID  = "conversation_id"
	EventAgentProcessing = "agent_processing"
	EventAgentStatus     = "agent_status"
	EventAssistantDelta  = "assistant_delta"
	EventToolCall        = "tool_call"
	EventAgentToolCall   = "agent_tool_call"
	EventTaskPlanCreated = "task_plan_created"
	EventTaskSummary     = "task_summary"
	EventInterrupted     = "interrupted"
	EventError           = "error"
	EventDone            = "done"
	EventLog             = "log"
)

// Frame is one server-sent event: a name and a marshaled JSON payload.
type Frame struct {
	Event string
	Data  []byte
}

// Encode renders the frame in SSE wire format:
//
//	event: <name>\ndata: <json>\n\n
//
// Payloads are JSON, which never contains raw newlines, so a single
// data line is always enough.
func (f Frame) Encode() []byte {
	var b bytes.Buffer
	b.Grow(len(f.Event) + len(f.Data) + 16)
	b.WriteString("event: ")
	b.WriteString(f.Event)
	b.WriteString("\ndata: ")
	b.Write(f.Data)
	b.WriteString("\n\n")
	return b.Bytes()
}

type userKey struct{}

// WithUser binds a user id to the context. The log interception handler
// routes records carrying a user to that user's event stream.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the user id bound by WithUser.
func UserFromContext(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userKey{}).(string)
	return userID, ok && userID != ""
}
