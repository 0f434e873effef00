// Package builtin carries the tools every agent receives regardless of
// configuration: task-plan projection and status updates, conversation
// topic setting, documentation introspection for the software
// engineering agent, and URL fetching.
//
// The tools reach conversation-scoped state through narrow interfaces
// so they stay decoupled from the conversation manager that implements
// them.
package builtin

import (
	"context"
	"encoding/json"

	"github.com/munshi-ai/munshi/pkg/checkpoint"
)

// PlanStore is the slice of the checkpoint store the plan tools need.
// *checkpoint.Store satisfies it.
type PlanStore interface {
	WritePlan(ctx context.Context, conversationID int64, tasks []checkpoint.Task) error
	ReadPlan(ctx context.Context, conversationID int64) ([]checkpoint.Task, error)
	UpdateStatus(ctx context.Context, conversationID int64, index int, status checkpoint.TaskStatus) error
}

// TopicSetter records a conversation's topic. The conversation manager
// satisfies it.
type TopicSetter interface {
	SetTopic(ctx context.Context, conversationID int64, title, details string) error
}

func stringArg(args map[string]any, key string) (string, bool) {
	s, ok := args[key].(string)
	return s, ok
}

// intArg reads an integer argument. Decoded JSON numbers arrive as
// float64 or json.Number depending on the decoder.
func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
