package builtin

import (
	"context"
	"fmt"
	"strings"

	"github.com/munshi-ai/munshi/pkg/tools"
)

// TopicTool lets the model label a conversation once its subject is
// clear. The title shows up in conversation listings; details hold the
// longer summary the context builder folds back in.
type TopicTool struct {
	topics TopicSetter
}

func NewTopicTool(topics TopicSetter) *TopicTool {
	return &TopicTool{topics: topics}
}

func (t *TopicTool) Name() string { return "set_conversation_topic" }

func (t *TopicTool) Description() string {
	return "Set the topic of the current conversation. Use a short title and, optionally, " +
		"a few sentences of detail describing what the conversation is about."
}

func (t *TopicTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title": map[string]any{
				"type":        "string",
				"description": "Short topic title, a few words.",
			},
			"details": map[string]any{
				"type":        "string",
				"description": "Optional longer description of the topic.",
			},
		},
		"required": []any{"title"},
	}
}

func (t *TopicTool) Invoke(ctx context.Context, args map[string]any) (tools.Result, error) {
	conversationID, ok := tools.ConversationIDFromContext(ctx)
	if !ok {
		return tools.Result{}, fmt.Errorf("set_conversation_topic: no conversation bound to context")
	}

	title, _ := stringArg(args, "title")
	title = strings.TrimSpace(title)
	if title == "" {
		return tools.NewErrorResult("title cannot be empty"), nil
	}
	details, _ := stringArg(args, "details")

	if err := t.topics.SetTopic(ctx, conversationID, title, strings.TrimSpace(details)); err != nil {
		return tools.Result{}, fmt.Errorf("setting topic: %w", err)
	}
	return tools.NewResult(fmt.Sprintf("Conversation topic set to %q.", title)), nil
}
