package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/munshi-ai/munshi/pkg/checkpoint"
	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/events"
)

const (
	// titleMaxRunes caps auto-derived conversation titles.
	titleMaxRunes = 72

	// autonomyWindow is how many recent messages the autonomy
	// recommendation looks at.
	autonomyWindow = 12
)

// PlanStore is the slice of the checkpoint store the manager fronts.
type PlanStore interface {
	WritePlan(ctx context.Context, conversationID int64, tasks []checkpoint.Task) error
	ReadPlan(ctx context.Context, conversationID int64) ([]checkpoint.Task, error)
	UpdateStatus(ctx context.Context, conversationID int64, index int, status checkpoint.TaskStatus) error
}

// Emitter is the slice of the event bus the manager needs.
type Emitter interface {
	Emit(conversationID int64, event string, payload any)
}

// TaskView is one plan entry as clients see it.
type TaskView struct {
	Index       int                   `json:"index"`
	Description string                `json:"description"`
	Status      checkpoint.TaskStatus `json:"status"`
}

// TaskSummary is the task_summary event payload. It is built by
// reading the plan back after each mutation, so it always matches the
// stored plan including any normalization the write applied.
type TaskSummary struct {
	ConversationID int64      `json:"conversation_id"`
	Tasks          []TaskView `json:"tasks"`
	Total          int        `json:"total"`
	Completed      int        `json:"completed"`
	InProgress     int        `json:"in_progress"`
	Pending        int        `json:"pending"`
}

// Manager ties the conversation store, the plan store, and the event
// bus together. It satisfies the plan and topic tool ports, so plan
// mutations made by tools reach connected clients as task_summary
// frames without the tools knowing about the bus.
type Manager struct {
	store  Store
	plans  PlanStore
	events Emitter
}

// NewManager wires the manager. events may be nil, in which case plan
// mutations are persisted but not projected.
func NewManager(store Store, plans PlanStore, events Emitter) *Manager {
	return &Manager{store: store, plans: plans, events: events}
}

// Resolve returns the conversation a request addresses. A positive id
// must exist; anything else starts a new conversation owned by userID,
// titled from the first line of seedText. The second return reports
// whether a conversation was created.
func (m *Manager) Resolve(ctx context.Context, conversationID int64, userID, seedText string) (*Conversation, bool, error) {
	if conversationID > 0 {
		conv, err := m.store.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, false, err
		}
		return conv, false, nil
	}

	conv, err := m.store.CreateConversation(ctx, userID, titleFromText(seedText))
	if err != nil {
		return nil, false, err
	}
	return conv, true, nil
}

// AddMessage appends one message to the conversation's log.
func (m *Manager) AddMessage(ctx context.Context, conversationID int64, role Role, content string) (*Message, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("invalid message role %q", role)
	}
	return m.store.AppendMessage(ctx, conversationID, role, content)
}

// ListMessages returns the last limit messages in chronological order.
func (m *Manager) ListMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error) {
	return m.store.ListMessages(ctx, conversationID, limit)
}

// SetTopic records the assistant-assigned topic for the conversation.
func (m *Manager) SetTopic(ctx context.Context, conversationID int64, title, details string) error {
	return m.store.SetTopic(ctx, conversationID, title, details)
}

// WritePlan replaces the conversation's plan and announces it with
// task_plan_created and task_summary frames.
func (m *Manager) WritePlan(ctx context.Context, conversationID int64, tasks []checkpoint.Task) error {
	if err := m.plans.WritePlan(ctx, conversationID, tasks); err != nil {
		return err
	}
	m.projectPlan(ctx, conversationID, events.EventTaskPlanCreated, events.EventTaskSummary)
	return nil
}

// ReadPlan returns the conversation's current plan.
func (m *Manager) ReadPlan(ctx context.Context, conversationID int64) ([]checkpoint.Task, error) {
	return m.plans.ReadPlan(ctx, conversationID)
}

// UpdateStatus moves one task to a new status and announces the
// resulting plan with a task_summary frame.
func (m *Manager) UpdateStatus(ctx context.Context, conversationID int64, index int, status checkpoint.TaskStatus) error {
	if err := m.plans.UpdateStatus(ctx, conversationID, index, status); err != nil {
		return err
	}
	m.projectPlan(ctx, conversationID, events.EventTaskSummary)
	return nil
}

// projectPlan reads the stored plan back and emits it under each of
// the given event names. The mutation is already durable when this
// runs, so a failed readback is logged and swallowed.
func (m *Manager) projectPlan(ctx context.Context, conversationID int64, names ...string) {
	if m.events == nil {
		return
	}

	tasks, err := m.plans.ReadPlan(ctx, conversationID)
	if err != nil {
		slog.Warn("Plan readback failed, task summary not emitted",
			"conversation_id", conversationID, "error", err)
		return
	}

	summary := buildSummary(conversationID, tasks)
	for _, name := range names {
		m.events.Emit(conversationID, name, summary)
	}
}

func buildSummary(conversationID int64, tasks []checkpoint.Task) *TaskSummary {
	summary := &TaskSummary{
		ConversationID: conversationID,
		Tasks:          make([]TaskView, len(tasks)),
		Total:          len(tasks),
	}
	for i, t := range tasks {
		summary.Tasks[i] = TaskView{
			Index:       t.Index,
			Description: t.Description,
			Status:      t.Status,
		}
		switch t.Status {
		case checkpoint.StatusCompleted:
			summary.Completed++
		case checkpoint.StatusInProgress:
			summary.InProgress++
		default:
			summary.Pending++
		}
	}
	return summary
}

// correctionPatterns are phrases in operator messages that signal the
// assistant moved too fast or got something wrong.
var correctionPatterns = []string{
	"slower", "slow down", "too fast",
	"ask me first", "ask before", "check with me", "confirm before",
	"that's wrong", "not what i asked",
	"undo", "revert",
	"stop doing", "don't do",
	"thumbs down", "\U0001F44E",
}

// RecommendAutonomy infers how much latitude the operator wants from
// their recent messages. Repeated corrections drop the level to low, a
// single one holds it at medium, and a clean window of operator
// messages raises it to high. An empty or unreadable window stays at
// medium.
func (m *Manager) RecommendAutonomy(ctx context.Context, conversationID int64) (config.Autonomy, error) {
	msgs, err := m.store.ListMessages(ctx, conversationID, autonomyWindow)
	if err != nil {
		return config.AutonomyMedium, err
	}

	userMessages := 0
	corrections := 0
	for _, msg := range msgs {
		if msg.Role != RoleUser {
			continue
		}
		userMessages++

		text := strings.ToLower(msg.Content)
		text = strings.ReplaceAll(text, "’", "'")
		for _, pattern := range correctionPatterns {
			if strings.Contains(text, pattern) {
				corrections++
				break
			}
		}
	}

	switch {
	case corrections >= 2:
		return config.AutonomyLow, nil
	case corrections == 1:
		return config.AutonomyMedium, nil
	case userMessages > 0:
		return config.AutonomyHigh, nil
	default:
		return config.AutonomyMedium, nil
	}
}

// titleFromText derives a conversation title from the first non-empty
// line of the seed message, capped at titleMaxRunes.
func titleFromText(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		runes := []rune(line)
		if len(runes) > titleMaxRunes {
			return strings.TrimSpace(string(runes[:titleMaxRunes]))
		}
		return line
	}
	return "New conversation"
}
