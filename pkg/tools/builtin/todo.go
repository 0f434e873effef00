package builtin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/munshi-ai/munshi/pkg/checkpoint"
	"github.com/munshi-ai/munshi/pkg/tools"
)

// TodoWriteTool projects the model's working plan onto the durable task
// list. The model resubmits the full list on every call; extracted item
// data already attached to a task survives the rewrite.
type TodoWriteTool struct {
	plans PlanStore
}

func NewTodoWriteTool(plans PlanStore) *TodoWriteTool {
	return &TodoWriteTool{plans: plans}
}

func (t *TodoWriteTool) Name() string { return "todo_write" }

func (t *TodoWriteTool) Description() string {
	return "Record or replace the task plan for this conversation. " +
		"Pass the complete list of tasks in execution order on every call. " +
		"Statuses are pending, in_progress, or completed."
}

func (t *TodoWriteTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"todos": map[string]any{
				"type":        "array",
				"description": "Full task list in execution order.",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"description": map[string]any{
							"type":        "string",
							"description": "What this task accomplishes.",
						},
						"status": map[string]any{
							"type": "string",
							"enum": []any{"pending", "in_progress", "completed"},
						},
					},
					"required": []any{"description"},
				},
			},
		},
		"required": []any{"todos"},
	}
}

func (t *TodoWriteTool) Invoke(ctx context.Context, args map[string]any) (tools.Result, error) {
	conversationID, ok := tools.ConversationIDFromContext(ctx)
	if !ok {
		return tools.Result{}, fmt.Errorf("todo_write: no conversation bound to context")
	}

	rawTodos, ok := args["todos"].([]any)
	if !ok {
		return tools.NewErrorResult("todos must be an array of task objects"), nil
	}

	tasks := make([]checkpoint.Task, 0, len(rawTodos))
	for i, raw := range rawTodos {
		item, ok := raw.(map[string]any)
		if !ok {
			return tools.NewErrorResult("todo %d must be an object", i), nil
		}
		desc, _ := stringArg(item, "description")
		desc = strings.TrimSpace(desc)
		if desc == "" {
			return tools.NewErrorResult("todo %d is missing a description", i), nil
		}
		task := checkpoint.Task{Description: desc}
		if s, ok := stringArg(item, "status"); ok && s != "" {
			status := checkpoint.TaskStatus(s)
			if !status.Valid() {
				return tools.NewErrorResult("todo %d has unknown status %q", i, s), nil
			}
			task.Status = status
		}
		tasks = append(tasks, task)
	}

	// Carry forward extracted item data the model does not resubmit.
	if existing, err := t.plans.ReadPlan(ctx, conversationID); err == nil {
		for i := range tasks {
			if tasks[i].Data == nil && i < len(existing) {
				tasks[i].Data = existing[i].Data
			}
		}
	}

	if err := t.plans.WritePlan(ctx, conversationID, tasks); err != nil {
		if errors.Is(err, checkpoint.ErrBusy) {
			return tools.NewErrorResult("the plan is being updated by another operation; try again"), nil
		}
		return tools.Result{}, fmt.Errorf("writing plan: %w", err)
	}

	var completed, inProgress, pending int
	for _, task := range tasks {
		switch task.Status {
		case checkpoint.StatusCompleted:
			completed++
		case checkpoint.StatusInProgress:
			inProgress++
		default:
			pending++
		}
	}
	return tools.NewResult(fmt.Sprintf("Recorded %d tasks (%d completed, %d in progress, %d pending).",
		len(tasks), completed, inProgress, pending)), nil
}

// TaskStatusTool advances a single task on the durable plan.
type TaskStatusTool struct {
	plans PlanStore
}

func NewTaskStatusTool(plans PlanStore) *TaskStatusTool {
	return &TaskStatusTool{plans: plans}
}

func (t *TaskStatusTool) Name() string { return "task_status" }

func (t *TaskStatusTool) Description() string {
	return "Update the status of one task on the conversation's plan by its zero-based index. " +
		"Completed tasks cannot be reopened."
}

func (t *TaskStatusTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"index": map[string]any{
				"type":        "integer",
				"minimum":     0,
				"description": "Zero-based position of the task in the plan.",
			},
			"status": map[string]any{
				"type": "string",
				"enum": []any{"pending", "in_progress", "completed"},
			},
		},
		"required": []any{"index", "status"},
	}
}

func (t *TaskStatusTool) Invoke(ctx context.Context, args map[string]any) (tools.Result, error) {
	conversationID, ok := tools.ConversationIDFromContext(ctx)
	if !ok {
		return tools.Result{}, fmt.Errorf("task_status: no conversation bound to context")
	}

	index, ok := intArg(args, "index")
	if !ok {
		return tools.NewErrorResult("index must be an integer"), nil
	}
	rawStatus, _ := stringArg(args, "status")
	status := checkpoint.TaskStatus(rawStatus)
	if !status.Valid() {
		return tools.NewErrorResult("unknown status %q", rawStatus), nil
	}

	err := t.plans.UpdateStatus(ctx, conversationID, index, status)
	switch {
	case err == nil:
		return tools.NewResult(fmt.Sprintf("Task %d marked %s.", index, status)), nil
	case errors.Is(err, checkpoint.ErrNotFound):
		return tools.NewErrorResult("no task %d in the current plan", index), nil
	case errors.Is(err, checkpoint.ErrAlreadyCompleted):
		return tools.NewErrorResult("task %d is already completed and cannot be reopened", index), nil
	case errors.Is(err, checkpoint.ErrBusy):
		return tools.NewErrorResult("the plan is being updated by another operation; try again"), nil
	default:
		return tools.Result{}, fmt.Errorf("updating task status: %w", err)
	}
}
