package builtin

import (
	"context"
	"strings"
	"testing"

	"github.com/munshi-ai/munshi/pkg/checkpoint"
	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/tools"
)

func newTestPlans(t *testing.T) *checkpoint.Store {
	t.Helper()
	store, err := checkpoint.NewStore(config.CheckpointConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("NewStore() failed: %v", err)
	}
	return store
}

func convCtx(id int64) context.Context {
	return tools.WithConversationID(context.Background(), id)
}

func TestTodoWriteRecordsPlan(t *testing.T) {
	store := newTestPlans(t)
	tool := NewTodoWriteTool(store)

	res, err := tool.Invoke(convCtx(7), map[string]any{
		"todos": []any{
			map[string]any{"description": "update price for SKU-1", "status": "completed"},
			map[string]any{"description": "update price for SKU-2", "status": "in_progress"},
			map[string]any{"description": "update price for SKU-3"},
		},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !res.Success() {
		t.Fatalf("unexpected failure: %+v", res)
	}
	if !strings.Contains(res.Content, "3 tasks") || !strings.Contains(res.Content, "1 completed") {
		t.Errorf("Content = %q", res.Content)
	}

	tasks, err := store.ReadPlan(context.Background(), 7)
	if err != nil {
		t.Fatalf("ReadPlan() failed: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("plan has %d tasks, want 3", len(tasks))
	}
	if tasks[0].Status != checkpoint.StatusCompleted {
		t.Errorf("task 0 status = %q", tasks[0].Status)
	}
	if tasks[1].Status != checkpoint.StatusInProgress {
		t.Errorf("task 1 status = %q", tasks[1].Status)
	}
	if tasks[2].Status != checkpoint.StatusPending {
		t.Errorf("task 2 status = %q, want pending default", tasks[2].Status)
	}
}

func TestTodoWriteCarriesForwardTaskData(t *testing.T) {
	store := newTestPlans(t)
	ctx := context.Background()

	seed := []checkpoint.Task{
		{Description: "update price for SKU-1", Data: map[string]any{"sku": "SKU-1", "price": "12.99"}},
		{Description: "update price for SKU-2", Data: map[string]any{"sku": "SKU-2", "price": "8.50"}},
	}
	if err := store.WritePlan(ctx, 7, seed); err != nil {
		t.Fatalf("WritePlan() failed: %v", err)
	}

	tool := NewTodoWriteTool(store)
	res, err := tool.Invoke(convCtx(7), map[string]any{
		"todos": []any{
			map[string]any{"description": "update price for SKU-1", "status": "completed"},
			map[string]any{"description": "update price for SKU-2"},
		},
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !res.Success() {
		t.Fatalf("unexpected failure: %+v", res)
	}

	tasks, err := store.ReadPlan(ctx, 7)
	if err != nil {
		t.Fatalf("ReadPlan() failed: %v", err)
	}
	if tasks[0].Data["sku"] != "SKU-1" || tasks[1].Data["price"] != "8.50" {
		t.Errorf("extracted data lost on rewrite: %+v", tasks)
	}
}

func TestTodoWriteValidation(t *testing.T) {
	store := newTestPlans(t)
	tool := NewTodoWriteTool(store)

	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{
			name:    "missing todos",
			args:    map[string]any{},
			wantErr: "array",
		},
		{
			name:    "blank description",
			args:    map[string]any{"todos": []any{map[string]any{"description": "  "}}},
			wantErr: "description",
		},
		{
			name: "unknown status",
			args: map[string]any{"todos": []any{
				map[string]any{"description": "x", "status": "done"},
			}},
			wantErr: "status",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tool.Invoke(convCtx(7), tt.args)
			if err != nil {
				t.Fatalf("Invoke() error = %v", err)
			}
			if res.Success() || !strings.Contains(res.Error, tt.wantErr) {
				t.Errorf("expected failure mentioning %q, got %+v", tt.wantErr, res)
			}
		})
	}

	t.Run("no conversation in context", func(t *testing.T) {
		if _, err := tool.Invoke(context.Background(), map[string]any{"todos": []any{}}); err == nil {
			t.Error("expected infrastructure error without a conversation")
		}
	})
}

func TestTaskStatusUpdates(t *testing.T) {
	store := newTestPlans(t)
	ctx := context.Background()
	if err := store.WritePlan(ctx, 9, []checkpoint.Task{
		{Description: "first"},
		{Description: "second"},
	}); err != nil {
		t.Fatalf("WritePlan() failed: %v", err)
	}

	tool := NewTaskStatusTool(store)

	res, err := tool.Invoke(convCtx(9), map[string]any{"index": float64(1), "status": "completed"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if !res.Success() {
		t.Fatalf("unexpected failure: %+v", res)
	}

	tasks, err := store.ReadPlan(ctx, 9)
	if err != nil {
		t.Fatalf("ReadPlan() failed: %v", err)
	}
	if tasks[1].Status != checkpoint.StatusCompleted {
		t.Errorf("task 1 status = %q", tasks[1].Status)
	}

	t.Run("completed tasks cannot reopen", func(t *testing.T) {
		res, err := tool.Invoke(convCtx(9), map[string]any{"index": float64(1), "status": "pending"})
		if err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
		if res.Success() || !strings.Contains(res.Error, "already completed") {
			t.Errorf("expected already-completed failure, got %+v", res)
		}
	})

	t.Run("out of range index", func(t *testing.T) {
		res, err := tool.Invoke(convCtx(9), map[string]any{"index": float64(5), "status": "completed"})
		if err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
		if res.Success() || !strings.Contains(res.Error, "no task") {
			t.Errorf("expected no-task failure, got %+v", res)
		}
	})

	t.Run("bad index type", func(t *testing.T) {
		res, err := tool.Invoke(convCtx(9), map[string]any{"index": "one", "status": "completed"})
		if err != nil {
			t.Fatalf("Invoke() error = %v", err)
		}
		if res.Success() {
			t.Errorf("expected failure, got %+v", res)
		}
	})
}
