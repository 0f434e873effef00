package conversation

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/munshi-ai/munshi/pkg/checkpoint"
	"github.com/munshi-ai/munshi/pkg/config"
	"github.com/munshi-ai/munshi/pkg/events"
)

// fakePlans is an in-memory PlanStore that mimics the normalization
// the real checkpoint store applies on write: dense indexes, missing
// statuses defaulted to pending.
type fakePlans struct {
	plans     map[int64][]checkpoint.Task
	writeErr  error
	readErr   error
	updateErr error
}

func newFakePlans() *fakePlans {
	return &fakePlans{plans: make(map[int64][]checkpoint.Task)}
}

func (f *fakePlans) WritePlan(_ context.Context, conversationID int64, tasks []checkpoint.Task) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	stored := make([]checkpoint.Task, len(tasks))
	for i, task := range tasks {
		if task.Status == "" {
			task.Status = checkpoint.StatusPending
		}
		task.Index = i
		stored[i] = task
	}
	f.plans[conversationID] = stored
	return nil
}

func (f *fakePlans) ReadPlan(_ context.Context, conversationID int64) ([]checkpoint.Task, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return append([]checkpoint.Task(nil), f.plans[conversationID]...), nil
}

func (f *fakePlans) UpdateStatus(_ context.Context, conversationID int64, index int, status checkpoint.TaskStatus) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	tasks := f.plans[conversationID]
	if index < 0 || index >= len(tasks) {
		return fmt.Errorf("task index %d: %w", index, checkpoint.ErrNotFound)
	}
	tasks[index].Status = status
	return nil
}

type emitted struct {
	conversationID int64
	event          string
	payload        any
}

type fakeEmitter struct {
	mu     sync.Mutex
	frames []emitted
}

func (f *fakeEmitter) Emit(conversationID int64, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, emitted{conversationID, event, payload})
}

func TestManagerResolve(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), newFakePlans(), nil)

	conv, created, err := m.Resolve(ctx, 0, "ops-1", "Remove the spring discounts\nacross all mug SKUs")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if !created {
		t.Error("expected Resolve to create a conversation for id 0")
	}
	if conv.Title != "Remove the spring discounts" {
		t.Errorf("title = %q, want the first line of the seed text", conv.Title)
	}
	if conv.UserID != "ops-1" {
		t.Errorf("owner = %q, want ops-1", conv.UserID)
	}

	again, created, err := m.Resolve(ctx, conv.ID, "ops-1", "ignored")
	if err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	if created || again.ID != conv.ID {
		t.Errorf("expected the existing conversation back, got id %d created=%v", again.ID, created)
	}

	if _, _, err := m.Resolve(ctx, 999, "ops-1", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for an unknown id, got %v", err)
	}
}

func TestTitleFromText(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"first line", "Fix the mug pricing\nand then restock", "Fix the mug pricing"},
		{"skips blank lines", "\n\n   \nActual request here", "Actual request here"},
		{"empty input", "   \n\t\n", "New conversation"},
		{"caps long lines", strings.Repeat("a", 100), strings.Repeat("a", titleMaxRunes)},
		{"caps by runes not bytes", strings.Repeat("é", 100), strings.Repeat("é", titleMaxRunes)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := titleFromText(tc.text); got != tc.want {
				t.Errorf("titleFromText(%q) = %q, want %q", tc.text, got, tc.want)
			}
		})
	}
}

func TestManagerAddMessageValidatesRole(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store, newFakePlans(), nil)
	conv, _ := store.CreateConversation(ctx, "ops-1", "t")

	if _, err := m.AddMessage(ctx, conv.ID, Role("system"), "x"); err == nil {
		t.Fatal("expected an error for an unknown role")
	}

	msg, err := m.AddMessage(ctx, conv.ID, RoleUser, "hello")
	if err != nil {
		t.Fatalf("AddMessage() failed: %v", err)
	}
	if msg.ID != 1 {
		t.Errorf("first message id = %d, want 1", msg.ID)
	}
	if _, err := m.AddMessage(ctx, conv.ID, RoleAssistant, "hi"); err != nil {
		t.Fatalf("AddMessage() failed: %v", err)
	}
}

func TestManagerWritePlanProjectsSummary(t *testing.T) {
	ctx := context.Background()
	plans := newFakePlans()
	bus := &fakeEmitter{}
	m := NewManager(NewMemoryStore(), plans, bus)

	err := m.WritePlan(ctx, 42, []checkpoint.Task{
		{Description: "Find discounted products", Index: 7},
		{Description: "Remove each discount", Index: 9, Status: checkpoint.StatusInProgress},
	})
	if err != nil {
		t.Fatalf("WritePlan() failed: %v", err)
	}

	if len(bus.frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(bus.frames))
	}
	if bus.frames[0].event != events.EventTaskPlanCreated || bus.frames[1].event != events.EventTaskSummary {
		t.Errorf("frame events = %q, %q", bus.frames[0].event, bus.frames[1].event)
	}
	if bus.frames[0].conversationID != 42 {
		t.Errorf("frame conversation = %d, want 42", bus.frames[0].conversationID)
	}
	if !reflect.DeepEqual(bus.frames[0].payload, bus.frames[1].payload) {
		t.Error("both frames should carry the same summary")
	}

	summary, ok := bus.frames[1].payload.(*TaskSummary)
	if !ok {
		t.Fatalf("payload is %T, want *TaskSummary", bus.frames[1].payload)
	}
	if summary.Total != 2 || summary.Pending != 1 || summary.InProgress != 1 || summary.Completed != 0 {
		t.Errorf("summary counters off: %+v", summary)
	}
	// The summary mirrors the stored plan, so indexes are the dense
	// ones assigned on write, not the junk the caller passed.
	if summary.Tasks[0].Index != 0 || summary.Tasks[1].Index != 1 {
		t.Errorf("summary must mirror the stored plan, got %+v", summary.Tasks)
	}

	stored, err := m.ReadPlan(ctx, 42)
	if err != nil {
		t.Fatalf("ReadPlan() failed: %v", err)
	}
	if len(stored) != 2 || stored[0].Index != 0 {
		t.Errorf("unexpected stored plan: %+v", stored)
	}
}

func TestManagerUpdateStatusProjectsSummary(t *testing.T) {
	ctx := context.Background()
	plans := newFakePlans()
	bus := &fakeEmitter{}
	m := NewManager(NewMemoryStore(), plans, bus)

	err := m.WritePlan(ctx, 42, []checkpoint.Task{
		{Description: "one"}, {Description: "two"}, {Description: "three"},
	})
	if err != nil {
		t.Fatalf("WritePlan() failed: %v", err)
	}
	bus.frames = nil

	if err := m.UpdateStatus(ctx, 42, 1, checkpoint.StatusCompleted); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}

	if len(bus.frames) != 1 || bus.frames[0].event != events.EventTaskSummary {
		t.Fatalf("expected a single task_summary frame, got %+v", bus.frames)
	}
	summary := bus.frames[0].payload.(*TaskSummary)
	if summary.Completed != 1 || summary.Pending != 2 {
		t.Errorf("summary counters off: %+v", summary)
	}
	if summary.Tasks[1].Status != checkpoint.StatusCompleted {
		t.Errorf("task 1 status = %q, want completed", summary.Tasks[1].Status)
	}
}

func TestManagerPlanErrorsEmitNothing(t *testing.T) {
	ctx := context.Background()

	plans := newFakePlans()
	plans.writeErr = errors.New("disk full")
	bus := &fakeEmitter{}
	m := NewManager(NewMemoryStore(), plans, bus)

	if err := m.WritePlan(ctx, 42, []checkpoint.Task{{Description: "x"}}); err == nil {
		t.Fatal("expected the write error through")
	}
	if len(bus.frames) != 0 {
		t.Errorf("no frames should be emitted on a failed write, got %d", len(bus.frames))
	}

	plans = newFakePlans()
	plans.updateErr = errors.New("disk full")
	bus = &fakeEmitter{}
	m = NewManager(NewMemoryStore(), plans, bus)

	if err := m.UpdateStatus(ctx, 42, 0, checkpoint.StatusCompleted); err == nil {
		t.Fatal("expected the update error through")
	}
	if len(bus.frames) != 0 {
		t.Errorf("no frames should be emitted on a failed update, got %d", len(bus.frames))
	}
}

func TestManagerReadbackFailureKeepsMutation(t *testing.T) {
	ctx := context.Background()
	plans := newFakePlans()
	plans.readErr = errors.New("sidecar unreadable")
	bus := &fakeEmitter{}
	m := NewManager(NewMemoryStore(), plans, bus)

	if err := m.WritePlan(ctx, 42, []checkpoint.Task{{Description: "x"}}); err != nil {
		t.Fatalf("the write is durable, readback failure must not fail it: %v", err)
	}
	if len(bus.frames) != 0 {
		t.Errorf("no frames without a readable plan, got %d", len(bus.frames))
	}
	if len(plans.plans[42]) != 1 {
		t.Errorf("plan should still be stored, got %+v", plans.plans[42])
	}
}

func TestManagerNilEmitterIsSafe(t *testing.T) {
	ctx := context.Background()
	m := NewManager(NewMemoryStore(), newFakePlans(), nil)

	if err := m.WritePlan(ctx, 42, []checkpoint.Task{{Description: "x"}}); err != nil {
		t.Fatalf("WritePlan() failed: %v", err)
	}
	if err := m.UpdateStatus(ctx, 42, 0, checkpoint.StatusCompleted); err != nil {
		t.Fatalf("UpdateStatus() failed: %v", err)
	}
}

func TestManagerSetTopic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store, newFakePlans(), nil)
	conv, _ := store.CreateConversation(ctx, "ops-1", "t")

	if err := m.SetTopic(ctx, conv.ID, "Bulk pricing", "Spring discount removal"); err != nil {
		t.Fatalf("SetTopic() failed: %v", err)
	}
	got, _ := store.GetConversation(ctx, conv.ID)
	if got.TopicTitle != "Bulk pricing" {
		t.Errorf("topic not recorded: %+v", got)
	}
}

func TestManagerRecommendAutonomy(t *testing.T) {
	type scriptMsg struct {
		role    Role
		content string
	}
	tests := []struct {
		name   string
		script []scriptMsg
		want   config.Autonomy
	}{
		{
			name: "no messages",
			want: config.AutonomyMedium,
		},
		{
			name:   "assistant only",
			script: []scriptMsg{{RoleAssistant, "Done, removed 25 discounts."}},
			want:   config.AutonomyMedium,
		},
		{
			name: "clean operator window",
			script: []scriptMsg{
				{RoleUser, "Update the mug prices for spring."},
				{RoleAssistant, "Done."},
				{RoleUser, "Great, now restock the shelf planners."},
			},
			want: config.AutonomyHigh,
		},
		{
			name: "single correction",
			script: []scriptMsg{
				{RoleUser, "Update the prices."},
				{RoleAssistant, "Working through them."},
				{RoleUser, "Please slow down a bit and show me each change."},
			},
			want: config.AutonomyMedium,
		},
		{
			name: "repeated corrections",
			script: []scriptMsg{
				{RoleUser, "That's wrong, the sale ended yesterday."},
				{RoleAssistant, "Sorry, correcting."},
				{RoleUser, "Undo the last change too."},
			},
			want: config.AutonomyLow,
		},
		{
			name: "curly apostrophe correction",
			script: []scriptMsg{
				{RoleUser, "That’s wrong."},
			},
			want: config.AutonomyMedium,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := NewMemoryStore()
			m := NewManager(store, newFakePlans(), nil)
			conv, _ := store.CreateConversation(ctx, "ops-1", "t")

			for _, msg := range tc.script {
				if _, err := store.AppendMessage(ctx, conv.ID, msg.role, msg.content); err != nil {
					t.Fatalf("AppendMessage() failed: %v", err)
				}
			}

			got, err := m.RecommendAutonomy(ctx, conv.ID)
			if err != nil {
				t.Fatalf("RecommendAutonomy() failed: %v", err)
			}
			if got != tc.want {
				t.Errorf("RecommendAutonomy() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestManagerAutonomyWindowSlides(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := NewManager(store, newFakePlans(), nil)
	conv, _ := store.CreateConversation(ctx, "ops-1", "t")

	for _, content := range []string{"Slow down please.", "And undo that last change."} {
		if _, err := store.AppendMessage(ctx, conv.ID, RoleUser, content); err != nil {
			t.Fatalf("AppendMessage() failed: %v", err)
		}
	}
	if got, _ := m.RecommendAutonomy(ctx, conv.ID); got != config.AutonomyLow {
		t.Fatalf("after two corrections = %q, want low", got)
	}

	// Push the corrections out of the window with a clean stretch.
	for i := 0; i < autonomyWindow; i++ {
		if _, err := store.AppendMessage(ctx, conv.ID, RoleUser, "Looks good, keep going."); err != nil {
			t.Fatalf("AppendMessage() failed: %v", err)
		}
	}
	if got, _ := m.RecommendAutonomy(ctx, conv.ID); got != config.AutonomyHigh {
		t.Errorf("after a clean window = %q, want high", got)
	}
}

func TestManagerRecommendAutonomyStoreError(t *testing.T) {
	m := NewManager(NewMemoryStore(), newFakePlans(), nil)

	level, err := m.RecommendAutonomy(context.Background(), 999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if level != config.AutonomyMedium {
		t.Errorf("fallback level = %q, want medium", level)
	}
}
