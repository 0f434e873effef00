package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

const (
	checkedPrefix   = "- [x] "
	uncheckedPrefix = "- [ ] "

	// inProgressMarker flags the task currently being worked on. At most
	// one task per plan carries it.
	inProgressMarker = "🔄"
)

// planData is the on-disk shape of the TODO-{conv}-data.json sidecar.
type planData struct {
	ConversationID string `json:"conversationId"`
	Created        string `json:"created"`
	Tasks          []Task `json:"tasks"`
}

// WritePlan atomically replaces the conversation's plan with the given
// tasks. Indices are reassigned densely in order; a missing status
// defaults to pending; only the first in-progress task keeps its marker.
// Returns ErrBusy without waiting if another writer holds the plan lock.
func (s *Store) WritePlan(ctx context.Context, conversationID int64, tasks []Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	st := s.state(conversationID)
	if !st.mu.TryLock() {
		return fmt.Errorf("conversation %d: %w", conversationID, ErrBusy)
	}
	defer st.mu.Unlock()

	normalized := make([]Task, len(tasks))
	sawInProgress := false
	for i, t := range tasks {
		if strings.TrimSpace(t.Description) == "" {
			return fmt.Errorf("task %d has an empty description", i)
		}
		if t.Status == "" {
			t.Status = StatusPending
		}
		if !t.Status.Valid() {
			return fmt.Errorf("task %d has invalid status %q", i, t.Status)
		}
		if t.Status == StatusInProgress {
			if sawInProgress {
				t.Status = StatusPending
			}
			sawInProgress = true
		}
		t.Index = i
		normalized[i] = t
	}

	var plan strings.Builder
	for _, t := range normalized {
		plan.WriteString(renderPlanLine(t))
		plan.WriteByte('\n')
	}
	if err := writeFileAtomic(s.PlanPath(conversationID), []byte(plan.String())); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}

	if err := s.writeSidecar(conversationID, normalized, time.Now().UTC()); err != nil {
		return err
	}

	slog.Debug("Wrote plan", "conversation_id", conversationID, "tasks", len(normalized))
	return nil
}

// ReadPlan parses the conversation's plan file. Structured data is
// merged in from the sidecar when it is readable; a corrupt sidecar is
// logged and ignored rather than failing the read. A missing plan file
// yields an empty plan.
func (s *Store) ReadPlan(ctx context.Context, conversationID int64) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(s.PlanPath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read plan: %w", err)
	}

	var tasks []Task
	for _, line := range strings.Split(string(raw), "\n") {
		desc, status, ok := parsePlanLine(line)
		if !ok {
			continue
		}
		tasks = append(tasks, Task{
			Description: desc,
			Status:      status,
			Index:       len(tasks),
		})
	}

	if data, err := s.readSidecar(conversationID); err != nil {
		slog.Warn("Ignoring unreadable task sidecar", "conversation_id", conversationID, "error", err)
	} else if data != nil {
		for _, t := range data.Tasks {
			if t.Index >= 0 && t.Index < len(tasks) && len(t.Data) > 0 {
				tasks[t.Index].Data = t.Data
			}
		}
	}

	return tasks, nil
}

// UpdateStatus rewrites a single task's status, preserving every other
// line of the plan file verbatim. Returns ErrNotFound when the plan or
// the index does not exist. Completed tasks are never reopened; moving a
// task to in-progress demotes any other in-progress task to pending.
func (s *Store) UpdateStatus(ctx context.Context, conversationID int64, index int, status TaskStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}

	st := s.state(conversationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	raw, err := os.ReadFile(s.PlanPath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("conversation %d has no plan: %w", conversationID, ErrNotFound)
		}
		return fmt.Errorf("failed to read plan: %w", err)
	}

	lines := strings.Split(string(raw), "\n")
	taskIdx := -1
	updated := false
	for i, line := range lines {
		desc, current, ok := parsePlanLine(line)
		if !ok {
			continue
		}
		taskIdx++

		if taskIdx == index {
			if current == StatusCompleted && status != StatusCompleted {
				return fmt.Errorf("task %d cannot move to %q: %w", index, status, ErrAlreadyCompleted)
			}
			lines[i] = renderPlanLine(Task{Description: desc, Status: status})
			updated = true
		} else if status == StatusInProgress && current == StatusInProgress {
			lines[i] = renderPlanLine(Task{Description: desc, Status: StatusPending})
		}
	}
	if !updated {
		return fmt.Errorf("task index %d out of range: %w", index, ErrNotFound)
	}

	if err := writeFileAtomic(s.PlanPath(conversationID), []byte(strings.Join(lines, "\n"))); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}

	tasks := parsePlanTasks(lines)
	if data, readErr := s.readSidecar(conversationID); readErr == nil && data != nil {
		for _, t := range data.Tasks {
			if t.Index >= 0 && t.Index < len(tasks) && len(t.Data) > 0 {
				tasks[t.Index].Data = t.Data
			}
		}
	}
	if err := s.writeSidecar(conversationID, tasks, time.Now().UTC()); err != nil {
		return err
	}

	slog.Debug("Updated task status", "conversation_id", conversationID, "index", index, "status", status)
	return nil
}

// writeSidecar commits the structured sidecar for the given tasks,
// keeping the original created timestamp when the existing sidecar is
// readable.
func (s *Store) writeSidecar(conversationID int64, tasks []Task, now time.Time) error {
	created := now.Format(time.RFC3339)
	if existing, err := s.readSidecar(conversationID); err == nil && existing != nil && existing.Created != "" {
		created = existing.Created
	}

	data := planData{
		ConversationID: fmt.Sprintf("%d", conversationID),
		Created:        created,
		Tasks:          tasks,
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task sidecar: %w", err)
	}
	if err := writeFileAtomic(s.sidecarPath(conversationID), raw); err != nil {
		return fmt.Errorf("failed to write task sidecar: %w", err)
	}
	return nil
}

// readSidecar returns nil without error when no sidecar exists.
func (s *Store) readSidecar(conversationID int64) (*planData, error) {
	raw, err := os.ReadFile(s.sidecarPath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read task sidecar: %w", err)
	}
	var data planData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse task sidecar: %w", err)
	}
	return &data, nil
}

func parsePlanTasks(lines []string) []Task {
	var tasks []Task
	for _, line := range lines {
		desc, status, ok := parsePlanLine(line)
		if !ok {
			continue
		}
		tasks = append(tasks, Task{
			Description: desc,
			Status:      status,
			Index:       len(tasks),
		})
	}
	return tasks
}

// parsePlanLine recognizes the three checklist shapes. Anything else is
// not a task line and must be preserved verbatim on rewrite.
func parsePlanLine(line string) (string, TaskStatus, bool) {
	switch {
	case strings.HasPrefix(line, checkedPrefix):
		desc := strings.TrimSpace(line[len(checkedPrefix):])
		if desc == "" {
			return "", "", false
		}
		return desc, StatusCompleted, true
	case strings.HasPrefix(line, uncheckedPrefix):
		rest := strings.TrimSpace(line[len(uncheckedPrefix):])
		if strings.HasPrefix(rest, inProgressMarker) {
			desc := strings.TrimSpace(strings.TrimPrefix(rest, inProgressMarker))
			if desc == "" {
				return "", "", false
			}
			return desc, StatusInProgress, true
		}
		if rest == "" {
			return "", "", false
		}
		return rest, StatusPending, true
	}
	return "", "", false
}

func renderPlanLine(t Task) string {
	desc := strings.ReplaceAll(strings.TrimSpace(t.Description), "\n", " ")
	switch t.Status {
	case StatusCompleted:
		return checkedPrefix + desc
	case StatusInProgress:
		return uncheckedPrefix + inProgressMarker + " " + desc
	default:
		return uncheckedPrefix + desc
	}
}
