package chokidar

import (
	"sync"

	"github.com/munshi-ai/munshi/pkg/checkpoint"
)

// BulkState tracks one conversation's active bulk operation across
// supervisor turns. All methods are safe for concurrent use.
type BulkState struct {
	mu             sync.Mutex
	conversationID int64
	active         bool
	operationType  string
	expected       int
	items          []string
	completed      map[string]struct{}
	completedOrder []string
	failed         map[string]struct{}
	failedOrder    []string
	progress       int
	retries        int
	contextMessage string
}

// Snapshot is a point-in-time copy of the bulk state counters.
type Snapshot struct {
	Active         bool
	OperationType  string
	ExpectedItems  int
	CompletedCount int
	FailedCount    int
	Progress       int
	Retries        int
}

// NewBulkState creates idle bulk tracking for a conversation.
func NewBulkState(conversationID int64) *BulkState {
	return &BulkState{
		conversationID: conversationID,
		completed:      make(map[string]struct{}),
		failed:         make(map[string]struct{}),
	}
}

// ConversationID returns the owning conversation.
func (s *BulkState) ConversationID() int64 { return s.conversationID }

// Activate starts bulk tracking from an input verdict.
func (s *BulkState) Activate(v *InputVerdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
	s.operationType = v.OperationType
	if v.ExpectedItems > 0 {
		s.expected = v.ExpectedItems
	}
}

// Active reports whether a bulk operation is being tracked.
func (s *BulkState) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetItems records the planner's item list. The list becomes the
// authority for the expected count and for remaining-items arithmetic.
func (s *BulkState) SetItems(items []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append([]string(nil), items...)
	if len(items) > 0 {
		s.expected = len(items)
	}
}

// Items returns a copy of the planned item list.
func (s *BulkState) Items() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.items...)
}

// SetContextMessage keeps the contextual message that continuation
// prompts re-attach.
func (s *BulkState) SetContextMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contextMessage = msg
}

// ContextMessage returns the stored contextual message.
func (s *BulkState) ContextMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contextMessage
}

// MarkCompleted records items as done. Duplicates and empty ids are
// ignored; a previously failed item that completes stops counting as
// failed.
func (s *BulkState) MarkCompleted(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, done := s.completed[id]; done {
			continue
		}
		s.completed[id] = struct{}{}
		s.completedOrder = append(s.completedOrder, id)
		if _, wasFailed := s.failed[id]; wasFailed {
			delete(s.failed, id)
			s.failedOrder = removeID(s.failedOrder, id)
		}
	}
}

// MarkFailed records items whose operation failed permanently. Failed
// items still count as remaining so a continuation can retry them.
func (s *BulkState) MarkFailed(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, done := s.completed[id]; done {
			continue
		}
		if _, seen := s.failed[id]; seen {
			continue
		}
		s.failed[id] = struct{}{}
		s.failedOrder = append(s.failedOrder, id)
	}
}

// Remaining returns the planned items not yet completed, in plan order.
func (s *BulkState) Remaining() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, item := range s.items {
		if _, done := s.completed[item]; !done {
			out = append(out, item)
		}
	}
	return out
}

// RecordProgress keeps the highest progress count the output guard has
// reported. Counts only move forward.
func (s *BulkState) RecordProgress(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.progress {
		s.progress = n
	}
}

// IncRetries counts one continuation attempt and returns the new total.
func (s *BulkState) IncRetries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries++
	return s.retries
}

// Retries returns how many continuation attempts have been made.
func (s *BulkState) Retries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retries
}

// Snapshot copies the current counters.
func (s *BulkState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Active:         s.active,
		OperationType:  s.operationType,
		ExpectedItems:  s.expected,
		CompletedCount: len(s.completedOrder),
		FailedCount:    len(s.failedOrder),
		Progress:       s.progress,
		Retries:        s.retries,
	}
}

// Clear resets all bulk tracking. The conversation identity survives.
func (s *BulkState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.operationType = ""
	s.expected = 0
	s.items = nil
	s.completed = make(map[string]struct{})
	s.completedOrder = nil
	s.failed = make(map[string]struct{})
	s.failedOrder = nil
	s.progress = 0
	s.retries = 0
	s.contextMessage = ""
}

// checkpointRecord renders the current progress as an appendable
// checkpoint.
func (s *BulkState) checkpointRecord() checkpoint.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	completed := append([]string(nil), s.completedOrder...)
	failed := append([]string(nil), s.failedOrder...)
	remaining := s.expected - len(completed)
	if remaining < 0 {
		remaining = 0
	}

	cp := checkpoint.Checkpoint{
		Completed: completed,
		Failed:    failed,
		Stats: checkpoint.Stats{
			Completed: len(completed),
			Failed:    len(failed),
			Remaining: remaining,
		},
		BulkOperation: &checkpoint.BulkOperation{
			Type:          s.operationType,
			TotalExpected: s.expected,
		},
	}
	if len(completed) > 0 {
		cp.LastItem = completed[len(completed)-1]
	}
	return cp
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
