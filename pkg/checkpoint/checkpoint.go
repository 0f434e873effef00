// Package checkpoint persists per-conversation work state: a
// human-readable plan file (TODO-{conv}.md), a structured JSON sidecar
// (TODO-{conv}-data.json), and an append-only checkpoint log
// (checkpoints-{conv}.jsonl) that makes interrupted bulk work resumable.
//
// The plan file is the authority for task statuses so operators can edit
// it by hand; the sidecar carries structured task data and is rebuilt
// from the plan whenever it goes missing or corrupt. All writes go
// through a temp file and rename so readers only ever see committed
// state.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/munshi-ai/munshi/pkg/config"
)

var (
	// ErrNotFound is returned when a plan or task index does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyCompleted is returned when a status update would reopen a
	// completed task.
	ErrAlreadyCompleted = errors.New("task already completed")

	// ErrBusy is returned when another writer holds the plan lock for the
	// conversation.
	ErrBusy = errors.New("plan is locked by another writer")
)

// TaskStatus is the lifecycle state of a planned task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
)

// Valid reports whether the status is one of the known states.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Task is one entry of a conversation's plan. Index is dense and
// 0-based within the plan.
type Task struct {
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
	Status      TaskStatus     `json:"status"`
	Index       int            `json:"index"`
}

// Stats summarizes checkpoint progress counters.
type Stats struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// AdaptiveContext carries sizing facts about the bulk context that was
// active when the checkpoint was taken.
type AdaptiveContext struct {
	TokenCount       int  `json:"tokenCount"`
	HasExtractedData bool `json:"hasExtractedData"`
}

// BulkOperation describes the bulk operation a checkpoint belongs to.
type BulkOperation struct {
	Type            string          `json:"type"`
	TotalExpected   int             `json:"totalExpected"`
	AdaptiveContext AdaptiveContext `json:"adaptiveContext"`
}

// Checkpoint is one record of the append-only progress log. Seq is
// strictly monotonic per conversation; the latest record wins.
type Checkpoint struct {
	Seq           int64          `json:"seq"`
	Timestamp     time.Time      `json:"timestamp"`
	Completed     []string       `json:"completed"`
	Failed        []string       `json:"failed"`
	Stats         Stats          `json:"stats"`
	LastItem      string         `json:"lastItem,omitempty"`
	BulkOperation *BulkOperation `json:"bulkOperation,omitempty"`
}

// CompletedSet returns the completed item ids as a set for
// remaining-items arithmetic.
func (c *Checkpoint) CompletedSet() map[string]struct{} {
	if c == nil {
		return nil
	}
	set := make(map[string]struct{}, len(c.Completed))
	for _, id := range c.Completed {
		set[id] = struct{}{}
	}
	return set
}

// Store persists plans and checkpoints under a single directory. Writers
// are serialized per conversation; readers see last-committed state and
// never block.
type Store struct {
	dir string

	mu     sync.Mutex
	states map[int64]*convState
}

// convState serializes writes for one conversation and caches the last
// appended checkpoint seq.
type convState struct {
	mu        sync.Mutex
	seq       int64
	seqLoaded bool
}

// NewStore creates the checkpoint directory if needed and returns a
// store rooted there.
func NewStore(cfg config.CheckpointConfig) (*Store, error) {
	dir := cfg.Dir
	if dir == "" {
		dir = ".munshi/checkpoints"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	return &Store{
		dir:    dir,
		states: make(map[int64]*convState),
	}, nil
}

// Dir returns the directory the store writes under.
func (s *Store) Dir() string {
	return s.dir
}

// PlanPath returns the plan file path for a conversation.
func (s *Store) PlanPath(conversationID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("TODO-%d.md", conversationID))
}

func (s *Store) sidecarPath(conversationID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("TODO-%d-data.json", conversationID))
}

func (s *Store) logPath(conversationID int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("checkpoints-%d.jsonl", conversationID))
}

func (s *Store) state(conversationID int64) *convState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[conversationID]
	if !ok {
		st = &convState{}
		s.states[conversationID] = st
	}
	return st
}

// writeFileAtomic commits data via a temp file and rename so a crash
// mid-write never leaves a partial file behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to commit file: %w", err)
	}
	return nil
}
