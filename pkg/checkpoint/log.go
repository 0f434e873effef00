package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"
)

// logScanBuffer bounds a single checkpoint line. Completed-item lists for
// large bulk operations can push a record past bufio's default.
const logScanBuffer = 4 * 1024 * 1024

// AppendCheckpoint assigns the next sequence number, stamps the
// timestamp if unset, and appends the record to the conversation's
// checkpoint log. The record is synced to disk before the call returns.
func (s *Store) AppendCheckpoint(ctx context.Context, conversationID int64, cp Checkpoint) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	st := s.state(conversationID)
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.seqLoaded {
		last, err := s.lastSeqFromLog(conversationID)
		if err != nil {
			return 0, err
		}
		st.seq = last
		st.seqLoaded = true
	}

	st.seq++
	cp.Seq = st.seq
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}

	line, err := json.Marshal(cp)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	f, err := os.OpenFile(s.logPath(conversationID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open checkpoint log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("failed to append checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync checkpoint log: %w", err)
	}

	slog.Debug("Appended checkpoint",
		"conversation_id", conversationID,
		"seq", cp.Seq,
		"completed", cp.Stats.Completed,
		"remaining", cp.Stats.Remaining)
	return cp.Seq, nil
}

// LatestCheckpoint returns the last valid record of the conversation's
// checkpoint log, or nil when no checkpoint exists. A partial trailing
// line from a crashed append is skipped.
func (s *Store) LatestCheckpoint(ctx context.Context, conversationID int64) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.Open(s.logPath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open checkpoint log: %w", err)
	}
	defer f.Close()

	var latest *Checkpoint
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), logScanBuffer)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(line, &cp); err != nil {
			slog.Warn("Skipping corrupt checkpoint line", "conversation_id", conversationID, "error", err)
			continue
		}
		latest = &cp
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan checkpoint log: %w", err)
	}
	return latest, nil
}

// lastSeqFromLog recovers the highest committed sequence number so
// appends stay monotonic across restarts.
func (s *Store) lastSeqFromLog(conversationID int64) (int64, error) {
	f, err := os.Open(s.logPath(conversationID))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open checkpoint log: %w", err)
	}
	defer f.Close()

	var last int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), logScanBuffer)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var cp Checkpoint
		if err := json.Unmarshal(line, &cp); err != nil {
			continue
		}
		if cp.Seq > last {
			last = cp.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("failed to scan checkpoint log: %w", err)
	}
	return last, nil
}
