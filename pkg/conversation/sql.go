package conversation

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/munshi-ai/munshi/pkg/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore persists conversations in a relational database. Statements
// are written with ? placeholders and rewritten for postgres by
// rebind; only the schema differs per dialect. The mysql DSN needs
// parseTime=true so DATETIME columns scan into time.Time.
type SQLStore struct {
	db      *sql.DB
	dialect config.StoreDriver
}

// NewSQLStore opens the configured database, verifies the connection,
// and creates the schema if it is missing.
func NewSQLStore(cfg config.StoreConfig) (*SQLStore, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("store config: %w", err)
	}

	// The config says "sqlite" but the go-sqlite3 driver registers as
	// "sqlite3".
	driverName := string(cfg.Driver)
	if driverName == "sqlite" {
		driverName = "sqlite3"
	}

	if cfg.Driver == config.StoreDriverSQLite {
		if dir := sqliteDir(cfg.DSN); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLStore{db: db, dialect: cfg.Driver}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDir returns the directory to create for a plain-path sqlite
// DSN, or "" when the DSN is a URI or an in-memory database.
func sqliteDir(dsn string) string {
	if dsn == "" || dsn == ":memory:" || strings.HasPrefix(dsn, "file:") {
		return ""
	}
	if dir := filepath.Dir(dsn); dir != "." {
		return dir
	}
	return ""
}

// rebind rewrites ? placeholders to the $n form postgres expects.
// sqlite and mysql take ? directly.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != config.StoreDriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	// One statement per Exec: mysql rejects multi-statement strings
	// without the multiStatements DSN flag.
	for _, stmt := range s.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) schema() []string {
	switch s.dialect {
	case config.StoreDriverPostgres:
		return []string{`
CREATE TABLE IF NOT EXISTS conversations (
    id BIGSERIAL PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    topic_title TEXT NOT NULL,
    topic_details TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`, `
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at)`, `
CREATE TABLE IF NOT EXISTS messages (
    conversation_id BIGINT NOT NULL,
    seq BIGINT NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (conversation_id, seq)
)`}
	case config.StoreDriverMySQL:
		// MySQL has no CREATE INDEX IF NOT EXISTS, so the index lives
		// in the table definition. TEXT columns cannot carry defaults.
		return []string{`
CREATE TABLE IF NOT EXISTS conversations (
    id BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    title TEXT NOT NULL,
    topic_title TEXT NOT NULL,
    topic_details TEXT NOT NULL,
    created_at DATETIME(6) NOT NULL,
    updated_at DATETIME(6) NOT NULL,
    INDEX idx_conversations_user (user_id, updated_at)
)`, `
CREATE TABLE IF NOT EXISTS messages (
    conversation_id BIGINT NOT NULL,
    seq BIGINT NOT NULL,
    role VARCHAR(50) NOT NULL,
    content TEXT NOT NULL,
    created_at DATETIME(6) NOT NULL,
    PRIMARY KEY (conversation_id, seq)
)`}
	default: // sqlite
		return []string{`
CREATE TABLE IF NOT EXISTS conversations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    topic_title TEXT NOT NULL,
    topic_details TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`, `
CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at)`, `
CREATE TABLE IF NOT EXISTS messages (
    conversation_id INTEGER NOT NULL,
    seq INTEGER NOT NULL,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (conversation_id, seq)
)`}
	}
}

// CreateConversation implements Store.
func (s *SQLStore) CreateConversation(ctx context.Context, userID, title string) (*Conversation, error) {
	now := time.Now().UTC()
	conv := &Conversation{
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if s.dialect == config.StoreDriverPostgres {
		err := s.db.QueryRowContext(ctx, `
INSERT INTO conversations (user_id, title, topic_title, topic_details, created_at, updated_at)
VALUES ($1, $2, '', '', $3, $4)
RETURNING id
`, userID, title, now, now).Scan(&conv.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to create conversation: %w", err)
		}
		return conv, nil
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO conversations (user_id, title, topic_title, topic_details, created_at, updated_at)
VALUES (?, ?, '', '', ?, ?)
`, userID, title, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read conversation id: %w", err)
	}
	conv.ID = id
	return conv, nil
}

// GetConversation implements Store.
func (s *SQLStore) GetConversation(ctx context.Context, id int64) (*Conversation, error) {
	query := s.rebind(`
SELECT id, user_id, title, topic_title, topic_details, created_at, updated_at
FROM conversations
WHERE id = ?
`)

	var conv Conversation
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.UserID, &conv.Title, &conv.TopicTitle,
		&conv.TopicDetails, &conv.CreatedAt, &conv.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}
	return &conv, nil
}

// ListConversations implements Store.
func (s *SQLStore) ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error) {
	query := `
SELECT id, user_id, title, topic_title, topic_details, created_at, updated_at
FROM conversations
WHERE user_id = ?
ORDER BY updated_at DESC, id DESC
`
	args := []any{userID}
	if limit > 0 {
		query += "LIMIT ?\n"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []*Conversation
	for rows.Next() {
		var conv Conversation
		if err := rows.Scan(
			&conv.ID, &conv.UserID, &conv.Title, &conv.TopicTitle,
			&conv.TopicDetails, &conv.CreatedAt, &conv.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		out = append(out, &conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conversations: %w", err)
	}
	return out, nil
}

// SetTopic implements Store.
func (s *SQLStore) SetTopic(ctx context.Context, id int64, title, details string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
UPDATE conversations
SET topic_title = ?, topic_details = ?, updated_at = ?
WHERE id = ?
`), title, details, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update topic: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	return nil
}

// AppendMessage implements Store. Appends to one conversation are
// serialized by the caller; the composite primary key makes a racing
// append fail instead of corrupting the log.
func (s *SQLStore) AppendMessage(ctx context.Context, conversationID int64, role Role, content string) (*Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var exists int64
	err = tx.QueryRowContext(ctx, s.rebind(`
SELECT id FROM conversations WHERE id = ?
`), conversationID).Scan(&exists)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
UPDATE conversations SET updated_at = ? WHERE id = ?
`), now, conversationID); err != nil {
		return nil, fmt.Errorf("failed to touch conversation: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, s.rebind(`
SELECT COALESCE(MAX(seq), 0) FROM messages WHERE conversation_id = ?
`), conversationID).Scan(&seq); err != nil {
		return nil, fmt.Errorf("failed to read message sequence: %w", err)
	}
	seq++

	if _, err := tx.ExecContext(ctx, s.rebind(`
INSERT INTO messages (conversation_id, seq, role, content, created_at)
VALUES (?, ?, ?, ?, ?)
`), conversationID, seq, string(role), content, now); err != nil {
		return nil, fmt.Errorf("failed to insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit message: %w", err)
	}

	return &Message{
		ID:             seq,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}, nil
}

// ListMessages implements Store.
func (s *SQLStore) ListMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error) {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}

	query := `
SELECT conversation_id, seq, role, content, created_at
FROM messages
WHERE conversation_id = ?
ORDER BY seq ASC
`
	args := []any{conversationID}
	if limit > 0 {
		query = `
SELECT conversation_id, seq, role, content, created_at
FROM messages
WHERE conversation_id = ?
ORDER BY seq DESC
LIMIT ?
`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var (
			msg  Message
			role string
		)
		if err := rows.Scan(&msg.ConversationID, &msg.ID, &role, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Role = Role(role)
		out = append(out, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	// The limited query walks backwards from the tail; flip it so
	// callers always see chronological order.
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

var _ Store = (*SQLStore)(nil)
