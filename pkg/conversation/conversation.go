// Package conversation persists conversation threads and their
// messages, and projects plan mutations onto the event bus.
//
// A Store holds conversations (owner, title, topic) and an append-only,
// totally ordered message log per conversation. Message IDs are
// monotonic within their conversation, never globally. The Manager
// wraps a Store together with the plan store and the event bus: it
// resolves or creates the conversation for an incoming request,
// validates message roles, recommends an autonomy level from recent
// operator corrections, and mirrors every plan mutation as a
// task_summary frame so connected clients always see the plan the
// files contain.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/munshi-ai/munshi/pkg/config"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("conversation not found")

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether the role is one of the known authors.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Conversation is one operator thread. TopicTitle and TopicDetails are
// set by the topic tool once the assistant has seen enough of the
// thread to name it.
type Conversation struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	Title        string    `json:"title"`
	TopicTitle   string    `json:"topic_title,omitempty"`
	TopicDetails string    `json:"topic_details,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Message is one entry of a conversation's log. ID is the message's
// position in the conversation, starting at 1.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store is the persistence port for conversations and messages.
// Implementations must keep message IDs monotonic per conversation and
// must touch the conversation's UpdatedAt on every append.
type Store interface {
	// CreateConversation starts a new thread owned by userID.
	CreateConversation(ctx context.Context, userID, title string) (*Conversation, error)

	// GetConversation returns the conversation or ErrNotFound.
	GetConversation(ctx context.Context, id int64) (*Conversation, error)

	// ListConversations returns the user's threads, most recently
	// updated first. limit <= 0 returns all of them.
	ListConversations(ctx context.Context, userID string, limit int) ([]*Conversation, error)

	// SetTopic records the assistant-assigned topic.
	SetTopic(ctx context.Context, id int64, title, details string) error

	// AppendMessage adds one message to the end of the log and returns
	// it with its assigned ID.
	AppendMessage(ctx context.Context, conversationID int64, role Role, content string) (*Message, error)

	// ListMessages returns the last limit messages in chronological
	// order. limit <= 0 returns the whole log.
	ListMessages(ctx context.Context, conversationID int64, limit int) ([]*Message, error)

	// Close releases backend resources.
	Close() error
}

// NewStore builds the store the config names: the in-memory store for
// the memory driver, the SQL store for everything else.
func NewStore(cfg config.StoreConfig) (Store, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("store config: %w", err)
	}
	if cfg.Driver == config.StoreDriverMemory {
		return NewMemoryStore(), nil
	}
	return NewSQLStore(cfg)
}
