package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps conversations and messages in process memory. It
// is the default backend and the one tests use. All returned values
// are copies so callers can never mutate stored state.
type MemoryStore struct {
	mu       sync.RWMutex
	convs    map[int64]*Conversation
	messages map[int64][]*Message
	nextID   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:    make(map[int64]*Conversation),
		messages: make(map[int64][]*Message),
	}
}

// CreateConversation implements Store.
func (s *MemoryStore) CreateConversation(_ context.Context, userID, title string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	now := time.Now().UTC()
	conv := &Conversation{
		ID:        s.nextID,
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.convs[conv.ID] = conv

	out := *conv
	return &out, nil
}

// GetConversation implements Store.
func (s *MemoryStore) GetConversation(_ context.Context, id int64) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[id]
	if !ok {
		return nil, fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	out := *conv
	return &out, nil
}

// ListConversations implements Store.
func (s *MemoryStore) ListConversations(_ context.Context, userID string, limit int) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Conversation
	for _, conv := range s.convs {
		if conv.UserID != userID {
			continue
		}
		c := *conv
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetTopic implements Store.
func (s *MemoryStore) SetTopic(_ context.Context, id int64, title, details string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[id]
	if !ok {
		return fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	conv.TopicTitle = title
	conv.TopicDetails = details
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendMessage implements Store.
func (s *MemoryStore) AppendMessage(_ context.Context, conversationID int64, role Role, content string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, ErrNotFound)
	}

	now := time.Now().UTC()
	msg := &Message{
		ID:             int64(len(s.messages[conversationID])) + 1,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      now,
	}
	s.messages[conversationID] = append(s.messages[conversationID], msg)
	conv.UpdatedAt = now

	out := *msg
	return &out, nil
}

// ListMessages implements Store.
func (s *MemoryStore) ListMessages(_ context.Context, conversationID int64, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.convs[conversationID]; !ok {
		return nil, fmt.Errorf("conversation %d: %w", conversationID, ErrNotFound)
	}

	log := s.messages[conversationID]
	if limit > 0 && len(log) > limit {
		log = log[len(log)-limit:]
	}
	out := make([]*Message, len(log))
	for i, msg := range log {
		m := *msg
		out[i] = &m
	}
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
