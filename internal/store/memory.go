package store

import (
	"context"
	"strconv"
	"sync"

	"github.com/Tyrowin/gochat/internal/domain"
)

// Memory keeps users and messages in process. It backs local development
// (STORE_DRIVER=memory) and tests.
type Memory struct {
	mu       sync.RWMutex
	users    map[string]domain.User
	messages map[string][]domain.Message
	nextID   int64
}

// NewMemory returns a store seeded with users.
func NewMemory(users ...domain.User) *Memory {
	m := &Memory{
		users:    make(map[string]domain.User, len(users)),
		messages: make(map[string][]domain.Message),
	}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

// PutUser adds or replaces a user.
func (m *Memory) PutUser(u domain.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.ID] = u
}

// DeleteUser removes a user.
func (m *Memory) DeleteUser(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.users, id)
}

// FindByID implements auth.UserFinder.
func (m *Memory) FindByID(ctx context.Context, id string) (*domain.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	return &u, nil
}

// Append records msg under its conversation.
func (m *Memory) Append(ctx context.Context, msg domain.Message) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return strconv.FormatInt(m.nextID, 10), nil
}

// Messages returns a copy of a conversation's stored messages.
func (m *Memory) Messages(conversationID string) []domain.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Message(nil), m.messages[conversationID]...)
}

// Close is a no-op.
func (m *Memory) Close(_ context.Context) error { return nil }
