package backend

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Messages implementation for tests and single-node
// development.
type Memory struct {
	mu            sync.Mutex
	conversations map[string]Conversation // tenant+":"+id
	messages      map[string][]Message    // tenant+":"+conversationID
}

// NewMemory returns an empty in-process backend.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]Conversation),
		messages:      make(map[string][]Message),
	}
}

// SeedConversation registers a conversation. Test/dev helper.
func (m *Memory) SeedConversation(c Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.TenantID+":"+c.ID] = c
}

func (m *Memory) Conversation(_ context.Context, tenant, id string) (Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[tenant+":"+id]
	if !ok {
		return Conversation{}, ErrNotFound
	}
	return c, nil
}

func (m *Memory) CreateMessage(_ context.Context, tenant string, msg Message) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenant + ":" + msg.ConversationID
	c, ok := m.conversations[key]
	if !ok {
		return Message{}, ErrNotFound
	}
	msg.ID = uuid.NewString()
	msg.CreatedAt = time.Now().UTC()
	msg.Status = MessageStatusSent
	m.messages[key] = append(m.messages[key], msg)
	c.LastMessageID = msg.ID
	m.conversations[key] = c
	return msg, nil
}

// MessageCount reports how many messages a conversation holds. Test helper.
func (m *Memory) MessageCount(tenant, conversationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages[tenant+":"+conversationID])
}
