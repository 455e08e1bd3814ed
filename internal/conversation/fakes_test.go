package conversation

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"retention-agent/internal/domain"
)

// memStore is an in-memory Store and HandoffStore that enforces the
// one-active-conversation-per-key lock the way the DynamoDB store does.
type memStore struct {
	mu       sync.Mutex
	convs    map[string]domain.Conversation
	active   map[domain.ConversationKey]string
	messages map[string][]domain.Message

	recentErr  error
	linkErr    error
	reassigned []string
	linked     []string
}

func newMemStore() *memStore {
	return &memStore{
		convs:    make(map[string]domain.Conversation),
		active:   make(map[domain.ConversationKey]string),
		messages: make(map[string][]domain.Message),
	}
}

func (m *memStore) FindActiveConversation(_ context.Context, key domain.ConversationKey) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.active[key]
	if !ok || m.convs[id].Status == domain.ConversationResolved {
		return domain.Conversation{}, fmt.Errorf("mem: %w", domain.ErrNotFound)
	}
	return m.convs[id], nil
}

func (m *memStore) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("mem: %w", domain.ErrNotFound)
	}
	return c, nil
}

func (m *memStore) CreateConversation(_ context.Context, conv domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id, held := m.active[conv.Key()]; held && m.convs[id].Status != domain.ConversationResolved {
		return fmt.Errorf("mem: %w", domain.ErrConflict)
	}
	m.active[conv.Key()] = conv.ID
	m.convs[conv.ID] = conv
	return nil
}

func (m *memStore) resolve(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.convs[id]
	c.Status = domain.ConversationResolved
	m.convs[id] = c
}

func (m *memStore) AppendMessage(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return nil
}

func (m *memStore) ReassignRole(_ context.Context, id, role string, status domain.ConversationStatus) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return "", fmt.Errorf("mem: %w", domain.ErrNotFound)
	}
	prev := c.AssignedRole
	c.PreviousRole = prev
	c.AssignedRole = role
	c.Status = status
	m.convs[id] = c
	m.reassigned = append(m.reassigned, role)
	return prev, nil
}

func (m *memStore) RecentMessages(_ context.Context, id string, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recentErr != nil {
		return nil, m.recentErr
	}
	msgs := append([]domain.Message(nil), m.messages[id]...)
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].CreatedAt.Before(msgs[j].CreatedAt) })
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (m *memStore) LinkSession(_ context.Context, id, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.linkErr != nil {
		return m.linkErr
	}
	c := m.convs[id]
	c.SessionIDs = append(c.SessionIDs, sessionID)
	m.convs[id] = c
	m.linked = append(m.linked, sessionID)
	return nil
}

func (m *memStore) conversationCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.convs)
}
