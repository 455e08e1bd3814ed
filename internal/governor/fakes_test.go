package governor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"retention-agent/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memTasks struct {
	mu      sync.Mutex
	tasks   map[string]domain.Task
	listErr error
}

func newMemTasks(tasks ...domain.Task) *memTasks {
	m := &memTasks{tasks: make(map[string]domain.Task)}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	return m
}

func dueAt(t domain.Task) time.Time {
	if t.NextActionAt != nil {
		return *t.NextActionAt
	}
	return t.CreatedAt
}

func (m *memTasks) ListDueTasks(_ context.Context, status domain.TaskStatus, now time.Time, limit int) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []domain.Task
	for _, t := range m.tasks {
		if t.Status != status {
			continue
		}
		if dueAt(t).After(now) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := dueAt(out[i]), dueAt(out[j])
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTasks) ListAwaitingTasksForContact(_ context.Context, accountID, contactID string) ([]domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Task
	for _, t := range m.tasks {
		if t.Status == domain.TaskAwaitingReply && t.AccountID == accountID && t.Contact.ID == contactID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memTasks) SaveTask(_ context.Context, task domain.Task, expectStatus domain.TaskStatus, expectTouch int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.tasks[task.ID]
	if !ok || cur.Status != expectStatus || cur.Touch != expectTouch {
		return fmt.Errorf("mem: %w", domain.ErrConflict)
	}
	m.tasks[task.ID] = task
	return nil
}

func (m *memTasks) get(id string) domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tasks[id]
}

type memLedger struct {
	mu      sync.Mutex
	actions map[string]domain.Action
	windows map[string]int
}

func newMemLedger() *memLedger {
	return &memLedger{actions: make(map[string]domain.Action), windows: make(map[string]int)}
}

func (m *memLedger) ReserveAction(_ context.Context, a domain.Action, window string, limit int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.actions[a.ID]; ok {
		return fmt.Errorf("mem: %w", domain.ErrAlreadyExists)
	}
	w := a.AccountID + "#" + a.Kind + "#" + window
	if limit > 0 && m.windows[w] >= limit {
		return fmt.Errorf("mem: %w", domain.ErrLimitReached)
	}
	m.actions[a.ID] = a
	m.windows[w]++
	return nil
}

func (m *memLedger) CountActionsSince(_ context.Context, accountID, kind string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.actions {
		if a.AccountID == accountID && a.Kind == kind && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

// seed records n sends for accountID on at's UTC day.
func (m *memLedger) seed(accountID string, n int, at time.Time) {
	for i := 0; i < n; i++ {
		_ = m.ReserveAction(context.Background(), domain.Action{
			ID: fmt.Sprintf("seed-%s-%d-%d", accountID, at.Unix(), i), AccountID: accountID, Kind: domain.ActionAutonomousSend, CreatedAt: at,
		}, at.UTC().Format("2006-01-02"), 0)
	}
}

type memAccounts map[string]domain.Account

func (m memAccounts) GetAccount(_ context.Context, id string) (domain.Account, error) {
	a, ok := m[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("mem: %w", domain.ErrNotFound)
	}
	return a, nil
}

type memConversations struct {
	mu    sync.Mutex
	byKey map[domain.ConversationKey]domain.Conversation
}

func (m *memConversations) EnsureConversation(_ context.Context, key domain.ConversationKey, contact domain.Contact, subject string) (domain.Conversation, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byKey == nil {
		m.byKey = make(map[domain.ConversationKey]domain.Conversation)
	}
	if c, ok := m.byKey[key]; ok {
		return c, false, nil
	}
	c := domain.Conversation{ID: "conv-" + key.ContactID, AccountID: key.AccountID, Contact: contact, Channel: key.Channel, Subject: subject}
	m.byKey[key] = c
	return c, true, nil
}

type memBus struct {
	mu   sync.Mutex
	cmds map[string]domain.Command
	ids  []string
}

func (m *memBus) Enqueue(_ context.Context, cmd domain.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmds == nil {
		m.cmds = make(map[string]domain.Command)
	}
	if _, ok := m.cmds[cmd.ID]; ok {
		return nil
	}
	m.cmds[cmd.ID] = cmd
	m.ids = append(m.ids, cmd.ID)
	return nil
}
