package commandbus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"retention-agent/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memStore is an in-memory Store whose claim is a compare-and-set under a
// mutex.
type memStore struct {
	mu   sync.Mutex
	cmds map[string]domain.Command

	completeErr error
}

func newMemStore() *memStore {
	return &memStore{cmds: make(map[string]domain.Command)}
}

func (m *memStore) InsertCommand(_ context.Context, cmd domain.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.cmds[cmd.ID]; ok {
		return fmt.Errorf("mem: %w", domain.ErrAlreadyExists)
	}
	cmd.Status = domain.CommandPending
	m.cmds[cmd.ID] = cmd
	return nil
}

func (m *memStore) ClaimCommands(_ context.Context, limit int, lease time.Duration, now time.Time) ([]domain.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cands []domain.Command
	for _, c := range m.cmds {
		switch {
		case c.Status == domain.CommandPending:
			cands = append(cands, c)
		case c.Status == domain.CommandClaimed && c.ClaimedAt != nil && c.ClaimedAt.Before(now.Add(-lease)):
			cands = append(cands, c)
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].CreatedAt.Equal(cands[j].CreatedAt) {
			return cands[i].ID < cands[j].ID
		}
		return cands[i].CreatedAt.Before(cands[j].CreatedAt)
	})
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]domain.Command, 0, len(cands))
	for _, c := range cands {
		at := now
		c.Status = domain.CommandClaimed
		c.Attempts++
		c.ClaimToken = uuid.NewString()
		c.ClaimedAt = &at
		m.cmds[c.ID] = c
		out = append(out, c)
	}
	return out, nil
}

func (m *memStore) resolve(cmd domain.Command, status domain.CommandStatus, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.cmds[cmd.ID]
	if !ok || cur.Status != domain.CommandClaimed || cur.ClaimToken != cmd.ClaimToken {
		return fmt.Errorf("mem: %w", domain.ErrConflict)
	}
	cur.Status = status
	cur.Attempts = cmd.Attempts
	cur.LastError = lastErr
	cur.ClaimToken = ""
	m.cmds[cmd.ID] = cur
	return nil
}

func (m *memStore) CompleteCommand(_ context.Context, cmd domain.Command, _ time.Time) error {
	if m.completeErr != nil {
		return m.completeErr
	}
	return m.resolve(cmd, domain.CommandCompleted, "")
}

func (m *memStore) ReleaseCommand(_ context.Context, cmd domain.Command, lastErr string, _ time.Time) error {
	return m.resolve(cmd, domain.CommandPending, lastErr)
}

func (m *memStore) DeadLetterCommand(_ context.Context, cmd domain.Command, lastErr string, _ time.Time) error {
	return m.resolve(cmd, domain.CommandDeadLetter, lastErr)
}

func (m *memStore) get(id string) domain.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cmds[id]
}

// funcExecutor adapts a function to Executor.
type funcExecutor struct {
	kind domain.CommandKind
	fn   func(ctx context.Context, cmd domain.Command) error
}

func (f funcExecutor) Kind() domain.CommandKind { return f.kind }

func (f funcExecutor) Execute(ctx context.Context, cmd domain.Command) error {
	return f.fn(ctx, cmd)
}
