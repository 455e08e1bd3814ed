package governor

import (
	"context"
	"time"

	"retention-agent/internal/domain"
)

// TaskStore persists governed tasks.
type TaskStore interface {
	ListDueTasks(ctx context.Context, status domain.TaskStatus, now time.Time, limit int) ([]domain.Task, error)
	ListAwaitingTasksForContact(ctx context.Context, accountID, contactID string) ([]domain.Task, error)
	SaveTask(ctx context.Context, task domain.Task, expectStatus domain.TaskStatus, expectTouch int) error
}

// ActionLedger records and counts autonomous actions per account.
// ReserveAction records a under a per-account counter for window that may not
// exceed limit; it fails with domain.ErrAlreadyExists for a repeated id and
// domain.ErrLimitReached once the window is full.
type ActionLedger interface {
	ReserveAction(ctx context.Context, a domain.Action, window string, limit int) error
	CountActionsSince(ctx context.Context, accountID, kind string, since time.Time) (int, error)
}

// AccountStore resolves accounts for timezone and sender details.
type AccountStore interface {
	GetAccount(ctx context.Context, accountID string) (domain.Account, error)
}

// Conversations finds or opens the thread an outbound touch belongs to.
type Conversations interface {
	EnsureConversation(ctx context.Context, key domain.ConversationKey, contact domain.Contact, subject string) (domain.Conversation, bool, error)
}

// Enqueuer queues a command for the bus. Re-enqueuing an existing id is a
// no-op.
type Enqueuer interface {
	Enqueue(ctx context.Context, cmd domain.Command) error
}

// Report summarizes one governed pass.
type Report struct {
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Closed  int `json:"closed"`
	Failed  int `json:"failed"`
}
