package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"retention-agent/internal/domain"
)

// Replies resolves outreach a contact has answered.
type Replies struct {
	tasks TaskStore
	log   *slog.Logger
}

func NewReplies(tasks TaskStore, log *slog.Logger) (*Replies, error) {
	if tasks == nil {
		return nil, errors.New("governor: tasks are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Replies{tasks: tasks, log: log.With(slog.String("component", "replies"))}, nil
}

// HandleReply marks the contact's awaiting_reply tasks in the account as
// resolved with outcome engaged, stopping their drip. It returns how many
// tasks it resolved.
func (r *Replies) HandleReply(ctx context.Context, accountID, contactID string) (int, error) {
	tasks, err := r.tasks.ListAwaitingTasksForContact(ctx, accountID, contactID)
	if err != nil {
		return 0, fmt.Errorf("governor: list awaiting: %w", err)
	}
	resolved := 0
	for _, task := range tasks {
		updated := task
		updated.Status = domain.TaskResolved
		updated.Outcome = domain.OutcomeEngaged
		updated.OutcomeReason = "contact replied"
		updated.NextActionAt = nil
		if err := r.tasks.SaveTask(ctx, updated, domain.TaskAwaitingReply, task.Touch); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				continue
			}
			return resolved, fmt.Errorf("governor: resolve task %s: %w", task.ID, err)
		}
		resolved++
		r.log.Info("task engaged", slog.String("task_id", task.ID), slog.Int("touch", task.Touch))
	}
	return resolved, nil
}
