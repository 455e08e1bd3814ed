package governor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"retention-agent/internal/domain"
)

// Sequencer advances the follow-up drip for tasks awaiting a reply.
type Sequencer struct {
	policy        Policy
	tasks         TaskStore
	ledger        ActionLedger
	accounts      AccountStore
	conversations Conversations
	bus           Enqueuer
	batch         int
	log           *slog.Logger
}

func NewSequencer(policy Policy, deps Deps, batch int, log *slog.Logger) (*Sequencer, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if batch <= 0 {
		batch = 25
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sequencer{
		policy:        policy,
		tasks:         deps.Tasks,
		ledger:        deps.Ledger,
		accounts:      deps.Accounts,
		conversations: deps.Conversations,
		bus:           deps.Bus,
		batch:         batch,
		log:           log.With(slog.String("component", "sequencer")),
	}, nil
}

// Run sends or closes every due awaiting_reply task. Each task update is
// conditional on the touch count it was read with, so overlapping passes
// advance a task once.
func (s *Sequencer) Run(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	tasks, err := s.tasks.ListDueTasks(ctx, domain.TaskAwaitingReply, now, s.batch)
	if err != nil {
		return rep, fmt.Errorf("governor: sequencer list: %w", err)
	}
	gate := newSendGate(s.policy, s.ledger, s.accounts, s.log, now)

	for _, task := range tasks {
		d := s.policy.NextTouch(task, now)
		var err error
		switch d.Action {
		case TouchClose:
			err = s.close(ctx, task, d)
			if err == nil {
				rep.Closed++
			}
		case TouchSend:
			var sent bool
			sent, err = s.send(ctx, gate, task, d, now)
			if err == nil && sent {
				rep.Sent++
			} else if err == nil {
				rep.Skipped++
			}
		default:
			continue
		}
		if err != nil {
			rep.Failed++
			s.log.Error("follow-up failed",
				slog.String("task_id", task.ID),
				slog.String("action", d.Action.String()),
				slog.Any("error", err))
		}
	}
	return rep, nil
}

func (s *Sequencer) close(ctx context.Context, task domain.Task, d TouchDecision) error {
	updated := task
	updated.Status = domain.TaskResolved
	updated.Outcome = d.Outcome
	updated.OutcomeReason = d.Reason
	updated.NextActionAt = nil
	if err := s.tasks.SaveTask(ctx, updated, domain.TaskAwaitingReply, task.Touch); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil
		}
		return fmt.Errorf("governor: close task: %w", err)
	}
	s.log.Info("task closed",
		slog.String("task_id", task.ID),
		slog.String("outcome", string(d.Outcome)),
		slog.String("reason", d.Reason))
	return nil
}

// followUpBody picks the stored follow-up for touch, or a generic nudge.
func followUpBody(task domain.Task, touch int) string {
	idx := touch - 2
	if idx >= 0 && idx < len(task.FollowUps) && task.FollowUps[idx] != "" {
		return task.FollowUps[idx]
	}
	name := task.Contact.Name
	if name == "" {
		name = "there"
	}
	return fmt.Sprintf("Hi %s, just following up on my earlier note. Reply any time and we'll take it from there.", name)
}

func (s *Sequencer) send(ctx context.Context, gate *sendGate, task domain.Task, d TouchDecision, now time.Time) (bool, error) {
	if strings.TrimSpace(task.Contact.Email) == "" {
		return false, deferTask(ctx, s.tasks, task, now.Add(s.policy.NotReadyDelay))
	}
	acct, err := gate.account(ctx, task.AccountID)
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Warn("task account missing", slog.String("task_id", task.ID))
		return false, deferTask(ctx, s.tasks, task, now.Add(s.policy.NotReadyDelay))
	}
	if err != nil {
		return false, err
	}
	decision, err := gate.allow(ctx, acct)
	if err != nil {
		return false, err
	}
	if !decision.Allowed {
		return false, deferTask(ctx, s.tasks, task, gate.nextDay(acct))
	}

	convID := task.ConversationID
	if convID == "" {
		key := domain.ConversationKey{AccountID: acct.ID, ContactID: task.Contact.ID, Channel: EmailChannel}
		conv, _, err := s.conversations.EnsureConversation(ctx, key, task.Contact, task.Subject)
		if err != nil {
			return false, err
		}
		convID = conv.ID
	}

	cmdID := TouchCommandID(task.ID, d.Touch)
	ok, err := gate.reserve(ctx, acct, cmdID, task.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, deferTask(ctx, s.tasks, task, gate.nextDay(acct))
	}

	subject := task.Subject
	if subject != "" {
		subject = "Re: " + subject
	}
	payload, err := json.Marshal(domain.SendEmailPayload{
		AccountID:      acct.ID,
		ConversationID: convID,
		TaskID:         task.ID,
		Touch:          d.Touch,
		From:           acct.FromEmail,
		To:             task.Contact.Email,
		Subject:        subject,
		Body:           followUpBody(task, d.Touch),
		Sender:         acct.Name,
	})
	if err != nil {
		return false, fmt.Errorf("governor: marshal payload: %w", err)
	}
	if err := s.bus.Enqueue(ctx, domain.Command{
		ID:        cmdID,
		Kind:      domain.CommandSendEmail,
		AccountID: acct.ID,
		Payload:   payload,
		CreatedAt: now.UTC(),
	}); err != nil {
		return false, fmt.Errorf("governor: enqueue: %w", err)
	}

	updated := task
	updated.Touch = d.Touch
	updated.ConversationID = convID
	updated.NextActionAt = d.NextActionAt
	if err := s.tasks.SaveTask(ctx, updated, domain.TaskAwaitingReply, task.Touch); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("governor: save task: %w", err)
	}
	s.log.Info("follow-up sent",
		slog.String("task_id", task.ID),
		slog.Int("touch", d.Touch),
		slog.Time("next_action_at", *d.NextActionAt))
	return true, nil
}
