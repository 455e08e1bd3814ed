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

// EmailChannel is the channel autonomous outreach is sent on.
const EmailChannel = "email"

// Autopilot sends the first touch of open tasks that carry a draft, within
// the daily cap.
type Autopilot struct {
	policy        Policy
	tasks         TaskStore
	ledger        ActionLedger
	accounts      AccountStore
	conversations Conversations
	bus           Enqueuer
	batch         int
	log           *slog.Logger
}

// Deps bundles the collaborators shared by Autopilot and Sequencer.
type Deps struct {
	Tasks         TaskStore
	Ledger        ActionLedger
	Accounts      AccountStore
	Conversations Conversations
	Bus           Enqueuer
}

func (d Deps) validate() error {
	if d.Tasks == nil || d.Ledger == nil || d.Accounts == nil || d.Conversations == nil || d.Bus == nil {
		return errors.New("governor: tasks, ledger, accounts, conversations and bus are required")
	}
	return nil
}

func NewAutopilot(policy Policy, deps Deps, batch int, log *slog.Logger) (*Autopilot, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if batch <= 0 {
		batch = 25
	}
	if log == nil {
		log = slog.Default()
	}
	return &Autopilot{
		policy:        policy,
		tasks:         deps.Tasks,
		ledger:        deps.Ledger,
		accounts:      deps.Accounts,
		conversations: deps.Conversations,
		bus:           deps.Bus,
		batch:         batch,
		log:           log.With(slog.String("component", "autopilot")),
	}, nil
}

// Run sends touch 1 for due open tasks. Skipped tasks are not failed: a
// capped task is deferred to the account's next local day and a task without
// a draft, email or account is deferred by NotReadyDelay.
func (a *Autopilot) Run(ctx context.Context, now time.Time) (Report, error) {
	var rep Report
	tasks, err := a.tasks.ListDueTasks(ctx, domain.TaskOpen, now, a.batch)
	if err != nil {
		return rep, fmt.Errorf("governor: autopilot list: %w", err)
	}
	gate := newSendGate(a.policy, a.ledger, a.accounts, a.log, now)

	for _, task := range tasks {
		sent, err := a.sendFirstTouch(ctx, gate, task, now)
		switch {
		case err != nil:
			rep.Failed++
			a.log.Error("autopilot send failed",
				slog.String("task_id", task.ID),
				slog.Any("error", err))
		case sent:
			rep.Sent++
		default:
			rep.Skipped++
		}
	}
	if len(tasks) > 0 {
		a.log.Info("autopilot pass",
			slog.Int("sent", rep.Sent),
			slog.Int("skipped", rep.Skipped),
			slog.Int("failed", rep.Failed))
	}
	return rep, nil
}

func (a *Autopilot) sendFirstTouch(ctx context.Context, gate *sendGate, task domain.Task, now time.Time) (bool, error) {
	log := a.log.With(slog.String("task_id", task.ID), slog.String("account_id", task.AccountID))
	if strings.TrimSpace(task.Draft) == "" || strings.TrimSpace(task.Contact.Email) == "" {
		log.Debug("task not ready for autopilot")
		return false, deferTask(ctx, a.tasks, task, now.Add(a.policy.NotReadyDelay))
	}
	acct, err := gate.account(ctx, task.AccountID)
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("task account missing")
		return false, deferTask(ctx, a.tasks, task, now.Add(a.policy.NotReadyDelay))
	}
	if err != nil {
		return false, err
	}
	decision, err := gate.allow(ctx, acct)
	if err != nil {
		return false, err
	}
	if !decision.Allowed {
		log.Info("daily cap reached", slog.Int("sent_today", decision.SentToday), slog.Int("limit", decision.Limit))
		return false, deferTask(ctx, a.tasks, task, gate.nextDay(acct))
	}

	key := domain.ConversationKey{AccountID: acct.ID, ContactID: task.Contact.ID, Channel: EmailChannel}
	conv, _, err := a.conversations.EnsureConversation(ctx, key, task.Contact, task.Subject)
	if err != nil {
		return false, err
	}

	const touch = 1
	cmdID := TouchCommandID(task.ID, touch)
	ok, err := gate.reserve(ctx, acct, cmdID, task.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Info("daily cap taken by a concurrent pass")
		return false, deferTask(ctx, a.tasks, task, gate.nextDay(acct))
	}

	payload, err := json.Marshal(domain.SendEmailPayload{
		AccountID:      acct.ID,
		ConversationID: conv.ID,
		TaskID:         task.ID,
		Touch:          touch,
		From:           acct.FromEmail,
		To:             task.Contact.Email,
		Subject:        task.Subject,
		Body:           task.Draft,
		Sender:         acct.Name,
	})
	if err != nil {
		return false, fmt.Errorf("governor: marshal payload: %w", err)
	}
	if err := a.bus.Enqueue(ctx, domain.Command{
		ID:        cmdID,
		Kind:      domain.CommandSendEmail,
		AccountID: acct.ID,
		Payload:   payload,
		CreatedAt: now.UTC(),
	}); err != nil {
		return false, fmt.Errorf("governor: enqueue: %w", err)
	}

	next := now.Add(a.policy.FirstFollowUpDelay).UTC()
	updated := task
	updated.Status = domain.TaskAwaitingReply
	updated.Touch = touch
	updated.ConversationID = conv.ID
	updated.NextActionAt = &next
	if err := a.tasks.SaveTask(ctx, updated, domain.TaskOpen, task.Touch); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.Info("task advanced concurrently")
			return false, nil
		}
		return false, fmt.Errorf("governor: save task: %w", err)
	}
	log.Info("autopilot sent", slog.String("command_id", cmdID))
	return true, nil
}
