package commandbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"retention-agent/internal/domain"
	"retention-agent/internal/governor"
)

// AuditStore is a ticket's audit trail. Machine-authored entries are the
// spend ledger for remediation attempts.
type AuditStore interface {
	AuditEntryExists(ctx context.Context, entryID string) (bool, error)
	CountAuditEntries(ctx context.Context, ticketID string, author domain.AuditAuthor) (int, error)
	RecordAuditEntry(ctx context.Context, e domain.AuditEntry) error
}

// TicketAPI is the ticket provider.
type TicketAPI interface {
	TriggerAutomation(ctx context.Context, ticketID, reason string, attempt int, idempotencyKey string) (string, error)
	Comment(ctx context.Context, ticketID, body, idempotencyKey string) error
}

// TicketRemediationExecutor triggers the provider's remediation automation
// within the per-ticket budget.
type TicketRemediationExecutor struct {
	audit   AuditStore
	tickets TicketAPI
	policy  governor.Policy
	log     *slog.Logger
	now     func() time.Time
}

func NewTicketRemediationExecutor(audit AuditStore, tickets TicketAPI, policy governor.Policy, log *slog.Logger) (*TicketRemediationExecutor, error) {
	if audit == nil || tickets == nil {
		return nil, errors.New("commandbus: audit store and ticket api are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &TicketRemediationExecutor{
		audit:   audit,
		tickets: tickets,
		policy:  policy,
		log:     log.With(slog.String("component", "ticket_remediation")),
		now:     time.Now,
	}, nil
}

func (e *TicketRemediationExecutor) Kind() domain.CommandKind { return domain.CommandTicketRemediation }

// Execute charges the attempt by writing an audit entry whose id is the
// command id, then triggers the automation. A retried command finds its
// entry already written and is not charged again. Running out of budget
// completes the command with a comment on the ticket.
func (e *TicketRemediationExecutor) Execute(ctx context.Context, cmd domain.Command) error {
	var p domain.TicketRemediationPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return Permanent(fmt.Errorf("commandbus: ticket-remediation payload: %w", err))
	}
	if strings.TrimSpace(p.TicketID) == "" {
		return Permanent(errors.New("commandbus: ticket-remediation: ticket id is required"))
	}
	log := e.log.With(slog.String("command_id", cmd.ID), slog.String("ticket_id", p.TicketID))

	charged, err := e.audit.AuditEntryExists(ctx, cmd.ID)
	if err != nil {
		return fmt.Errorf("commandbus: audit lookup: %w", err)
	}

	attempt := p.Attempt
	if !charged {
		prior, err := e.audit.CountAuditEntries(ctx, p.TicketID, domain.AuthorAgent)
		if err != nil {
			return fmt.Errorf("commandbus: count attempts: %w", err)
		}
		budget := e.policy.CheckTicketBudget(prior)
		if !budget.Allowed {
			log.Info("ticket budget exceeded", slog.Int("spent_cents", budget.SpentCents))
			body := fmt.Sprintf("Automated remediation stopped: budget exceeded (%d of %d cents spent).", budget.SpentCents, budget.CapCents)
			if err := e.tickets.Comment(ctx, p.TicketID, body, cmd.ID+":budget"); err != nil {
				return fmt.Errorf("commandbus: budget comment: %w", err)
			}
			return nil
		}
		attempt = budget.Attempt
		err = e.audit.RecordAuditEntry(ctx, domain.AuditEntry{
			ID:        cmd.ID,
			TicketID:  p.TicketID,
			AccountID: p.AccountID,
			Author:    domain.AuthorAgent,
			Body:      fmt.Sprintf("Remediation attempt %d triggered (%d cents, %d remaining).", budget.Attempt, e.policy.AttemptCostCents, budget.RemainingCents),
			CreatedAt: e.now().UTC(),
		})
		if err != nil && !errors.Is(err, domain.ErrAlreadyExists) {
			return fmt.Errorf("commandbus: record audit: %w", err)
		}
	}

	reason := p.Reason
	if reason == "" {
		reason = "automated remediation"
	}
	runID, err := e.tickets.TriggerAutomation(ctx, p.TicketID, reason, attempt, cmd.ID)
	if err != nil {
		return fmt.Errorf("commandbus: trigger automation: %w", err)
	}
	body := fmt.Sprintf("Automated remediation attempt %d started (run %s).", attempt, runID)
	if err := e.tickets.Comment(ctx, p.TicketID, body, cmd.ID+":comment"); err != nil {
		return fmt.Errorf("commandbus: outcome comment: %w", err)
	}
	log.Info("remediation triggered", slog.Int("attempt", attempt), slog.String("run_id", runID))
	return nil
}
