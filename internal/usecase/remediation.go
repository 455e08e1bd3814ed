package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"retention-agent/internal/domain"
	"retention-agent/internal/governor"
)

const (
	StatusQueued         = "queued"
	StatusBudgetExceeded = "budget_exceeded"
)

type AuditCounter interface {
	CountAuditEntries(ctx context.Context, ticketID string, author domain.AuditAuthor) (int, error)
}

type CommandEnqueuer interface {
	Enqueue(ctx context.Context, cmd domain.Command) error
}

type RemediationInput struct {
	AccountID string
	TicketID  string
	Reason    string
}

type RemediationOutput struct {
	Status               string
	CommandID            string
	Attempt              int
	SpentCents           int
	BudgetRemainingCents int
}

// RemediationService queues ticket automation attempts within the per-ticket
// budget.
type RemediationService struct {
	accounts AccountReader
	audit    AuditCounter
	bus      CommandEnqueuer
	policy   governor.Policy
	now      func() time.Time
}

func NewRemediationService(accounts AccountReader, audit AuditCounter, bus CommandEnqueuer, policy governor.Policy) (*RemediationService, error) {
	if accounts == nil {
		return nil, errors.New("usecase: account reader must not be nil")
	}
	if audit == nil {
		return nil, errors.New("usecase: audit counter must not be nil")
	}
	if bus == nil {
		return nil, errors.New("usecase: command bus must not be nil")
	}
	return &RemediationService{accounts: accounts, audit: audit, bus: bus, policy: policy, now: time.Now}, nil
}

// RemediationCommandID is the idempotency key of a ticket's nth attempt.
func RemediationCommandID(ticketID string, attempt int) string {
	return fmt.Sprintf("ticket:%s:attempt:%d", ticketID, attempt)
}

// Request prices the next attempt and queues it. A request over budget is
// reported with StatusBudgetExceeded rather than as an error.
func (s *RemediationService) Request(ctx context.Context, in RemediationInput) (RemediationOutput, error) {
	accountID := strings.TrimSpace(in.AccountID)
	ticketID := strings.TrimSpace(in.TicketID)
	if ticketID == "" {
		return RemediationOutput{}, newError(ErrorInvalidInput, "missing_ticket_id", nil)
	}
	if accountID == "" {
		return RemediationOutput{}, newError(ErrorInvalidInput, "missing_account_id", nil)
	}
	if _, err := s.accounts.GetAccount(ctx, accountID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return RemediationOutput{}, newError(ErrorNotFound, "account_not_found", err)
		}
		return RemediationOutput{}, newError(ErrorInternal, "dynamodb_account_error", err)
	}

	prior, err := s.audit.CountAuditEntries(ctx, ticketID, domain.AuthorAgent)
	if err != nil {
		return RemediationOutput{}, newError(ErrorInternal, "dynamodb_audit_error", err)
	}
	budget := s.policy.CheckTicketBudget(prior)
	if !budget.Allowed {
		return RemediationOutput{
			Status:     StatusBudgetExceeded,
			Attempt:    budget.Attempt,
			SpentCents: budget.SpentCents,
		}, nil
	}

	payload, err := json.Marshal(domain.TicketRemediationPayload{
		AccountID: accountID,
		TicketID:  ticketID,
		Attempt:   budget.Attempt,
		Reason:    strings.TrimSpace(in.Reason),
	})
	if err != nil {
		return RemediationOutput{}, newError(ErrorInternal, "payload_encode_error", err)
	}
	cmdID := RemediationCommandID(ticketID, budget.Attempt)
	if err := s.bus.Enqueue(ctx, domain.Command{
		ID:        cmdID,
		Kind:      domain.CommandTicketRemediation,
		AccountID: accountID,
		Payload:   payload,
		CreatedAt: s.now().UTC(),
	}); err != nil {
		return RemediationOutput{}, newError(ErrorInternal, "enqueue_error", err)
	}
	return RemediationOutput{
		Status:               StatusQueued,
		CommandID:            cmdID,
		Attempt:              budget.Attempt,
		SpentCents:           budget.SpentCents,
		BudgetRemainingCents: budget.RemainingCents,
	}, nil
}
