package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"retention-agent/internal/domain"
)

// sendGate applies the daily cap during one pass. Counts are read from the
// ledger once per account and advanced locally as sends are reserved; the
// ledger's per-day counter is what holds the cap across overlapping passes.
type sendGate struct {
	policy   Policy
	ledger   ActionLedger
	accounts AccountStore
	log      *slog.Logger
	now      time.Time

	counts    map[string]int
	accts     map[string]domain.Account
	midnights map[string]time.Time
}

func newSendGate(policy Policy, ledger ActionLedger, accounts AccountStore, log *slog.Logger, now time.Time) *sendGate {
	return &sendGate{
		policy:    policy,
		ledger:    ledger,
		accounts:  accounts,
		log:       log,
		now:       now,
		counts:    make(map[string]int),
		accts:     make(map[string]domain.Account),
		midnights: make(map[string]time.Time),
	}
}

func (g *sendGate) account(ctx context.Context, accountID string) (domain.Account, error) {
	if a, ok := g.accts[accountID]; ok {
		return a, nil
	}
	a, err := g.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return domain.Account{}, err
	}
	g.accts[accountID] = a
	return a, nil
}

// midnight is the start of the account's current local day.
func (g *sendGate) midnight(acct domain.Account) time.Time {
	if m, ok := g.midnights[acct.ID]; ok {
		return m
	}
	m, err := LocalMidnight(g.now, acct.Timezone)
	if err != nil {
		g.log.Warn("account timezone invalid, using UTC",
			slog.String("account_id", acct.ID),
			slog.Any("error", err))
	}
	g.midnights[acct.ID] = m
	return m
}

// nextDay is when a capped account may send again.
func (g *sendGate) nextDay(acct domain.Account) time.Time {
	return g.midnight(acct).AddDate(0, 0, 1)
}

// allow reports whether accountID may send another autonomous message today.
func (g *sendGate) allow(ctx context.Context, acct domain.Account) (CapDecision, error) {
	sent, ok := g.counts[acct.ID]
	if !ok {
		var err error
		sent, err = g.ledger.CountActionsSince(ctx, acct.ID, domain.ActionAutonomousSend, g.midnight(acct))
		if err != nil {
			return CapDecision{}, fmt.Errorf("governor: count sends: %w", err)
		}
		g.counts[acct.ID] = sent
	}
	return g.policy.CheckDailyCap(sent), nil
}

// reserve charges one send against the account's local day. It reports false
// when another pass took the day's last slot. A send already reserved under
// the same id is not charged twice and may proceed.
func (g *sendGate) reserve(ctx context.Context, acct domain.Account, actionID, taskID string) (bool, error) {
	window := g.midnight(acct).Format("2006-01-02")
	err := g.ledger.ReserveAction(ctx, domain.Action{
		ID:        actionID,
		AccountID: acct.ID,
		Kind:      domain.ActionAutonomousSend,
		TaskID:    taskID,
		CreatedAt: g.now.UTC(),
	}, window, g.policy.DailySendCap)
	switch {
	case errors.Is(err, domain.ErrAlreadyExists):
		return true, nil
	case errors.Is(err, domain.ErrLimitReached):
		g.counts[acct.ID] = g.policy.DailySendCap
		return false, nil
	case err != nil:
		return false, fmt.Errorf("governor: reserve action: %w", err)
	}
	g.counts[acct.ID]++
	return true, nil
}

// deferTask moves a skipped task's next action to until so it stops holding
// a slot at the head of the due index.
func deferTask(ctx context.Context, tasks TaskStore, task domain.Task, until time.Time) error {
	at := until.UTC()
	updated := task
	updated.NextActionAt = &at
	err := tasks.SaveTask(ctx, updated, task.Status, task.Touch)
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return fmt.Errorf("governor: defer task: %w", err)
	}
	return nil
}

// TouchCommandID is the idempotency key of the email for a task's touch.
func TouchCommandID(taskID string, touch int) string {
	return fmt.Sprintf("task:%s:touch:%d", taskID, touch)
}
