package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"retention-agent/internal/commandbus"
	"retention-agent/internal/conversation"
	"retention-agent/internal/domain"
	"retention-agent/internal/governor"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeAccounts struct {
	accounts map[string]domain.Account
	err      error
}

func (f *fakeAccounts) GetAccount(_ context.Context, id string) (domain.Account, error) {
	if f.err != nil {
		return domain.Account{}, f.err
	}
	a, ok := f.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("fake: %w", domain.ErrNotFound)
	}
	return a, nil
}

func oneAccount() *fakeAccounts {
	return &fakeAccounts{accounts: map[string]domain.Account{"acct-1": {ID: "acct-1", Name: "Iron Temple"}}}
}

type fakeRouter struct {
	in  conversation.InboundMessage
	out conversation.RouteResult
	err error
}

func (f *fakeRouter) RouteInbound(_ context.Context, in conversation.InboundMessage) (conversation.RouteResult, error) {
	f.in = in
	return f.out, f.err
}

type fakeReplies struct {
	calls int
	n     int
	err   error
}

func (f *fakeReplies) HandleReply(context.Context, string, string) (int, error) {
	f.calls++
	return f.n, f.err
}

type fakeParams struct {
	values map[string]string
	calls  int
}

func (f *fakeParams) GetParameter(_ context.Context, name string) (string, error) {
	f.calls++
	v, ok := f.values[name]
	if !ok {
		return "", fmt.Errorf("fake: parameter %s not found", name)
	}
	return v, nil
}

type fakePass struct {
	rep governor.Report
	err error
	at  time.Time
}

func (f *fakePass) Run(_ context.Context, now time.Time) (governor.Report, error) {
	f.at = now
	return f.rep, f.err
}

type fakeProcessor struct {
	res   commandbus.Result
	err   error
	batch int
}

func (f *fakeProcessor) ProcessNext(_ context.Context, maxBatch int) (commandbus.Result, error) {
	f.batch = maxBatch
	return f.res, f.err
}

type fakeAuditCounter struct {
	n   int
	err error
}

func (f *fakeAuditCounter) CountAuditEntries(context.Context, string, domain.AuditAuthor) (int, error) {
	return f.n, f.err
}

type fakeEnqueuer struct {
	cmds []domain.Command
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, cmd domain.Command) error {
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, cmd)
	return nil
}
