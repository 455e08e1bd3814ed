package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"retention-agent/internal/domain"
	"retention-agent/internal/integrations/openai"
)

type scriptedChat struct {
	replies []string
	tokens  int
	err     error
	reqs    []openai.ChatRequest
}

func (s *scriptedChat) Chat(_ context.Context, in openai.ChatRequest) (openai.ChatResult, error) {
	s.reqs = append(s.reqs, in)
	if s.err != nil {
		return openai.ChatResult{}, s.err
	}
	i := len(s.reqs) - 1
	if i >= len(s.replies) {
		i = len(s.replies) - 1
	}
	return openai.ChatResult{Content: s.replies[i], Usage: openai.Usage{TotalTokens: s.tokens}}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRunner(t *testing.T, chat Chatter, centsPerK float64) *OpenAIRunner {
	t.Helper()
	r, err := NewOpenAIRunner(chat, "gpt-4o-mini", centsPerK, discardLogger())
	require.NoError(t, err)
	r.newID = func() string { return "sess-1" }
	return r
}

func collect(t *testing.T, r *OpenAIRunner, req SessionRequest) ([]domain.SessionEvent, error) {
	t.Helper()
	var events []domain.SessionEvent
	err := r.Run(context.Background(), req, func(e domain.SessionEvent) { events = append(events, e) })
	return events, err
}

func baseRequest() SessionRequest {
	return SessionRequest{
		Role:     domain.Role{ID: domain.RoleManager, Label: "General Manager", Instructions: "Own retention escalations."},
		Goal:     "Member member-7 wants to cancel.",
		Tools:    []string{"lookup_member", "send_reply"},
		MaxTurns: 15,
	}
}

func TestRun_StopsWhenModelReportsDone(t *testing.T) {
	chat := &scriptedChat{replies: []string{`{"reply":"Looking up the account","done":false}`, `{"reply":"Offered a freeze","done":true}`}, tokens: 1000}
	events, err := collect(t, newTestRunner(t, chat, 1), baseRequest())
	require.NoError(t, err)

	require.Len(t, events, 4)
	require.Equal(t, domain.SessionCreated, events[0].Type)
	require.Equal(t, "sess-1", events[0].SessionID)
	require.Equal(t, "Looking up the account", events[1].Content)
	require.Equal(t, 1, events[1].CostCents)
	require.Equal(t, 2, events[2].Turn)
	require.Equal(t, domain.SessionDone, events[3].Type)

	system := chat.reqs[0].Messages[0].Content
	require.Contains(t, system, "General Manager")
	require.Contains(t, system, "lookup_member, send_reply")
	require.Equal(t, "session_turn", chat.reqs[0].Schema.Name)
	require.Len(t, chat.reqs[1].Messages, 4)
}

func TestRun_TurnBound(t *testing.T) {
	chat := &scriptedChat{replies: []string{`{"reply":"still working","done":false}`}}
	req := baseRequest()
	req.MaxTurns = 3
	events, err := collect(t, newTestRunner(t, chat, 0), req)
	require.NoError(t, err)
	require.Len(t, chat.reqs, 3)
	last := events[len(events)-1]
	require.Equal(t, domain.SessionDone, last.Type)
	require.Equal(t, "turn bound reached", last.Content)
}

func TestRun_CostBound(t *testing.T) {
	chat := &scriptedChat{replies: []string{`{"reply":"x","done":false}`}, tokens: 10000}
	req := baseRequest()
	req.MaxCostCents = 75
	events, err := collect(t, newTestRunner(t, chat, 3), req)
	require.NoError(t, err)
	// 30 cents per turn: 30, 60, 90.
	require.Len(t, chat.reqs, 3)
	last := events[len(events)-1]
	require.Equal(t, "cost bound reached", last.Content)
	require.Equal(t, 90, last.CostCents)
}

func TestRun_ChatErrorEmitsErrorEvent(t *testing.T) {
	chat := &scriptedChat{err: errors.New("upstream down")}
	events, err := collect(t, newTestRunner(t, chat, 0), baseRequest())
	require.ErrorContains(t, err, "upstream down")
	require.Len(t, events, 2)
	require.Equal(t, domain.SessionError, events[1].Type)
	require.Contains(t, events[1].Error, "upstream down")
}

func TestRun_MalformedReply(t *testing.T) {
	chat := &scriptedChat{replies: []string{`not json`}}
	events, err := collect(t, newTestRunner(t, chat, 0), baseRequest())
	require.ErrorContains(t, err, "decode reply")
	require.True(t, events[len(events)-1].Terminal())
}

func TestNewOpenAIRunner_Validation(t *testing.T) {
	_, err := NewOpenAIRunner(nil, "m", 0, nil)
	require.Error(t, err)
	_, err = NewOpenAIRunner(&scriptedChat{}, " ", 0, nil)
	require.Error(t, err)
}
