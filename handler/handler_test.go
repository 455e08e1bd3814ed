package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/stretchr/testify/require"

	"retention-agent/internal/domain"
	"retention-agent/internal/usecase"
)

type stubIntake struct {
	in  usecase.IntakeInput
	out usecase.IntakeOutput
	err error
}

func (s *stubIntake) Receive(_ context.Context, in usecase.IntakeInput) (usecase.IntakeOutput, error) {
	s.in = in
	return s.out, s.err
}

type stubDrain struct {
	token   string
	authErr error
	out     usecase.DrainOutput
	drained bool
}

func (s *stubDrain) Authorize(_ context.Context, token string) error {
	s.token = token
	return s.authErr
}

func (s *stubDrain) Drain(context.Context) usecase.DrainOutput {
	s.drained = true
	return s.out
}

type stubRemediation struct {
	in  usecase.RemediationInput
	out usecase.RemediationOutput
	err error
}

func (s *stubRemediation) Request(_ context.Context, in usecase.RemediationInput) (usecase.RemediationOutput, error) {
	s.in = in
	return s.out, s.err
}

type stubHandoff struct {
	in  usecase.HandoffInput
	out usecase.HandoffOutput
	err error
}

func (s *stubHandoff) Handoff(_ context.Context, in usecase.HandoffInput) (usecase.HandoffOutput, error) {
	s.in = in
	return s.out, s.err
}

type stubs struct {
	intake      *stubIntake
	drain       *stubDrain
	remediation *stubRemediation
	handoff     *stubHandoff
}

func newTestHandler(t *testing.T) (*Handler, *stubs) {
	t.Helper()
	s := &stubs{intake: &stubIntake{}, drain: &stubDrain{}, remediation: &stubRemediation{}, handoff: &stubHandoff{}}
	h, err := NewHandler(s.intake, s.drain, s.remediation, s.handoff, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return h, s
}

func makeEvent(path, body string) events.APIGatewayProxyRequest {
	return events.APIGatewayProxyRequest{
		HTTPMethod: http.MethodPost,
		Path:       path,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       body,
	}
}

func parseBody[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

func TestNewHandler_ValidatesDependency(t *testing.T) {
	_, err := NewHandler(nil, &stubDrain{}, &stubRemediation{}, &stubHandoff{}, nil)
	require.Error(t, err)
}

func TestHandle_Inbound(t *testing.T) {
	h, s := newTestHandler(t)
	s.intake.out = usecase.IntakeOutput{ConversationID: "conv-1", MessageID: "msg-1", IsNew: true, AssignedRole: "front_desk"}

	resp, err := h.Handle(context.Background(), makeEvent("/inbound",
		`{"account_id":"acct-1","channel":"sms","content":"hi","contact_id":"member-7","contact_name":"Dana","metadata":{"source":"twilio"}}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.IntakeInput{
		AccountID: "acct-1", Channel: "sms", Content: "hi", ContactID: "member-7", ContactName: "Dana",
		Metadata: map[string]string{"source": "twilio"},
	}, s.intake.in)

	out := parseBody[inboundResponse](t, resp.Body)
	require.Equal(t, "conv-1", out.ConversationID)
	require.True(t, out.IsNew)
	require.NotEmpty(t, resp.Headers["X-Correlation-Id"])
}

func TestHandle_InvalidBody(t *testing.T) {
	h, _ := newTestHandler(t)

	resp, err := h.Handle(context.Background(), makeEvent("/inbound", `not-json`))
	require.NoError(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	out := parseBody[errorResponse](t, resp.Body)
	require.Equal(t, string(usecase.ErrorInvalidInput), out.Error)
}

func TestHandle_MapsUseCaseErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "invalid input", err: &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "missing_fields"}, status: http.StatusBadRequest, code: string(usecase.ErrorInvalidInput)},
		{name: "not found", err: &usecase.Error{Code: usecase.ErrorNotFound, Reason: "account_not_found"}, status: http.StatusNotFound, code: string(usecase.ErrorNotFound)},
		{name: "rate limited", err: &usecase.Error{Code: usecase.ErrorRateLimited, Reason: "agent_rate_limited"}, status: http.StatusTooManyRequests, code: string(usecase.ErrorRateLimited)},
		{name: "upstream", err: &usecase.Error{Code: usecase.ErrorUpstream, Reason: "agent_session_error"}, status: http.StatusBadGateway, code: string(usecase.ErrorUpstream)},
		{name: "internal", err: &usecase.Error{Code: usecase.ErrorInternal, Reason: "dynamodb_route_error"}, status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
		{name: "unexpected", err: errors.New("boom"), status: http.StatusInternalServerError, code: string(usecase.ErrorInternal)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, s := newTestHandler(t)
			s.intake.err = tc.err

			resp, err := h.Handle(context.Background(), makeEvent("/inbound", `{"account_id":"acct-1"}`))
			require.NoError(t, err)
			require.Equal(t, tc.status, resp.StatusCode)

			out := parseBody[errorResponse](t, resp.Body)
			require.Equal(t, tc.code, out.Error)
		})
	}
}

func TestHandle_UsesProvidedCorrelationID_CaseInsensitive(t *testing.T) {
	h, _ := newTestHandler(t)

	event := makeEvent("/inbound", `{}`)
	event.Headers["x-correlation-id"] = "corr-123"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, "corr-123", resp.Headers["X-Correlation-Id"])
}

func TestHandle_DrainRequiresBearer(t *testing.T) {
	h, s := newTestHandler(t)
	s.drain.authErr = &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "missing_token"}

	resp, err := h.Handle(context.Background(), makeEvent("/cron/drain", ""))
	require.NoError(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Equal(t, "", s.drain.token)
	require.False(t, s.drain.drained)
}

func TestHandle_DrainSummary(t *testing.T) {
	h, s := newTestHandler(t)
	s.drain.out = usecase.DrainOutput{Processed: 3, Failed: 1, AutopilotSent: 2, FollowUpsSent: 1, OK: true}

	event := makeEvent("/cron/drain", "")
	event.Headers["authorization"] = "Bearer s3cret"
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "s3cret", s.drain.token)
	require.JSONEq(t, `{"processed":3,"failed":1,"autopilotSent":2,"followUpsSent":1,"ok":true}`, resp.Body)
}

func TestHandle_Remediate(t *testing.T) {
	h, s := newTestHandler(t)
	s.remediation.out = usecase.RemediationOutput{Status: usecase.StatusBudgetExceeded, Attempt: 5, SpentCents: 200}

	event := makeEvent("/tickets/T-9/remediate", `{"account_id":"acct-1","reason":"sync failed"}`)
	event.PathParameters = map[string]string{"ticketId": "T-9"}
	resp, err := h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.RemediationInput{AccountID: "acct-1", TicketID: "T-9", Reason: "sync failed"}, s.remediation.in)

	out := parseBody[remediateResponse](t, resp.Body)
	require.Equal(t, "budget_exceeded", out.Status)
	require.Equal(t, 200, out.SpentCents)
}

func TestHandle_Handoff(t *testing.T) {
	h, s := newTestHandler(t)
	s.handoff.out = usecase.HandoffOutput{
		ConversationID: "conv-1",
		TargetRole:     "gm",
		SessionID:      "sess-1",
		Status:         "done",
		Events: []domain.SessionEvent{
			{Type: domain.SessionCreated, SessionID: "sess-1"},
			{Type: domain.SessionDone, SessionID: "sess-1"},
		},
	}

	resp, err := h.Handle(context.Background(), makeEvent("/conversations/conv-1/handoff", `{"target_role":"gm","reason":"wants to cancel"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, usecase.HandoffInput{ConversationID: "conv-1", TargetRole: "gm", Reason: "wants to cancel"}, s.handoff.in)

	out := parseBody[handoffResponse](t, resp.Body)
	require.Equal(t, "sess-1", out.SessionID)
	require.Len(t, out.Events, 2)
	require.Equal(t, "created", out.Events[0].Type)
}

func TestHandle_OperatorRoutesRequireBearer(t *testing.T) {
	h, s := newTestHandler(t)
	s.drain.authErr = &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "invalid_token"}

	for _, path := range []string{"/tickets/T-9/remediate", "/conversations/conv-1/handoff"} {
		event := makeEvent(path, `{"account_id":"acct-1","target_role":"gm","reason":"x"}`)
		event.Headers["Authorization"] = "Bearer wrong"
		resp, err := h.Handle(context.Background(), event)
		require.NoError(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
		require.Equal(t, "wrong", s.drain.token)
	}
	require.Empty(t, s.remediation.in.TicketID)
	require.Empty(t, s.handoff.in.ConversationID)
}

func TestHandle_UnknownRouteAndMethod(t *testing.T) {
	h, _ := newTestHandler(t)

	resp, err := h.Handle(context.Background(), makeEvent("/ask", `{}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	event := makeEvent("/inbound", "")
	event.HTTPMethod = http.MethodGet
	resp, err = h.Handle(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestBearerToken(t *testing.T) {
	require.Equal(t, "abc", bearerToken(map[string]string{"Authorization": "Bearer abc"}))
	require.Equal(t, "abc", bearerToken(map[string]string{"authorization": "bearer  abc "}))
	require.Equal(t, "", bearerToken(map[string]string{"Authorization": "Basic abc"}))
	require.Equal(t, "", bearerToken(nil))
}
