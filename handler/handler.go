package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"retention-agent/internal/usecase"
)

const correlationHeader = "X-Correlation-Id"

type IntakeUseCase interface {
	Receive(ctx context.Context, in usecase.IntakeInput) (usecase.IntakeOutput, error)
}

type DrainUseCase interface {
	Authorize(ctx context.Context, token string) error
	Drain(ctx context.Context) usecase.DrainOutput
}

type RemediationUseCase interface {
	Request(ctx context.Context, in usecase.RemediationInput) (usecase.RemediationOutput, error)
}

type HandoffUseCase interface {
	Handoff(ctx context.Context, in usecase.HandoffInput) (usecase.HandoffOutput, error)
}

type Handler struct {
	intake      IntakeUseCase
	drain       DrainUseCase
	remediation RemediationUseCase
	handoff     HandoffUseCase
	log         *slog.Logger
}

func NewHandler(intake IntakeUseCase, drain DrainUseCase, remediation RemediationUseCase, handoff HandoffUseCase, log *slog.Logger) (*Handler, error) {
	if intake == nil || drain == nil || remediation == nil || handoff == nil {
		return nil, errors.New("handler: all use cases are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		intake:      intake,
		drain:       drain,
		remediation: remediation,
		handoff:     handoff,
		log:         log.With(slog.String("component", "handler")),
	}, nil
}

type inboundRequest struct {
	AccountID    string            `json:"account_id"`
	Channel      string            `json:"channel"`
	Content      string            `json:"content"`
	ContactID    string            `json:"contact_id"`
	ContactName  string            `json:"contact_name"`
	ContactEmail string            `json:"contact_email"`
	ContactPhone string            `json:"contact_phone"`
	ExternalID   string            `json:"external_id"`
	Subject      string            `json:"subject"`
	Metadata     map[string]string `json:"metadata"`
}

type inboundResponse struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	IsNew          bool   `json:"is_new"`
	AssignedRole   string `json:"assigned_role"`
	TasksResolved  int    `json:"tasks_resolved"`
}

type drainResponse struct {
	Processed     int  `json:"processed"`
	Failed        int  `json:"failed"`
	AutopilotSent int  `json:"autopilotSent"`
	FollowUpsSent int  `json:"followUpsSent"`
	OK            bool `json:"ok"`
}

type remediateRequest struct {
	AccountID string `json:"account_id"`
	Reason    string `json:"reason"`
}

type remediateResponse struct {
	Status               string `json:"status"`
	CommandID            string `json:"command_id,omitempty"`
	Attempt              int    `json:"attempt"`
	SpentCents           int    `json:"spent_cents"`
	BudgetRemainingCents int    `json:"budget_remaining_cents"`
}

type handoffRequest struct {
	TargetRole string `json:"target_role"`
	Reason     string `json:"reason"`
	Context    string `json:"context"`
}

type handoffEvent struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Turn      int    `json:"turn,omitempty"`
	Content   string `json:"content,omitempty"`
	CostCents int    `json:"cost_cents,omitempty"`
	Error     string `json:"error,omitempty"`
}

type handoffResponse struct {
	ConversationID string         `json:"conversation_id"`
	TargetRole     string         `json:"target_role"`
	SessionID      string         `json:"session_id,omitempty"`
	Status         string         `json:"status"`
	Events         []handoffEvent `json:"events"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

// Handle routes an API Gateway proxy request.
func (h *Handler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := header(req.Headers, correlationHeader)
	if corrID == "" {
		corrID = uuid.NewString()
	}
	log := h.log.With(
		slog.String("correlation_id", corrID),
		slog.String("method", req.HTTPMethod),
		slog.String("path", req.Path))

	body, err := requestBody(req)
	if err != nil {
		return errorReply(corrID, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_body"), nil
	}

	segs := strings.Split(strings.Trim(req.Path, "/"), "/")
	var resp events.APIGatewayProxyResponse
	switch {
	case len(segs) == 1 && segs[0] == "inbound":
		resp = h.methodPost(req, corrID, func() events.APIGatewayProxyResponse { return h.handleInbound(ctx, log, corrID, body) })
	case len(segs) == 2 && segs[0] == "cron" && segs[1] == "drain":
		resp = h.methodPost(req, corrID, func() events.APIGatewayProxyResponse { return h.handleDrain(ctx, log, corrID, req) })
	case len(segs) == 3 && segs[0] == "tickets" && segs[2] == "remediate":
		ticketID := pathParam(req, "ticketId", segs[1])
		resp = h.methodPost(req, corrID, func() events.APIGatewayProxyResponse { return h.handleRemediate(ctx, log, corrID, ticketID, req.Headers, body) })
	case len(segs) == 3 && segs[0] == "conversations" && segs[2] == "handoff":
		convID := pathParam(req, "conversationId", segs[1])
		resp = h.methodPost(req, corrID, func() events.APIGatewayProxyResponse { return h.handleHandoff(ctx, log, corrID, convID, req.Headers, body) })
	default:
		resp = errorReply(corrID, http.StatusNotFound, usecase.ErrorNotFound, "route_not_found")
	}
	log.Info("request handled", slog.Int("status", resp.StatusCode))
	return resp, nil
}

func (h *Handler) methodPost(req events.APIGatewayProxyRequest, corrID string, next func() events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if !strings.EqualFold(req.HTTPMethod, http.MethodPost) {
		return errorReply(corrID, http.StatusMethodNotAllowed, usecase.ErrorInvalidInput, "method_not_allowed")
	}
	return next()
}

func (h *Handler) handleInbound(ctx context.Context, log *slog.Logger, corrID string, body []byte) events.APIGatewayProxyResponse {
	var in inboundRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return errorReply(corrID, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_json")
	}
	out, err := h.intake.Receive(ctx, usecase.IntakeInput{
		AccountID:    in.AccountID,
		Channel:      in.Channel,
		Content:      in.Content,
		ContactID:    in.ContactID,
		ContactName:  in.ContactName,
		ContactEmail: in.ContactEmail,
		ContactPhone: in.ContactPhone,
		ExternalID:   in.ExternalID,
		Subject:      in.Subject,
		Metadata:     in.Metadata,
	})
	if err != nil {
		return useCaseError(log, corrID, err)
	}
	return jsonReply(corrID, http.StatusOK, inboundResponse{
		ConversationID: out.ConversationID,
		MessageID:      out.MessageID,
		IsNew:          out.IsNew,
		AssignedRole:   out.AssignedRole,
		TasksResolved:  out.TasksResolved,
	})
}

func (h *Handler) handleDrain(ctx context.Context, log *slog.Logger, corrID string, req events.APIGatewayProxyRequest) events.APIGatewayProxyResponse {
	if err := h.drain.Authorize(ctx, bearerToken(req.Headers)); err != nil {
		return useCaseError(log, corrID, err)
	}
	out := h.drain.Drain(ctx)
	return jsonReply(corrID, http.StatusOK, drainResponse{
		Processed:     out.Processed,
		Failed:        out.Failed,
		AutopilotSent: out.AutopilotSent,
		FollowUpsSent: out.FollowUpsSent,
		OK:            out.OK,
	})
}

func (h *Handler) handleRemediate(ctx context.Context, log *slog.Logger, corrID, ticketID string, headers map[string]string, body []byte) events.APIGatewayProxyResponse {
	if err := h.drain.Authorize(ctx, bearerToken(headers)); err != nil {
		return useCaseError(log, corrID, err)
	}
	var in remediateRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return errorReply(corrID, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_json")
	}
	out, err := h.remediation.Request(ctx, usecase.RemediationInput{AccountID: in.AccountID, TicketID: ticketID, Reason: in.Reason})
	if err != nil {
		return useCaseError(log, corrID, err)
	}
	return jsonReply(corrID, http.StatusOK, remediateResponse{
		Status:               out.Status,
		CommandID:            out.CommandID,
		Attempt:              out.Attempt,
		SpentCents:           out.SpentCents,
		BudgetRemainingCents: out.BudgetRemainingCents,
	})
}

func (h *Handler) handleHandoff(ctx context.Context, log *slog.Logger, corrID, convID string, headers map[string]string, body []byte) events.APIGatewayProxyResponse {
	if err := h.drain.Authorize(ctx, bearerToken(headers)); err != nil {
		return useCaseError(log, corrID, err)
	}
	var in handoffRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return errorReply(corrID, http.StatusBadRequest, usecase.ErrorInvalidInput, "invalid_json")
	}
	out, err := h.handoff.Handoff(ctx, usecase.HandoffInput{
		ConversationID: convID,
		TargetRole:     in.TargetRole,
		Reason:         in.Reason,
		Context:        in.Context,
	})
	if err != nil {
		return useCaseError(log, corrID, err)
	}
	evs := make([]handoffEvent, 0, len(out.Events))
	for _, e := range out.Events {
		evs = append(evs, handoffEvent{
			Type:      string(e.Type),
			SessionID: e.SessionID,
			Turn:      e.Turn,
			Content:   e.Content,
			CostCents: e.CostCents,
			Error:     e.Error,
		})
	}
	return jsonReply(corrID, http.StatusOK, handoffResponse{
		ConversationID: out.ConversationID,
		TargetRole:     out.TargetRole,
		SessionID:      out.SessionID,
		Status:         out.Status,
		Events:         evs,
	})
}

func useCaseError(log *slog.Logger, corrID string, err error) events.APIGatewayProxyResponse {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		log.Error("unexpected error", slog.Any("error", err))
		return errorReply(corrID, http.StatusInternalServerError, usecase.ErrorInternal, "")
	}
	status := statusFor(ucErr.Code)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", slog.String("code", string(ucErr.Code)), slog.String("reason", ucErr.Reason), slog.Any("error", ucErr.Err))
	} else {
		log.Info("request rejected", slog.String("code", string(ucErr.Code)), slog.String("reason", ucErr.Reason))
	}
	return errorReply(corrID, status, ucErr.Code, ucErr.Reason)
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorRateLimited:
		return http.StatusTooManyRequests
	case usecase.ErrorUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorReply(corrID string, status int, code usecase.ErrorCode, reason string) events.APIGatewayProxyResponse {
	return jsonReply(corrID, status, errorResponse{Error: string(code), Reason: reason})
}

func jsonReply(corrID string, status int, v any) events.APIGatewayProxyResponse {
	body, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		body = []byte(`{"error":"INTERNAL_ERROR"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":    "application/json",
			correlationHeader: corrID,
		},
		Body: string(body),
	}
}

func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if !req.IsBase64Encoded {
		if strings.TrimSpace(req.Body) == "" {
			return []byte("{}"), nil
		}
		return []byte(req.Body), nil
	}
	b, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return []byte("{}"), nil
	}
	return b, nil
}

// header looks up name case-insensitively.
func header(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return strings.TrimSpace(v)
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func bearerToken(headers map[string]string) string {
	auth := header(headers, "Authorization")
	const prefix = "bearer "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func pathParam(req events.APIGatewayProxyRequest, name, fallback string) string {
	if v := strings.TrimSpace(req.PathParameters[name]); v != "" {
		return v
	}
	return fallback
}
