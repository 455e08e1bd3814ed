package usecase

import (
	"context"
	"errors"
	"strings"

	"retention-agent/internal/conversation"
	"retention-agent/internal/domain"
)

type HandoffStarter interface {
	Handoff(ctx context.Context, req conversation.HandoffRequest) *conversation.Stream
}

type HandoffInput struct {
	ConversationID string
	TargetRole     string
	Reason         string
	Context        string
}

type HandoffOutput struct {
	ConversationID string
	TargetRole     string
	SessionID      string
	Status         string
	Events         []domain.SessionEvent
}

// HandoffService runs a handoff to completion for request/response callers.
type HandoffService struct {
	handoffs HandoffStarter
}

func NewHandoffService(h HandoffStarter) (*HandoffService, error) {
	if h == nil {
		return nil, errors.New("usecase: handoff starter must not be nil")
	}
	return &HandoffService{handoffs: h}, nil
}

// Handoff drains the handoff stream. Failures before the session starts map
// to errors; a session that starts and then fails is reported with its
// events and Status "error".
func (s *HandoffService) Handoff(ctx context.Context, in HandoffInput) (HandoffOutput, error) {
	in.ConversationID = strings.TrimSpace(in.ConversationID)
	in.TargetRole = strings.TrimSpace(in.TargetRole)
	in.Reason = strings.TrimSpace(in.Reason)
	switch {
	case in.ConversationID == "":
		return HandoffOutput{}, newError(ErrorInvalidInput, "missing_conversation_id", nil)
	case in.TargetRole == "":
		return HandoffOutput{}, newError(ErrorInvalidInput, "missing_target_role", nil)
	case in.Reason == "":
		return HandoffOutput{}, newError(ErrorInvalidInput, "missing_reason", nil)
	}

	stream := s.handoffs.Handoff(ctx, conversation.HandoffRequest{
		ConversationID: in.ConversationID,
		TargetRole:     in.TargetRole,
		Reason:         in.Reason,
		Context:        strings.TrimSpace(in.Context),
	})
	defer stream.Close()
	events := stream.Drain()

	out := HandoffOutput{
		ConversationID: in.ConversationID,
		TargetRole:     in.TargetRole,
		Status:         string(domain.SessionDone),
		Events:         events,
	}
	for _, e := range events {
		if e.Type == domain.SessionCreated {
			out.SessionID = e.SessionID
		}
	}

	err := stream.Err()
	if err == nil {
		return out, nil
	}
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return HandoffOutput{}, newError(ErrorNotFound, "conversation_not_found", err)
	case errors.Is(err, conversation.ErrUnknownRole):
		return HandoffOutput{}, newError(ErrorInvalidInput, "unknown_role", err)
	case out.SessionID != "":
		out.Status = string(domain.SessionError)
		return out, nil
	}
	if status, ok := upstreamStatusCode(err); ok {
		if status == 429 {
			return HandoffOutput{}, newError(ErrorRateLimited, "agent_rate_limited", err)
		}
		return HandoffOutput{}, newError(ErrorUpstream, "agent_session_error", err)
	}
	return HandoffOutput{}, newError(ErrorInternal, "handoff_error", err)
}
