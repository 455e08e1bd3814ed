package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"retention-agent/internal/agent"
	"retention-agent/internal/domain"
)

// HandoffStore is the conversation persistence a handoff needs.
type HandoffStore interface {
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	ReassignRole(ctx context.Context, conversationID, role string, status domain.ConversationStatus) (string, error)
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]domain.Message, error)
	LinkSession(ctx context.Context, conversationID, sessionID string) error
}

// HandoffRequest moves a conversation to TargetRole.
type HandoffRequest struct {
	ConversationID string
	TargetRole     string
	Reason         string
	Context        string
}

// Handoffs reassigns conversation ownership and starts a session for the new
// owner.
type Handoffs struct {
	store  HandoffStore
	roles  *RoleCache
	runner agent.Runner
	log    *slog.Logger
}

func NewHandoffs(store HandoffStore, roles *RoleCache, runner agent.Runner, log *slog.Logger) (*Handoffs, error) {
	if store == nil {
		return nil, errors.New("conversation: handoff store must not be nil")
	}
	if runner == nil {
		return nil, errors.New("conversation: runner must not be nil")
	}
	if roles == nil {
		roles = NewRoleCache(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handoffs{
		store:  store,
		roles:  roles,
		runner: runner,
		log:    log.With(slog.String("component", "handoff")),
	}, nil
}

// Handoff starts the handoff in the background and returns its event stream.
// Failures surface as a terminal error event, with the cause on Stream.Err.
func (h *Handoffs) Handoff(ctx context.Context, req HandoffRequest) *Stream {
	stream, ctx := newStream(ctx)
	go func() {
		defer close(stream.events)
		h.run(ctx, stream, req)
	}()
	return stream
}

// EscalateToManager hands a conversation to the general manager role.
func (h *Handoffs) EscalateToManager(ctx context.Context, conversationID, reason, extra string) *Stream {
	return h.Handoff(ctx, HandoffRequest{
		ConversationID: conversationID,
		TargetRole:     domain.RoleManager,
		Reason:         reason,
		Context:        extra,
	})
}

func (h *Handoffs) run(ctx context.Context, stream *Stream, req HandoffRequest) {
	log := h.log.With(
		slog.String("conversation_id", req.ConversationID),
		slog.String("target_role", req.TargetRole))

	fail := func(err error) {
		stream.fail(err)
		log.Warn("handoff failed", slog.Any("error", err))
		stream.send(ctx, domain.SessionEvent{Type: domain.SessionError, Error: err.Error()})
	}

	if strings.TrimSpace(req.Reason) == "" {
		fail(errors.New("conversation: handoff reason is required"))
		return
	}
	conv, err := h.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		fail(fmt.Errorf("conversation: handoff: %w", err))
		return
	}
	target, err := h.roles.Get(ctx, req.TargetRole)
	if err != nil {
		fail(fmt.Errorf("conversation: handoff target: %w", err))
		return
	}

	prevID, err := h.store.ReassignRole(ctx, conv.ID, target.ID, domain.ConversationEscalated)
	if err != nil {
		fail(fmt.Errorf("conversation: handoff reassign: %w", err))
		return
	}
	if prevID == "" {
		prevID = conv.AssignedRole
	}
	prevLabel := prevID
	if prev, err := h.roles.Get(ctx, prevID); err == nil {
		prevLabel = prev.Label
	}

	transcript, err := h.store.RecentMessages(ctx, conv.ID, briefMessageLimit)
	if err != nil {
		log.Warn("handoff transcript unavailable", slog.Any("error", err))
		transcript = nil
	}

	brief := Brief{
		PreviousRole: prevLabel,
		TargetRole:   target.Label,
		Reason:       req.Reason,
		Context:      req.Context,
		Contact:      conv.Contact,
		Transcript:   transcript,
	}
	sessionReq := agent.SessionRequest{
		ConversationID: conv.ID,
		Role:           target,
		Goal:           brief.String(),
		Tools:          target.Tools,
		MaxTurns:       target.MaxTurns,
		MaxCostCents:   target.MaxCostCents,
	}
	if len(sessionReq.Tools) == 0 {
		sessionReq.Tools = DefaultTools()
	}
	if sessionReq.MaxTurns <= 0 {
		sessionReq.MaxTurns = DefaultMaxTurns
	}
	if sessionReq.MaxCostCents <= 0 {
		sessionReq.MaxCostCents = DefaultMaxCostCents
	}

	log.Info("handoff started", slog.String("previous_role", prevID))

	terminal := false
	runErr := h.runner.Run(ctx, sessionReq, func(e domain.SessionEvent) {
		if terminal {
			return
		}
		if e.Type == domain.SessionCreated && e.SessionID != "" {
			if err := h.store.LinkSession(ctx, conv.ID, e.SessionID); err != nil {
				log.Warn("link session failed", slog.String("session_id", e.SessionID), slog.Any("error", err))
			}
		}
		if e.Type == domain.SessionError {
			stream.fail(errors.New(e.Error))
		}
		if e.Terminal() {
			terminal = true
		}
		stream.send(ctx, e)
	})
	if terminal {
		return
	}
	if runErr != nil {
		fail(fmt.Errorf("conversation: session: %w", runErr))
		return
	}
	stream.send(ctx, domain.SessionEvent{Type: domain.SessionDone})
}
