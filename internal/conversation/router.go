// Package conversation routes inbound traffic into threads and moves thread
// ownership between roles.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"retention-agent/internal/domain"
)

// ErrInvalidMessage is returned for inbound messages missing a required field.
var ErrInvalidMessage = errors.New("conversation: invalid message")

// Store is the conversation persistence the router needs.
type Store interface {
	FindActiveConversation(ctx context.Context, key domain.ConversationKey) (domain.Conversation, error)
	GetConversation(ctx context.Context, conversationID string) (domain.Conversation, error)
	CreateConversation(ctx context.Context, conv domain.Conversation) error
	AppendMessage(ctx context.Context, msg domain.Message) error
}

// InboundMessage is one message arriving from a contact.
type InboundMessage struct {
	AccountID  string
	Channel    string
	Content    string
	Contact    domain.Contact
	Sender     string
	ExternalID string
	Subject    string
	Metadata   map[string]string
}

// RouteResult reports where an inbound message landed.
type RouteResult struct {
	Conversation domain.Conversation
	Message      domain.Message
	IsNew        bool
	AssignedRole string
}

// Router maps inbound messages to conversations. It never starts agent
// sessions; callers decide what to do with the routed thread.
type Router struct {
	store       Store
	defaultRole string
	log         *slog.Logger
	now         func() time.Time
	newID       func() string
}

// NewRouter returns a Router assigning new conversations to the front desk.
func NewRouter(store Store, log *slog.Logger) (*Router, error) {
	if store == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		store:       store,
		defaultRole: domain.RoleFrontDesk,
		log:         log.With(slog.String("component", "router")),
		now:         time.Now,
		newID:       uuid.NewString,
	}, nil
}

func validateInbound(in InboundMessage) error {
	var missing []string
	if strings.TrimSpace(in.AccountID) == "" {
		missing = append(missing, "account_id")
	}
	if strings.TrimSpace(in.Channel) == "" {
		missing = append(missing, "channel")
	}
	if strings.TrimSpace(in.Content) == "" {
		missing = append(missing, "content")
	}
	if strings.TrimSpace(in.Contact.ID) == "" {
		missing = append(missing, "contact_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidMessage, strings.Join(missing, ", "))
	}
	return nil
}

// RouteInbound appends in to the active conversation for its (account,
// contact, channel), creating the conversation when none is active.
func (r *Router) RouteInbound(ctx context.Context, in InboundMessage) (RouteResult, error) {
	if err := validateInbound(in); err != nil {
		return RouteResult{}, err
	}
	key := domain.ConversationKey{AccountID: in.AccountID, ContactID: in.Contact.ID, Channel: in.Channel}
	conv, isNew, err := r.EnsureConversation(ctx, key, in.Contact, in.Subject)
	if err != nil {
		return RouteResult{}, err
	}
	msg, err := r.appendInbound(ctx, conv, in)
	if err != nil {
		return RouteResult{}, err
	}
	r.log.Info("inbound routed",
		slog.String("conversation_id", conv.ID),
		slog.String("account_id", conv.AccountID),
		slog.String("channel", conv.Channel),
		slog.Bool("is_new", isNew))
	return RouteResult{Conversation: conv, Message: msg, IsNew: isNew, AssignedRole: conv.AssignedRole}, nil
}

// RouteToConversation appends in to a known conversation. An unknown id
// yields domain.ErrNotFound.
func (r *Router) RouteToConversation(ctx context.Context, conversationID string, in InboundMessage) (RouteResult, error) {
	if strings.TrimSpace(in.Content) == "" {
		return RouteResult{}, fmt.Errorf("%w: missing content", ErrInvalidMessage)
	}
	conv, err := r.store.GetConversation(ctx, conversationID)
	if err != nil {
		return RouteResult{}, fmt.Errorf("conversation: RouteToConversation: %w", err)
	}
	msg, err := r.appendInbound(ctx, conv, in)
	if err != nil {
		return RouteResult{}, err
	}
	return RouteResult{Conversation: conv, Message: msg, AssignedRole: conv.AssignedRole}, nil
}

// EnsureConversation returns the active conversation for key, creating one
// owned by the default role when none exists. A creator that loses the race
// to a concurrent call returns the winner's conversation.
func (r *Router) EnsureConversation(ctx context.Context, key domain.ConversationKey, contact domain.Contact, subject string) (domain.Conversation, bool, error) {
	conv, err := r.store.FindActiveConversation(ctx, key)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Conversation{}, false, fmt.Errorf("conversation: find active: %w", err)
	}

	now := r.now().UTC()
	contact.ID = key.ContactID
	conv = domain.Conversation{
		ID:           r.newID(),
		AccountID:    key.AccountID,
		Contact:      contact,
		Channel:      key.Channel,
		Status:       domain.ConversationOpen,
		AssignedRole: r.defaultRole,
		Subject:      subject,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = r.store.CreateConversation(ctx, conv)
	if err == nil {
		return conv, true, nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return domain.Conversation{}, false, fmt.Errorf("conversation: create: %w", err)
	}

	winner, err := r.store.FindActiveConversation(ctx, key)
	if err != nil {
		return domain.Conversation{}, false, fmt.Errorf("conversation: find after conflict: %w", err)
	}
	return winner, false, nil
}

func (r *Router) appendInbound(ctx context.Context, conv domain.Conversation, in InboundMessage) (domain.Message, error) {
	sender := in.Sender
	if sender == "" {
		sender = conv.Contact.Name
	}
	if sender == "" {
		sender = conv.Contact.ID
	}
	msg := domain.Message{
		ID:             r.newID(),
		ConversationID: conv.ID,
		Direction:      domain.DirectionInbound,
		Channel:        conv.Channel,
		Content:        in.Content,
		Sender:         sender,
		ExternalID:     in.ExternalID,
		Metadata:       in.Metadata,
		CreatedAt:      r.now().UTC(),
	}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return domain.Message{}, fmt.Errorf("conversation: append message: %w", err)
	}
	return msg, nil
}
