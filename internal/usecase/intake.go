package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"retention-agent/internal/conversation"
	"retention-agent/internal/domain"
)

type AccountReader interface {
	GetAccount(ctx context.Context, accountID string) (domain.Account, error)
}

type InboundRouter interface {
	RouteInbound(ctx context.Context, in conversation.InboundMessage) (conversation.RouteResult, error)
}

type ReplyHandler interface {
	HandleReply(ctx context.Context, accountID, contactID string) (int, error)
}

type IntakeInput struct {
	AccountID    string
	Channel      string
	Content      string
	ContactID    string
	ContactName  string
	ContactEmail string
	ContactPhone string
	ExternalID   string
	Subject      string
	Metadata     map[string]string
}

type IntakeOutput struct {
	ConversationID string
	MessageID      string
	IsNew          bool
	AssignedRole   string
	TasksResolved  int
}

// IntakeService accepts inbound contact messages from the webhook.
type IntakeService struct {
	accounts AccountReader
	router   InboundRouter
	replies  ReplyHandler
	log      *slog.Logger
}

func NewIntakeService(accounts AccountReader, router InboundRouter, replies ReplyHandler, log *slog.Logger) (*IntakeService, error) {
	if accounts == nil {
		return nil, errors.New("usecase: account reader must not be nil")
	}
	if router == nil {
		return nil, errors.New("usecase: router must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &IntakeService{
		accounts: accounts,
		router:   router,
		replies:  replies,
		log:      log.With(slog.String("component", "intake")),
	}, nil
}

func (s *IntakeService) Receive(ctx context.Context, in IntakeInput) (IntakeOutput, error) {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"account_id", in.AccountID},
		{"channel", in.Channel},
		{"content", in.Content},
		{"contact_id", in.ContactID},
	} {
		if strings.TrimSpace(f.value) == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return IntakeOutput{}, newError(ErrorInvalidInput, "missing_fields",
			fmt.Errorf("missing %s", strings.Join(missing, ", ")))
	}

	acct, err := s.accounts.GetAccount(ctx, in.AccountID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return IntakeOutput{}, newError(ErrorNotFound, "account_not_found", err)
		}
		return IntakeOutput{}, newError(ErrorInternal, "dynamodb_account_error", err)
	}

	res, err := s.router.RouteInbound(ctx, conversation.InboundMessage{
		AccountID: acct.ID,
		Channel:   in.Channel,
		Content:   in.Content,
		Contact: domain.Contact{
			ID:    in.ContactID,
			Name:  in.ContactName,
			Email: in.ContactEmail,
			Phone: in.ContactPhone,
		},
		Sender:     in.ContactName,
		ExternalID: in.ExternalID,
		Subject:    in.Subject,
		Metadata:   in.Metadata,
	})
	if err != nil {
		if errors.Is(err, conversation.ErrInvalidMessage) {
			return IntakeOutput{}, newError(ErrorInvalidInput, "invalid_message", err)
		}
		return IntakeOutput{}, newError(ErrorInternal, "dynamodb_route_error", err)
	}

	out := IntakeOutput{
		ConversationID: res.Conversation.ID,
		MessageID:      res.Message.ID,
		IsNew:          res.IsNew,
		AssignedRole:   res.AssignedRole,
	}
	if s.replies != nil {
		n, err := s.replies.HandleReply(ctx, acct.ID, in.ContactID)
		if err != nil {
			s.log.Warn("reply handling failed",
				slog.String("account_id", acct.ID),
				slog.String("contact_id", in.ContactID),
				slog.Any("error", err))
		}
		out.TasksResolved = n
	}
	return out, nil
}
