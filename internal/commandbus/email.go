package commandbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"retention-agent/internal/domain"
	"retention-agent/internal/integrations/mailer"
)

// DeliveryStore records outbound deliveries keyed by command id.
type DeliveryStore interface {
	BeginDelivery(ctx context.Context, commandID string, now time.Time) (domain.Delivery, error)
	CompleteDelivery(ctx context.Context, commandID, providerID string, msg *domain.Message) error
}

// EmailSender is the transactional email provider.
type EmailSender interface {
	Send(ctx context.Context, e mailer.Email, idempotencyKey string) (string, error)
}

// SendEmailExecutor delivers send-email commands. A delivery row is written
// before the provider call and marked sent after it, together with the
// outbound conversation message, so a repeated command never sends twice.
type SendEmailExecutor struct {
	deliveries DeliveryStore
	sender     EmailSender
	log        *slog.Logger
	now        func() time.Time
}

func NewSendEmailExecutor(deliveries DeliveryStore, sender EmailSender, log *slog.Logger) (*SendEmailExecutor, error) {
	if deliveries == nil || sender == nil {
		return nil, errors.New("commandbus: deliveries and sender are required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &SendEmailExecutor{
		deliveries: deliveries,
		sender:     sender,
		log:        log.With(slog.String("component", "send_email")),
		now:        time.Now,
	}, nil
}

func (e *SendEmailExecutor) Kind() domain.CommandKind { return domain.CommandSendEmail }

// OutboundMessageID is the conversation message id written for a command.
func OutboundMessageID(commandID string) string {
	return "out:" + commandID
}

func (e *SendEmailExecutor) Execute(ctx context.Context, cmd domain.Command) error {
	var p domain.SendEmailPayload
	if err := json.Unmarshal(cmd.Payload, &p); err != nil {
		return Permanent(fmt.Errorf("commandbus: send-email payload: %w", err))
	}
	if strings.TrimSpace(p.To) == "" {
		return Permanent(errors.New("commandbus: send-email: recipient is required"))
	}

	d, err := e.deliveries.BeginDelivery(ctx, cmd.ID, e.now())
	if err != nil {
		return fmt.Errorf("commandbus: begin delivery: %w", err)
	}
	if d.Status == domain.DeliverySent {
		e.log.Info("email already delivered", slog.String("command_id", cmd.ID), slog.String("provider_id", d.ProviderID))
		return nil
	}

	providerID, err := e.sender.Send(ctx, mailer.Email{
		From:    p.From,
		To:      p.To,
		Subject: p.Subject,
		Text:    p.Body,
	}, cmd.ID)
	if err != nil {
		return fmt.Errorf("commandbus: send email: %w", err)
	}

	var msg *domain.Message
	if p.ConversationID != "" {
		meta := map[string]string{"command_id": cmd.ID}
		if p.TaskID != "" {
			meta["task_id"] = p.TaskID
			meta["touch"] = strconv.Itoa(p.Touch)
		}
		msg = &domain.Message{
			ID:             OutboundMessageID(cmd.ID),
			ConversationID: p.ConversationID,
			Direction:      domain.DirectionOutbound,
			Channel:        "email",
			Content:        p.Body,
			Sender:         p.Sender,
			ExternalID:     providerID,
			Metadata:       meta,
			CreatedAt:      e.now().UTC(),
		}
	}
	if err := e.deliveries.CompleteDelivery(ctx, cmd.ID, providerID, msg); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			e.log.Info("delivery completed elsewhere", slog.String("command_id", cmd.ID))
			return nil
		}
		return fmt.Errorf("commandbus: complete delivery: %w", err)
	}
	e.log.Info("email sent",
		slog.String("command_id", cmd.ID),
		slog.String("provider_id", providerID),
		slog.String("task_id", p.TaskID))
	return nil
}
