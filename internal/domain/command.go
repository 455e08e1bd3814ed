package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CommandKind is the closed set of side-effecting actions the bus can execute.
type CommandKind string

const (
	CommandSendEmail         CommandKind = "send-email"
	CommandTicketRemediation CommandKind = "ticket-remediation"
)

// CommandKinds lists every known kind.
func CommandKinds() []CommandKind {
	return []CommandKind{CommandSendEmail, CommandTicketRemediation}
}

// ParseCommandKind validates a raw kind string.
func ParseCommandKind(raw string) (CommandKind, error) {
	k := CommandKind(strings.TrimSpace(strings.ToLower(raw)))
	for _, known := range CommandKinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("domain: unknown command kind %q", raw)
}

// CommandStatus is the lifecycle state of a queued command.
type CommandStatus string

const (
	CommandPending    CommandStatus = "pending"
	CommandClaimed    CommandStatus = "claimed"
	CommandCompleted  CommandStatus = "completed"
	CommandFailed     CommandStatus = "failed"
	CommandDeadLetter CommandStatus = "dead_letter"
)

// Command is a durable, idempotent description of one side effect. ID is
// assigned by the producer and doubles as the idempotency key.
type Command struct {
	ID          string
	Kind        CommandKind
	AccountID   string
	Payload     json.RawMessage
	Status      CommandStatus
	Attempts    int
	ClaimToken  string
	LastError   string
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
}

// SendEmailPayload is the payload of a send-email command.
type SendEmailPayload struct {
	AccountID      string `json:"account_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	TaskID         string `json:"task_id,omitempty"`
	Touch          int    `json:"touch,omitempty"`
	From           string `json:"from,omitempty"`
	To             string `json:"to"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	Sender         string `json:"sender,omitempty"`
}

// TicketRemediationPayload is the payload of a ticket-remediation command.
type TicketRemediationPayload struct {
	AccountID string `json:"account_id"`
	TicketID  string `json:"ticket_id"`
	Attempt   int    `json:"attempt"`
	Reason    string `json:"reason,omitempty"`
}
