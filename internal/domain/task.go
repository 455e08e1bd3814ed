package domain

import "time"

// TaskStatus is the lifecycle state of a governed unit of autonomous work.
type TaskStatus string

const (
	TaskOpen          TaskStatus = "open"
	TaskAwaitingReply TaskStatus = "awaiting_reply"
	TaskResolved      TaskStatus = "resolved"
)

// TaskOutcome is recorded when a task resolves.
type TaskOutcome string

const (
	OutcomeEngaged      TaskOutcome = "engaged"
	OutcomeUnresponsive TaskOutcome = "unresponsive"
	OutcomeChurned      TaskOutcome = "churned"
)

// Task is a retention outreach the governor sends and follows up on.
type Task struct {
	ID             string
	AccountID      string
	Status         TaskStatus
	Contact        Contact
	ConversationID string
	Subject        string
	Draft          string
	FollowUps      []string
	Touch          int
	NextActionAt   *time.Time
	Outcome        TaskOutcome
	OutcomeReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Action is one row of the per-account autonomous action ledger.
type Action struct {
	ID        string
	AccountID string
	Kind      string
	TaskID    string
	CreatedAt time.Time
}

// ActionAutonomousSend is the action kind counted by the daily cap.
const ActionAutonomousSend = "autonomous-send"

// AuditAuthor distinguishes machine and human audit entries on a ticket.
type AuditAuthor string

const (
	AuthorAgent AuditAuthor = "agent"
	AuthorHuman AuditAuthor = "human"
)

// AuditEntry is an entry on a ticket's audit trail.
type AuditEntry struct {
	ID        string
	TicketID  string
	AccountID string
	Author    AuditAuthor
	Body      string
	CreatedAt time.Time
}

// DeliveryStatus tracks one outbound delivery attempt keyed by command id.
type DeliveryStatus string

const (
	DeliverySending DeliveryStatus = "sending"
	DeliverySent    DeliveryStatus = "sent"
)

// Delivery is the audit row written before an email leaves, so a crash
// mid-send is visible on reconciliation.
type Delivery struct {
	CommandID  string
	Status     DeliveryStatus
	ProviderID string
	CreatedAt  time.Time
}
