package domain

import "time"

// ConversationStatus is the lifecycle state of a conversation thread.
type ConversationStatus string

const (
	ConversationOpen      ConversationStatus = "open"
	ConversationEscalated ConversationStatus = "escalated"
	ConversationResolved  ConversationStatus = "resolved"
)

// Direction of a message relative to the account.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Contact identifies the external party on a conversation.
type Contact struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// ConversationKey is the tuple that owns at most one active conversation.
type ConversationKey struct {
	AccountID string
	ContactID string
	Channel   string
}

// Conversation is one thread with one contact on one channel.
type Conversation struct {
	ID           string
	AccountID    string
	Contact      Contact
	Channel      string
	Status       ConversationStatus
	AssignedRole string
	PreviousRole string
	SessionIDs   []string
	Subject      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Key returns the routing key of the conversation.
func (c Conversation) Key() ConversationKey {
	return ConversationKey{AccountID: c.AccountID, ContactID: c.Contact.ID, Channel: c.Channel}
}

// Message is a single immutable entry in a conversation thread.
type Message struct {
	ID             string
	ConversationID string
	Direction      Direction
	Channel        string
	Content        string
	Sender         string
	ExternalID     string
	Metadata       map[string]string
	CreatedAt      time.Time
}

// ChatMessage is the provider-agnostic chat message shape used by the agent
// runner and LLM integrations.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
