package domain

// SessionEventType enumerates agent session stream events.
type SessionEventType string

const (
	SessionCreated SessionEventType = "created"
	SessionMessage SessionEventType = "message"
	SessionDone    SessionEventType = "done"
	SessionError   SessionEventType = "error"
)

// SessionEvent is one typed event pushed by an agent session.
type SessionEvent struct {
	Type      SessionEventType `json:"type"`
	SessionID string           `json:"session_id,omitempty"`
	Turn      int              `json:"turn,omitempty"`
	Content   string           `json:"content,omitempty"`
	CostCents int              `json:"cost_cents,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// Terminal reports whether the event ends a stream.
func (e SessionEvent) Terminal() bool {
	return e.Type == SessionDone || e.Type == SessionError
}
