package conversation

import (
	"fmt"
	"strings"

	"retention-agent/internal/domain"
)

const (
	briefMessageLimit = 50
	briefContentLimit = 500
)

// Brief is the context handed to the role taking over a conversation.
type Brief struct {
	PreviousRole string
	TargetRole   string
	Reason       string
	Context      string
	Contact      domain.Contact
	Transcript   []domain.Message
}

// truncate caps s at limit runes, the trailing ellipsis included.
func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	if limit <= 1 {
		return string(r[:limit])
	}
	return string(r[:limit-1]) + "…"
}

// String renders the brief as the session goal.
func (b Brief) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Handoff from %s to %s.\n", b.PreviousRole, b.TargetRole)
	fmt.Fprintf(&sb, "Reason: %s\n", b.Reason)
	if strings.TrimSpace(b.Context) != "" {
		fmt.Fprintf(&sb, "Context: %s\n", b.Context)
	}
	fmt.Fprintf(&sb, "Contact: id=%s", b.Contact.ID)
	if b.Contact.Name != "" {
		fmt.Fprintf(&sb, " name=%s", b.Contact.Name)
	}
	if b.Contact.Email != "" {
		fmt.Fprintf(&sb, " email=%s", b.Contact.Email)
	}
	if b.Contact.Phone != "" {
		fmt.Fprintf(&sb, " phone=%s", b.Contact.Phone)
	}
	sb.WriteString("\n")

	msgs := b.Transcript
	if len(msgs) > briefMessageLimit {
		msgs = msgs[len(msgs)-briefMessageLimit:]
	}
	if len(msgs) == 0 {
		sb.WriteString("Transcript: (empty)\n")
		return sb.String()
	}
	sb.WriteString("Transcript:\n")
	for _, m := range msgs {
		who := m.Sender
		if who == "" {
			who = string(m.Direction)
		}
		fmt.Fprintf(&sb, "[%s] %s: %s\n", m.CreatedAt.UTC().Format("2006-01-02 15:04"), who, truncate(m.Content, briefContentLimit))
	}
	return sb.String()
}
