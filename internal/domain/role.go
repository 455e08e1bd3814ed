package domain

// Well-known role identifiers.
const (
	RoleFrontDesk  = "front_desk"
	RoleManager    = "gm"
	RoleSpecialist = "specialist"
)

// Role describes an agent persona that can own a conversation.
type Role struct {
	ID           string   `json:"id"`
	Label        string   `json:"label"`
	Instructions string   `json:"instructions"`
	Tools        []string `json:"tools,omitempty"`
	MaxTurns     int      `json:"max_turns,omitempty"`
	MaxCostCents int      `json:"max_cost_cents,omitempty"`
}
