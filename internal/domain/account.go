package domain

// Account is the tenant that owns conversations, tasks and commands.
type Account struct {
	ID        string
	Name      string
	Timezone  string
	FromEmail string
}
