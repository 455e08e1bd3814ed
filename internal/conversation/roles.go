package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"retention-agent/internal/domain"
	"retention-agent/internal/integrations/paramstore"
)

// ErrUnknownRole is returned for a role id no loader knows about.
var ErrUnknownRole = errors.New("conversation: unknown role")

// Session bounds applied when a role does not set its own.
const (
	DefaultMaxTurns     = 15
	DefaultMaxCostCents = 75
)

// DefaultTools is the tool set granted to a session unless the role overrides it.
func DefaultTools() []string {
	return []string{"lookup_member", "send_reply", "create_task"}
}

// RoleLoader resolves a role definition by id.
type RoleLoader interface {
	LoadRole(ctx context.Context, roleID string) (domain.Role, error)
}

// RoleLoaderFunc adapts a function to RoleLoader.
type RoleLoaderFunc func(ctx context.Context, roleID string) (domain.Role, error)

func (f RoleLoaderFunc) LoadRole(ctx context.Context, roleID string) (domain.Role, error) {
	return f(ctx, roleID)
}

// StaticRoles is a RoleLoader over a fixed set of definitions.
type StaticRoles map[string]domain.Role

func (s StaticRoles) LoadRole(_ context.Context, roleID string) (domain.Role, error) {
	r, ok := s[roleID]
	if !ok {
		return domain.Role{}, fmt.Errorf("%w: %q", ErrUnknownRole, roleID)
	}
	return r, nil
}

// BuiltinRoles are the definitions used when nothing is configured.
func BuiltinRoles() StaticRoles {
	return StaticRoles{
		domain.RoleFrontDesk: {
			ID:           domain.RoleFrontDesk,
			Label:        "Front Desk",
			Instructions: "Answer member questions, book visits and route anything about billing or cancellation upward.",
		},
		domain.RoleManager: {
			ID:           domain.RoleManager,
			Label:        "General Manager",
			Instructions: "Own escalations. You may offer freezes, downgrades or a one-time credit to retain a member.",
		},
		domain.RoleSpecialist: {
			ID:           domain.RoleSpecialist,
			Label:        "Retention Specialist",
			Instructions: "Work at-risk members through a structured save conversation and log the outcome.",
			MaxTurns:     20,
		},
	}
}

// ParamStoreRoles reads role JSON from <prefix>/roles/<roleId>, falling back
// when the parameter does not exist.
type ParamStoreRoles struct {
	getter   paramstore.Getter
	prefix   string
	fallback RoleLoader
}

func NewParamStoreRoles(getter paramstore.Getter, prefix string, fallback RoleLoader) (*ParamStoreRoles, error) {
	if getter == nil {
		return nil, errors.New("conversation: paramstore getter must not be nil")
	}
	if fallback == nil {
		fallback = BuiltinRoles()
	}
	return &ParamStoreRoles{
		getter:   getter,
		prefix:   strings.TrimRight(strings.TrimSpace(prefix), "/"),
		fallback: fallback,
	}, nil
}

func (p *ParamStoreRoles) LoadRole(ctx context.Context, roleID string) (domain.Role, error) {
	var role domain.Role
	err := paramstore.GetJSON(ctx, p.getter, p.prefix+"/roles/"+roleID, &role)
	if errors.Is(err, paramstore.ErrNotFound) {
		return p.fallback.LoadRole(ctx, roleID)
	}
	if err != nil {
		return domain.Role{}, fmt.Errorf("conversation: load role %q: %w", roleID, err)
	}
	if role.ID == "" {
		role.ID = roleID
	}
	if role.Label == "" {
		role.Label = roleID
	}
	return role, nil
}

// RoleCache is a read-through cache over a RoleLoader. Successful loads are
// kept until Invalidate; failures are not cached.
type RoleCache struct {
	loader RoleLoader

	mu    sync.RWMutex
	roles map[string]domain.Role
}

func NewRoleCache(loader RoleLoader) *RoleCache {
	if loader == nil {
		loader = BuiltinRoles()
	}
	return &RoleCache{loader: loader, roles: make(map[string]domain.Role)}
}

// Get returns the role definition for roleID.
func (c *RoleCache) Get(ctx context.Context, roleID string) (domain.Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return domain.Role{}, fmt.Errorf("%w: empty id", ErrUnknownRole)
	}
	c.mu.RLock()
	r, ok := c.roles[roleID]
	c.mu.RUnlock()
	if ok {
		return r, nil
	}

	r, err := c.loader.LoadRole(ctx, roleID)
	if err != nil {
		return domain.Role{}, err
	}
	c.mu.Lock()
	c.roles[roleID] = r
	c.mu.Unlock()
	return r, nil
}

// Invalidate drops roleID, or every role when roleID is empty.
func (c *RoleCache) Invalidate(roleID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if roleID == "" {
		c.roles = make(map[string]domain.Role)
		return
	}
	delete(c.roles, roleID)
}
