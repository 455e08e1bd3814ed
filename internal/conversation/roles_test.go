package conversation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"retention-agent/internal/domain"
	"retention-agent/internal/integrations/paramstore"
)

func TestRoleCache_LoadsOnce(t *testing.T) {
	calls := 0
	cache := NewRoleCache(RoleLoaderFunc(func(_ context.Context, id string) (domain.Role, error) {
		calls++
		return domain.Role{ID: id, Label: "Custom " + id}, nil
	}))

	for i := 0; i < 3; i++ {
		r, err := cache.Get(context.Background(), "gm")
		require.NoError(t, err)
		require.Equal(t, "Custom gm", r.Label)
	}
	require.Equal(t, 1, calls)

	cache.Invalidate("gm")
	_, err := cache.Get(context.Background(), "gm")
	require.NoError(t, err)
	require.Equal(t, 2, calls)
}

func TestRoleCache_ErrorsNotCached(t *testing.T) {
	fail := true
	cache := NewRoleCache(RoleLoaderFunc(func(_ context.Context, id string) (domain.Role, error) {
		if fail {
			return domain.Role{}, errors.New("ssm throttled")
		}
		return domain.Role{ID: id}, nil
	}))
	_, err := cache.Get(context.Background(), "gm")
	require.Error(t, err)
	fail = false
	_, err = cache.Get(context.Background(), "gm")
	require.NoError(t, err)
}

func TestRoleCache_EmptyID(t *testing.T) {
	_, err := NewRoleCache(nil).Get(context.Background(), " ")
	require.ErrorIs(t, err, ErrUnknownRole)
}

func TestBuiltinRoles_Unknown(t *testing.T) {
	_, err := BuiltinRoles().LoadRole(context.Background(), "janitor")
	require.ErrorIs(t, err, ErrUnknownRole)
}

type mapGetter map[string]string

func (m mapGetter) GetParameter(_ context.Context, name string) (string, error) {
	v, ok := m[name]
	if !ok {
		return "", paramstore.ErrNotFound
	}
	return v, nil
}

func TestParamStoreRoles(t *testing.T) {
	getter := mapGetter{
		"/retention/roles/gm":    `{"label":"Studio Owner","instructions":"Be generous.","max_turns":8}`,
		"/retention/roles/broken": `{"label":`,
	}
	loader, err := NewParamStoreRoles(getter, "/retention/", nil)
	require.NoError(t, err)

	gm, err := loader.LoadRole(context.Background(), "gm")
	require.NoError(t, err)
	require.Equal(t, "gm", gm.ID)
	require.Equal(t, "Studio Owner", gm.Label)
	require.Equal(t, 8, gm.MaxTurns)

	fd, err := loader.LoadRole(context.Background(), domain.RoleFrontDesk)
	require.NoError(t, err)
	require.Equal(t, "Front Desk", fd.Label)

	_, err = loader.LoadRole(context.Background(), "broken")
	require.ErrorContains(t, err, "decode")

	_, err = loader.LoadRole(context.Background(), "janitor")
	require.ErrorIs(t, err, ErrUnknownRole)
}
