package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreauth/authcore/internal/relational"
)

func TestStoreRoleRepository_PutThenGetRoundTrips(t *testing.T) {
	repo := NewStoreRoleRepository(relational.NewMemoryStore())
	ctx := context.Background()

	def := RoleDef{
		ID:      "editor",
		Parents: []string{"user"},
		Permissions: []Permission{
			{Resource: "articles", Action: "update"},
			{Resource: "articles", Action: "publish"},
		},
	}
	require.NoError(t, repo.PutRole(ctx, def))

	got, ok, err := repo.GetRole(ctx, "editor")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, def.Parents, got.Parents)
	assert.ElementsMatch(t, def.Permissions, got.Permissions)
}

func TestStoreRoleRepository_GetRole_UnknownReturnsFalse(t *testing.T) {
	repo := NewStoreRoleRepository(relational.NewMemoryStore())
	_, ok, err := repo.GetRole(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreRoleRepository_PutRole_UpdatesExisting(t *testing.T) {
	repo := NewStoreRoleRepository(relational.NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, repo.PutRole(ctx, RoleDef{ID: "viewer", Permissions: []Permission{{Resource: "articles", Action: "read"}}}))
	require.NoError(t, repo.PutRole(ctx, RoleDef{ID: "viewer", Permissions: []Permission{{Resource: "articles", Action: "read"}, {Resource: "comments", Action: "read"}}}))

	got, ok, err := repo.GetRole(ctx, "viewer")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, got.Permissions, 2)
}
