package permcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreauth/authcore/internal/kv"
)

func TestGetUser_MissReturnsNotFound(t *testing.T) {
	c := New(kv.NewMemoryStore(), Config{})
	_, ok, err := c.GetUser(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutUser_ThenGetUserHits(t *testing.T) {
	c := New(kv.NewMemoryStore(), Config{})
	ctx := context.Background()

	require.NoError(t, c.PutUser(ctx, "user-1", []string{"doc:read"}, []string{"editor"}))

	e, ok, err := c.GetUser(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"doc:read"}, e.Permissions)
	assert.Equal(t, []string{"editor"}, e.Roles)
}

func TestInvalidateUser_RemovesEntry(t *testing.T) {
	c := New(kv.NewMemoryStore(), Config{})
	ctx := context.Background()

	require.NoError(t, c.PutUser(ctx, "user-1", []string{"doc:read"}, []string{"editor"}))
	require.NoError(t, c.InvalidateUser(ctx, "user-1"))

	_, ok, err := c.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidateRole_PropagatesToUsersWithThatRole(t *testing.T) {
	c := New(kv.NewMemoryStore(), Config{})
	ctx := context.Background()

	require.NoError(t, c.PutUser(ctx, "user-1", []string{"doc:read"}, []string{"editor"}))
	require.NoError(t, c.PutUser(ctx, "user-2", []string{"doc:write"}, []string{"editor", "reviewer"}))
	require.NoError(t, c.PutRole(ctx, "editor", []string{"doc:read"}, nil))

	require.NoError(t, c.InvalidateRole(ctx, "editor"))

	_, ok, err := c.GetRole(ctx, "editor")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.GetUser(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = c.GetUser(ctx, "user-2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutUserBatch_ReportsPerKeyResults(t *testing.T) {
	c := New(kv.NewMemoryStore(), Config{})
	ctx := context.Background()

	batch := map[string]struct {
		Perms []string
		Roles []string
	}{
		"user-1": {Perms: []string{"doc:read"}, Roles: []string{"viewer"}},
		"user-2": {Perms: []string{"doc:write"}, Roles: []string{"editor"}},
	}
	results := c.PutUserBatch(ctx, batch)
	require.Len(t, results, 2)
	assert.NoError(t, results["user-1"])
	assert.NoError(t, results["user-2"])

	e, ok, err := c.GetUser(ctx, "user-2")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"doc:write"}, e.Permissions)
}

func TestInvalidateRoleHierarchy_ClearsAllRoleEntries(t *testing.T) {
	c := New(kv.NewMemoryStore(), Config{})
	ctx := context.Background()

	require.NoError(t, c.PutRole(ctx, "editor", []string{"doc:read"}, nil))
	require.NoError(t, c.PutRole(ctx, "admin", []string{"doc:*"}, nil))

	require.NoError(t, c.InvalidateRoleHierarchy(ctx))

	_, ok, err := c.GetRole(ctx, "editor")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.GetRole(ctx, "admin")
	require.NoError(t, err)
	assert.False(t, ok)
}
