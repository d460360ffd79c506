package permission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreauth/authcore/internal/kv"
	"github.com/coreauth/authcore/internal/permcache"
)

type fakeRoleRepo struct {
	roles map[string]RoleDef
}

func (f *fakeRoleRepo) GetRole(_ context.Context, roleID string) (RoleDef, bool, error) {
	r, ok := f.roles[roleID]
	return r, ok, nil
}

func newTestEngine() (*Engine, *fakeRoleRepo) {
	repo := &fakeRoleRepo{roles: map[string]RoleDef{
		"viewer": {ID: "viewer", Permissions: []Permission{{Resource: "doc", Action: "read"}}},
		"editor": {ID: "editor", Parents: []string{"viewer"}, Permissions: []Permission{{Resource: "doc", Action: "write"}}},
		"admin":  {ID: "admin", Parents: []string{"editor"}, Permissions: []Permission{{Resource: "*", Action: "*"}}},
		"cyclic-a": {ID: "cyclic-a", Parents: []string{"cyclic-b"}},
		"cyclic-b": {ID: "cyclic-b", Parents: []string{"cyclic-a"}},
	}}
	cache := permcache.New(kv.NewMemoryStore(), permcache.Config{})
	return New(repo, cache, Config{}), repo
}

func TestExpandRole_InheritsParentPermissions(t *testing.T) {
	e, _ := newTestEngine()
	chain, perms, err := e.ExpandRole(context.Background(), "editor")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"editor", "viewer"}, chain)

	var resources []string
	for _, p := range perms {
		resources = append(resources, p.Resource+":"+p.Action)
	}
	assert.ElementsMatch(t, []string{"doc:write", "doc:read"}, resources)
}

func TestExpandRole_MultiLevelHierarchy(t *testing.T) {
	e, _ := newTestEngine()
	chain, _, err := e.ExpandRole(context.Background(), "admin")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"admin", "editor", "viewer"}, chain)
}

func TestExpandRole_CycleTerminatesAtRevisitPoint(t *testing.T) {
	e, _ := newTestEngine()
	chain, _, err := e.ExpandRole(context.Background(), "cyclic-a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"cyclic-a", "cyclic-b"}, chain)
}

func TestCan_WildcardResourceAndAction(t *testing.T) {
	e, _ := newTestEngine()
	_, perms, err := e.ExpandRole(context.Background(), "admin")
	require.NoError(t, err)

	allowed, err := e.Can(context.Background(), perms, "report", "delete", nil)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCan_PrefixWildcardResource(t *testing.T) {
	e, _ := newTestEngine()
	perms := []Permission{{Resource: "doc:*", Action: "read"}}
	allowed, err := e.Can(context.Background(), perms, "doc:123", "read", nil)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestCan_NoMatchDenies(t *testing.T) {
	e, _ := newTestEngine()
	_, perms, err := e.ExpandRole(context.Background(), "viewer")
	require.NoError(t, err)

	allowed, err := e.Can(context.Background(), perms, "doc", "write", nil)
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestCan_ConditionMustPass(t *testing.T) {
	e, _ := newTestEngine()
	perms := []Permission{{
		Resource: "doc", Action: "write",
		Conditions: []Condition{{Field: "owner_id", Operator: "eq", Value: "user-1"}},
	}}

	allowed, err := e.Can(context.Background(), perms, "doc", "write", map[string]any{"owner_id": "user-1"})
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, err = e.Can(context.Background(), perms, "doc", "write", map[string]any{"owner_id": "user-2"})
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestCan_MultipleConditionsAreAnded(t *testing.T) {
	e, _ := newTestEngine()
	perms := []Permission{{
		Resource: "doc", Action: "write",
		Conditions: []Condition{
			{Field: "owner_id", Operator: "eq", Value: "user-1"},
			{Field: "status", Operator: "eq", Value: "draft"},
		},
	}}

	allowed, err := e.Can(context.Background(), perms, "doc", "write", map[string]any{"owner_id": "user-1", "status": "published"})
	require.NoError(t, err)
	assert.False(t, allowed)
}

func TestCan_MultiplePermissionsAreOred(t *testing.T) {
	e, _ := newTestEngine()
	perms := []Permission{
		{Resource: "doc", Action: "write", Conditions: []Condition{{Field: "owner_id", Operator: "eq", Value: "user-1"}}},
		{Resource: "doc", Action: "write", Conditions: []Condition{{Field: "role", Operator: "eq", Value: "admin"}}},
	}

	allowed, err := e.Can(context.Background(), perms, "doc", "write", map[string]any{"owner_id": "someone-else", "role": "admin"})
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestConditionOperators(t *testing.T) {
	ev := newConditionEvaluator()

	pass, err := ev.evaluateAll([]Condition{{Field: "age", Operator: "gte", Value: float64(18)}}, map[string]any{"age": float64(21)})
	require.NoError(t, err)
	assert.True(t, pass)

	pass, err = ev.evaluateAll([]Condition{{Field: "age", Operator: "gt", Value: "not-a-number"}}, map[string]any{"age": float64(21)})
	require.NoError(t, err)
	assert.False(t, pass, "type mismatch must evaluate to false, not error")

	pass, err = ev.evaluateAll([]Condition{{Field: "email", Operator: "matches", Value: `^[^@]+@example\.com$`}}, map[string]any{"email": "a@example.com"})
	require.NoError(t, err)
	assert.True(t, pass)

	pass, err = ev.evaluateAll([]Condition{{Field: "role", Operator: "in", Value: []any{"admin", "editor"}}}, map[string]any{"role": "editor"})
	require.NoError(t, err)
	assert.True(t, pass)

	pass, err = ev.evaluateAll([]Condition{{Field: "role", Operator: "ne", Value: "admin"}}, map[string]any{"role": "editor"})
	require.NoError(t, err)
	assert.True(t, pass)

	pass, err = ev.evaluateAll([]Condition{{Field: "role", Operator: "nin", Value: []any{"admin", "editor"}}}, map[string]any{"role": "viewer"})
	require.NoError(t, err)
	assert.True(t, pass)

	pass, err = ev.evaluateAll([]Condition{{Field: "path", Operator: "starts_with", Value: "/api/"}}, map[string]any{"path": "/api/v1/users"})
	require.NoError(t, err)
	assert.True(t, pass)

	pass, err = ev.evaluateAll([]Condition{{Field: "email", Operator: "ends_with", Value: "@example.com"}}, map[string]any{"email": "a@example.com"})
	require.NoError(t, err)
	assert.True(t, pass)
}
