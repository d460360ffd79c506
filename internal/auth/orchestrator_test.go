package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreauth/authcore/internal/audit"
	"github.com/coreauth/authcore/internal/clock"
	"github.com/coreauth/authcore/internal/kv"
	"github.com/coreauth/authcore/internal/permcache"
	"github.com/coreauth/authcore/internal/permission"
	"github.com/coreauth/authcore/internal/relational"
	"github.com/coreauth/authcore/internal/revocation"
	"github.com/coreauth/authcore/internal/session"
)

type fakeRoleRepo struct{}

func (fakeRoleRepo) GetRole(_ context.Context, roleID string) (permission.RoleDef, bool, error) {
	switch roleID {
	case "admin":
		return permission.RoleDef{ID: "admin", Permissions: []permission.Permission{{Resource: "*", Action: "*"}}}, true, nil
	case "user":
		return permission.RoleDef{ID: "user", Permissions: []permission.Permission{{Resource: "profile", Action: "read"}}}, true, nil
	default:
		return permission.RoleDef{}, false, nil
	}
}

func newTestOrchestrator(t *testing.T) (*Service, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	kvStore := kv.NewMemoryStore()
	relStore := relational.NewMemoryStore()

	rev := revocation.New(kvStore, "jwt:blacklist", revocation.Config{}, fc, nil, nil)
	users := NewUserRepository(relStore)
	cache := permcache.New(kvStore, permcache.Config{})
	engine := permission.New(fakeRoleRepo{}, cache, permission.Config{})
	sessions := session.New(kvStore, relStore, session.Config{}, fc, nil)
	signer := NewJWTProvider("test-secret", "authcore-test", "")

	var svc *Service
	lookup := func(ctx context.Context, id uuid.UUID) (UserSnapshot, error) {
		return svc.UserLookup(ctx, id)
	}
	tokens := NewTokenService(signer, kvStore, rev, lookup, TokenServiceConfig{}, fc, nil)
	svc = NewService(users, NewBcryptHasher(), tokens, sessions, rev, engine, audit.NopLogger{}, fc)
	return svc, fc
}

func seedUser(t *testing.T, svc *Service, email, password string) User {
	t.Helper()
	u, err := svc.Register(context.Background(), email, password)
	require.NoError(t, err)
	return u
}

func TestRegister_DoesNotIssueTokens(t *testing.T) {
	svc, _ := newTestOrchestrator(t)
	u, err := svc.Register(context.Background(), "Alice@Example.com ", "supersecret1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", u.Email)
	assert.NotEmpty(t, u.PasswordHash)
}

func TestRegister_RejectsDuplicateEmail(t *testing.T) {
	svc, _ := newTestOrchestrator(t)
	seedUser(t, svc, "bob@example.com", "supersecret1")
	_, err := svc.Register(context.Background(), "bob@example.com", "supersecret2")
	require.Error(t, err)
}

func TestLogin_SucceedsAndIssuesTokensAndSession(t *testing.T) {
	svc, _ := newTestOrchestrator(t)
	seedUser(t, svc, "carol@example.com", "supersecret1")

	result, err := svc.Login(context.Background(), "carol@example.com", "supersecret1", Device{UserAgent: "test-agent", IP: "127.0.0.1"})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Access)
	assert.NotEmpty(t, result.Refresh)
	assert.NotEmpty(t, result.SessionID)

	vs, err := svc.ValidateSession(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.True(t, vs.Valid)
	assert.Equal(t, "carol@example.com", vs.User.Email)
}

func TestLogin_WrongPasswordReturnsGenericError(t *testing.T) {
	svc, _ := newTestOrchestrator(t)
	seedUser(t, svc, "dave@example.com", "supersecret1")

	_, err := svc.Login(context.Background(), "dave@example.com", "wrongpassword", Device{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogin_UnknownEmailReturnsSameGenericError(t *testing.T) {
	svc, _ := newTestOrchestrator(t)
	_, err := svc.Login(context.Background(), "nobody@example.com", "supersecret1", Device{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogout_RevokesAccessTokenAndEndsSession(t *testing.T) {
	svc, _ := newTestOrchestrator(t)
	seedUser(t, svc, "erin@example.com", "supersecret1")
	result, err := svc.Login(context.Background(), "erin@example.com", "supersecret1", Device{})
	require.NoError(t, err)

	require.NoError(t, svc.Logout(context.Background(), result.Access, result.SessionID))

	vs, err := svc.ValidateSession(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.False(t, vs.Valid)
}

func TestChangePassword_RevokesAllSessionsAndIssuesNoTokens(t *testing.T) {
	svc, _ := newTestOrchestrator(t)
	u := seedUser(t, svc, "frank@example.com", "supersecret1")
	result, err := svc.Login(context.Background(), "frank@example.com", "supersecret1", Device{})
	require.NoError(t, err)

	require.NoError(t, svc.ChangePassword(context.Background(), u.ID, "supersecret1", "newpassword1"))

	vs, err := svc.ValidateSession(context.Background(), result.SessionID)
	require.NoError(t, err)
	assert.False(t, vs.Valid)

	_, err = svc.Login(context.Background(), "frank@example.com", "supersecret1", Device{})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = svc.Login(context.Background(), "frank@example.com", "newpassword1", Device{})
	require.NoError(t, err)
}

func TestLogin_RevokedRoleReturnsAccessRevokedOrExpired(t *testing.T) {
	svc, fc := newTestOrchestrator(t)
	u := seedUser(t, svc, "henry@example.com", "supersecret1")

	revokedAt := fc.Now().Add(-time.Second)
	require.NoError(t, svc.users.store.UpdateByID(context.Background(), usersTable, "id", u.ID.String(), relational.Row{"role_revoked_at": revokedAt}))

	_, err := svc.Login(context.Background(), "henry@example.com", "supersecret1", Device{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAccessRevokedOrExpired)
}

func TestAssignRole_InvalidatesUserPermissionCache(t *testing.T) {
	svc, _ := newTestOrchestrator(t)
	u := seedUser(t, svc, "iris@example.com", "supersecret1")

	_, userPerms, err := svc.engine.GetUserPermissions(context.Background(), u.ID.String(), "user")
	require.NoError(t, err)
	assert.Equal(t, []permission.Permission{{Resource: "profile", Action: "read"}}, userPerms)

	require.NoError(t, svc.AssignRole(context.Background(), u.ID, "admin", "admin-actor"))

	_, adminPerms, err := svc.engine.GetUserPermissions(context.Background(), u.ID.String(), "admin")
	require.NoError(t, err)
	assert.Equal(t, []permission.Permission{{Resource: "*", Action: "*"}}, adminPerms, "stale cached entry for the old role must not be served after AssignRole invalidates it")
}

func TestLogoutAll_EndsEverySession(t *testing.T) {
	svc, _ := newTestOrchestrator(t)
	u := seedUser(t, svc, "gina@example.com", "supersecret1")
	r1, err := svc.Login(context.Background(), "gina@example.com", "supersecret1", Device{})
	require.NoError(t, err)
	r2, err := svc.Login(context.Background(), "gina@example.com", "supersecret1", Device{})
	require.NoError(t, err)

	require.NoError(t, svc.LogoutAll(context.Background(), u.ID))

	for _, sid := range []string{r1.SessionID, r2.SessionID} {
		vs, err := svc.ValidateSession(context.Background(), sid)
		require.NoError(t, err)
		assert.False(t, vs.Valid)
	}
}
