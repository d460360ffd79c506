package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreauth/authcore/internal/audit"
	"github.com/coreauth/authcore/internal/auth"
	"github.com/coreauth/authcore/internal/authctx"
	"github.com/coreauth/authcore/internal/clock"
	"github.com/coreauth/authcore/internal/kv"
	"github.com/coreauth/authcore/internal/permcache"
	"github.com/coreauth/authcore/internal/permission"
	"github.com/coreauth/authcore/internal/relational"
	"github.com/coreauth/authcore/internal/revocation"
	"github.com/coreauth/authcore/internal/session"
	"github.com/google/uuid"
)

// fakeRoleRepo mirrors internal/auth's orchestrator_test.go fixture:
// an in-memory RoleRepository so the handler tests exercise a real
// C6 orchestrator instead of needing a DB-backed mock, unlike the
// teacher's own handler test which could not construct a working
// service at all.
type fakeRoleRepo struct{}

func (fakeRoleRepo) GetRole(context.Context, string) (permission.RoleDef, bool, error) {
	return permission.RoleDef{ID: "user", Permissions: []permission.Permission{{Resource: "profile", Action: "read"}}}, true, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	kvStore := kv.NewMemoryStore()
	relStore := relational.NewMemoryStore()

	rev := revocation.New(kvStore, "jwt:blacklist", revocation.Config{}, fc, nil, nil)
	users := auth.NewUserRepository(relStore)
	cache := permcache.New(kvStore, permcache.Config{})
	engine := permission.New(fakeRoleRepo{}, cache, permission.Config{})
	sessions := session.New(kvStore, relStore, session.Config{}, fc, nil)
	signer := auth.NewJWTProvider("test-secret", "authcore-test", "")

	var svc *auth.Service
	lookup := func(ctx context.Context, id uuid.UUID) (auth.UserSnapshot, error) {
		return svc.UserLookup(ctx, id)
	}
	tokens := auth.NewTokenService(signer, kvStore, rev, lookup, auth.TokenServiceConfig{}, fc, nil)
	svc = auth.NewService(users, auth.NewBcryptHasher(), tokens, sessions, rev, engine, audit.NopLogger{}, fc)

	builder := authctx.NewBuilder(tokens, engine)
	return NewServer(nil, svc, builder, []string{"http://localhost:3000"})
}

func doJSON(t *testing.T, server *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	server.Router.ServeHTTP(rec, req)
	return rec
}

func TestRegisterHandler_Succeeds(t *testing.T) {
	server := newTestServer(t)
	rec := doJSON(t, server, http.MethodPost, "/api/v1/auth/register", registerRequest{
		Email: "alice@example.com", Password: "supersecret1",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "alice@example.com", body["email"])
}

func TestLoginHandler_SetsCookiesOnSuccess(t *testing.T) {
	server := newTestServer(t)
	doJSON(t, server, http.MethodPost, "/api/v1/auth/register", registerRequest{
		Email: "bob@example.com", Password: "supersecret1",
	})

	rec := doJSON(t, server, http.MethodPost, "/api/v1/auth/login", loginRequest{
		Email: "bob@example.com", Password: "supersecret1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	cookies := rec.Result().Cookies()
	var hasAccess, hasRefresh bool
	for _, c := range cookies {
		if c.Name == "access_token" {
			hasAccess = true
		}
		if c.Name == "refresh_token" {
			hasRefresh = true
		}
	}
	assert.True(t, hasAccess)
	assert.True(t, hasRefresh)
}

func TestLoginHandler_WrongPasswordReturns401(t *testing.T) {
	server := newTestServer(t)
	doJSON(t, server, http.MethodPost, "/api/v1/auth/register", registerRequest{
		Email: "carol@example.com", Password: "supersecret1",
	})

	rec := doJSON(t, server, http.MethodPost, "/api/v1/auth/login", loginRequest{
		Email: "carol@example.com", Password: "wrong-password",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMeHandler_RequiresAuth(t *testing.T) {
	server := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	rec := httptest.NewRecorder()
	server.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMeHandler_SucceedsWithBearerToken(t *testing.T) {
	server := newTestServer(t)
	doJSON(t, server, http.MethodPost, "/api/v1/auth/register", registerRequest{
		Email: "dave@example.com", Password: "supersecret1",
	})
	loginRec := doJSON(t, server, http.MethodPost, "/api/v1/auth/login", loginRequest{
		Email: "dave@example.com", Password: "supersecret1",
	})
	require.Equal(t, http.StatusOK, loginRec.Code)

	var access string
	for _, c := range loginRec.Result().Cookies() {
		if c.Name == "access_token" {
			access = c.Value
		}
	}
	require.NotEmpty(t, access)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer "+access)
	rec := httptest.NewRecorder()
	server.Router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
