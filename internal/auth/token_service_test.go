package auth

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreauth/authcore/internal/clock"
	"github.com/coreauth/authcore/internal/kv"
	"github.com/coreauth/authcore/internal/revocation"
)

func newTestTokenService(t *testing.T) (*TokenService, *clock.Fake, uuid.UUID) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	store := kv.NewMemoryStore()
	rev := revocation.New(store, "jwt:blacklist", revocation.Config{}, fc, nil, nil)
	userID := uuid.New()
	users := func(ctx context.Context, id uuid.UUID) (UserSnapshot, error) {
		return UserSnapshot{ID: id, Email: "user@example.com", RoleID: "member", Active: true}, nil
	}
	signer := NewJWTProvider("test-secret", "authcore-test", "")
	svc := NewTokenService(signer, store, rev, users, TokenServiceConfig{}, fc, nil)
	return svc, fc, userID
}

func TestGenerate_ThenVerifyIsValid(t *testing.T) {
	svc, _, userID := newTestTokenService(t)
	ctx := context.Background()

	issued, err := svc.Generate(ctx, IssueParams{UserID: userID, Email: "user@example.com", RoleID: "member"})
	require.NoError(t, err)
	require.NotEmpty(t, issued.Access)

	vr, err := svc.Verify(ctx, issued.Access)
	require.NoError(t, err)
	assert.True(t, vr.Valid)
	assert.Equal(t, userID, vr.Payload.UserID)
}

func TestVerify_RejectsTamperedToken(t *testing.T) {
	svc, _, userID := newTestTokenService(t)
	ctx := context.Background()

	issued, err := svc.Generate(ctx, IssueParams{UserID: userID, Email: "user@example.com", RoleID: "member"})
	require.NoError(t, err)

	tampered := issued.Access + "x"
	vr, err := svc.Verify(ctx, tampered)
	require.NoError(t, err)
	assert.False(t, vr.Valid)
}

func TestGenerate_EnforcesConcurrentTokenCap(t *testing.T) {
	svc, _, userID := newTestTokenService(t)
	svc.cfg.ConcurrentTokenCap = 2
	ctx := context.Background()

	_, err := svc.Generate(ctx, IssueParams{UserID: userID, Email: "user@example.com", RoleID: "member"})
	require.NoError(t, err)
	_, err = svc.Generate(ctx, IssueParams{UserID: userID, Email: "user@example.com", RoleID: "member"})
	require.NoError(t, err)

	_, err = svc.Generate(ctx, IssueParams{UserID: userID, Email: "user@example.com", RoleID: "member"})
	require.Error(t, err)
}

func TestRotate_IssuesNewAccessAndRefresh(t *testing.T) {
	svc, _, userID := newTestTokenService(t)
	ctx := context.Background()

	issued, err := svc.Generate(ctx, IssueParams{UserID: userID, Email: "user@example.com", RoleID: "member"})
	require.NoError(t, err)

	result, err := svc.Rotate(ctx, issued.Refresh)
	require.NoError(t, err)
	assert.NotEmpty(t, result.NewAccess)
	assert.NotEmpty(t, result.NewRefresh)
	assert.True(t, result.FamilyRotated)
}

func TestRotate_ReuseOfRevokedRefreshIsDetected(t *testing.T) {
	svc, fc, userID := newTestTokenService(t)
	ctx := context.Background()

	issued, err := svc.Generate(ctx, IssueParams{UserID: userID, Email: "user@example.com", RoleID: "member"})
	require.NoError(t, err)

	_, err = svc.Rotate(ctx, issued.Refresh)
	require.NoError(t, err)

	fc.Advance(time.Minute) // past the 30s reuse grace period

	_, err = svc.Rotate(ctx, issued.Refresh)
	require.Error(t, err)
}

func TestRotate_RateLimitExceeded(t *testing.T) {
	svc, _, userID := newTestTokenService(t)
	svc.cfg.RotationRateCap = 1
	ctx := context.Background()

	issued, err := svc.Generate(ctx, IssueParams{UserID: userID, Email: "user@example.com", RoleID: "member"})
	require.NoError(t, err)

	_, err = svc.Rotate(ctx, issued.Refresh)
	require.NoError(t, err)

	issued2, err := svc.Generate(ctx, IssueParams{UserID: userID, Email: "user@example.com", RoleID: "member"})
	require.NoError(t, err)
	_, err = svc.Rotate(ctx, issued2.Refresh)
	require.Error(t, err)
}
