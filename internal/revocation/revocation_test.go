package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreauth/authcore/internal/clock"
	"github.com/coreauth/authcore/internal/kv"
)

func newTestIndex(t *testing.T) (*Index, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	idx := New(kv.NewMemoryStore(), "jwt:blacklist", Config{}, fc, nil, nil)
	return idx, fc
}

func TestIsTokenRevoked_UnknownTokenIsNotRevoked(t *testing.T) {
	idx, fc := newTestIndex(t)
	revoked, err := idx.IsTokenRevoked(context.Background(), "jti-1", "user-1", fc.Now())
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeToken_ThenIsTokenRevokedIsTrue(t *testing.T) {
	idx, fc := newTestIndex(t)
	ctx := context.Background()

	err := idx.RevokeToken(ctx, "jti-1", "user-1", fc.Now().Add(time.Hour), ReasonUserLogout, RevokeOpts{})
	require.NoError(t, err)

	revoked, err := idx.IsTokenRevoked(ctx, "jti-1", "user-1", fc.Now())
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRevokeToken_IsIdempotent(t *testing.T) {
	idx, fc := newTestIndex(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := idx.RevokeToken(ctx, "jti-1", "user-1", fc.Now().Add(time.Hour), ReasonUserLogout, RevokeOpts{})
		require.NoError(t, err)
	}

	revoked, err := idx.IsTokenRevoked(ctx, "jti-1", "user-1", fc.Now())
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestRevokeUser_RevokesTokensIssuedBeforeCutoff(t *testing.T) {
	idx, fc := newTestIndex(t)
	ctx := context.Background()

	issuedAt := fc.Now()
	fc.Advance(time.Minute)

	err := idx.RevokeUser(ctx, "user-1", ReasonPasswordChanged, RevokeOpts{})
	require.NoError(t, err)

	revoked, err := idx.IsTokenRevoked(ctx, "jti-old", "user-1", issuedAt)
	require.NoError(t, err)
	assert.True(t, revoked, "token issued before the user cutoff must be revoked")
}

func TestRevokeUser_DoesNotRevokeTokensIssuedAfterCutoff(t *testing.T) {
	idx, fc := newTestIndex(t)
	ctx := context.Background()

	err := idx.RevokeUser(ctx, "user-1", ReasonPasswordChanged, RevokeOpts{})
	require.NoError(t, err)

	fc.Advance(time.Minute)
	freshIat := fc.Now()

	revoked, err := idx.IsTokenRevoked(ctx, "jti-new", "user-1", freshIat)
	require.NoError(t, err)
	assert.False(t, revoked, "token issued after the user cutoff must not be revoked")
}

func TestIsTokenRevoked_FailsOpenWhenBreakerTrips(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	failing := &failingStore{}
	idx := New(failing, "jwt:blacklist", Config{BreakerThreshold: 1}, fc, nil, nil)
	ctx := context.Background()

	revoked, err := idx.IsTokenRevoked(ctx, "jti-1", "user-1", fc.Now())
	require.NoError(t, err)
	assert.False(t, revoked, "default policy is fail-open")
}

func TestIsTokenRevoked_FailsClosedWhenConfigured(t *testing.T) {
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	failing := &failingStore{}
	idx := New(failing, "jwt:blacklist", Config{BreakerThreshold: 1, FailClosed: true}, fc, nil, nil)
	ctx := context.Background()

	revoked, err := idx.IsTokenRevoked(ctx, "jti-1", "user-1", fc.Now())
	assert.Error(t, err)
	assert.True(t, revoked, "fail-closed must treat an unavailable store as revoked")
}

// failingStore is a kv.Store whose every call returns an error, used
// to drive the circuit breaker open deterministically.
type failingStore struct{ kv.Store }

func (f *failingStore) Get(ctx context.Context, key string) (string, bool, error) {
	return "", false, assertErr
}

var assertErr = errString("forced failure")

type errString string

func (e errString) Error() string { return string(e) }
