package revocation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreauth/authcore/internal/clock"
)

func newTestBreaker(t *testing.T) (*breaker, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := newBreaker(2, 10*time.Second, 30*time.Second, fc)
	return b, fc
}

func TestBreaker_OpensAfterThresholdFailures(t *testing.T) {
	b, _ := newTestBreaker(t)
	require.True(t, b.allow())
	b.recordFailure()
	require.True(t, b.allow())
	b.recordFailure()
	assert.False(t, b.allow())
}

func TestBreaker_HalfOpensAfterOpenFor(t *testing.T) {
	b, fc := newTestBreaker(t)
	b.recordFailure()
	b.recordFailure()
	require.False(t, b.allow())

	fc.Advance(10 * time.Second)
	assert.True(t, b.allow(), "first call after openFor must be let through as the half-open trial")
	assert.False(t, b.allow(), "a second call before the trial resolves must still be rejected")
}

func TestBreaker_RecordSuccessClosesFromHalfOpen(t *testing.T) {
	b, fc := newTestBreaker(t)
	b.recordFailure()
	b.recordFailure()
	fc.Advance(10 * time.Second)
	require.True(t, b.allow())

	b.recordSuccess()
	assert.True(t, b.allow())
	assert.False(t, b.isOpen())
}

// TestBreaker_FailedHalfOpenTrialWaitsHalfOpenFor is the fix for a
// breaker that re-opened after a failed half-open retry: it must wait
// halfOpenFor (30s), not openFor (10s), before trying half-open again.
func TestBreaker_FailedHalfOpenTrialWaitsHalfOpenFor(t *testing.T) {
	b, fc := newTestBreaker(t)
	b.recordFailure()
	b.recordFailure()
	fc.Advance(10 * time.Second)
	require.True(t, b.allow())
	b.recordFailure() // half-open trial itself fails

	fc.Advance(10 * time.Second)
	assert.False(t, b.allow(), "openFor alone must not be enough to retry after a failed half-open trial")

	fc.Advance(20 * time.Second) // total 30s since the trial failed
	assert.True(t, b.allow(), "halfOpenFor must be enough to retry after a failed half-open trial")
}
