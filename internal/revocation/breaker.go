package revocation

import (
	"sync"
	"time"

	"github.com/coreauth/authcore/internal/clock"
)

// breakerState mirrors the closed/open/half-open machine spec §4.1
// names explicitly (threshold=5 failures, open=10s, half-open
// reset=30s). No circuit-breaker library appears anywhere in the
// retrieval pack (see DESIGN.md), so this is hand-rolled on
// sync.Mutex the same way the teacher's own
// middleware/ratelimit.go.IPRateLimiter hand-rolls its per-IP limiter
// state instead of reaching for a library.
type breakerState int

const (
	closed breakerState = iota
	open
	halfOpen
)

// breaker guards calls to the distributed store. It fails calls
// immediately once `threshold` consecutive failures have been
// observed, and only lets a single trial call through once `openFor`
// has elapsed (half-open), closing again on success or re-opening on
// failure.
type breaker struct {
	mu sync.Mutex

	threshold   int
	openFor     time.Duration
	halfOpenFor time.Duration
	clock       clock.Clock

	state       breakerState
	failures    int
	openedAt    time.Time
	halfOpenTry bool

	// reopenedFromHalfOpen marks that the current open state was
	// entered by a failed half-open trial, not the initial threshold
	// trip — so allow() must wait halfOpenFor (spec §4.1's distinct
	// reset timer), not openFor, before trying half-open again.
	reopenedFromHalfOpen bool
}

func newBreaker(threshold int, openFor, halfOpenFor time.Duration, c clock.Clock) *breaker {
	return &breaker{
		threshold:   threshold,
		openFor:     openFor,
		halfOpenFor: halfOpenFor,
		clock:       c,
		state:       closed,
	}
}

// allow reports whether a call should be attempted against the
// backing store right now.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case closed:
		return true
	case open:
		wait := b.openFor
		if b.reopenedFromHalfOpen {
			wait = b.halfOpenFor
		}
		if b.clock.Now().Sub(b.openedAt) >= wait {
			b.state = halfOpen
			b.halfOpenTry = false
		} else {
			return false
		}
		fallthrough
	case halfOpen:
		if b.halfOpenTry {
			return false
		}
		b.halfOpenTry = true
		return true
	}
	return true
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = closed
	b.halfOpenTry = false
	b.reopenedFromHalfOpen = false
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.state == halfOpen {
		// Half-open trial failed: reopen, waiting halfOpenFor before the
		// next trial is allowed (spec §4.1's distinct reset timer).
		b.state = open
		b.openedAt = b.clock.Now()
		b.halfOpenTry = false
		b.reopenedFromHalfOpen = true
		return
	}
	if b.failures >= b.threshold {
		b.state = open
		b.openedAt = b.clock.Now()
		b.reopenedFromHalfOpen = false
	}
}

// isOpen reports whether the breaker is currently rejecting calls
// (used for the fail-open metric/log decision, not for gating).
func (b *breaker) isOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == open
}
