// Package revocation implements C1, the Revocation Index: a
// content-addressed blacklist over individual tokens and user-wide
// cutoffs (spec §4.1), grounded on yegamble-goimg-datalayer's
// TokenBlacklist (key-prefixed TTL entries, SCAN-based enumeration)
// for the keyspace shape and on the teacher's
// middleware/ratelimit.go concurrency idiom for the circuit breaker.
package revocation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/coreauth/authcore/internal/clock"
	"github.com/coreauth/authcore/internal/errkind"
	"github.com/coreauth/authcore/internal/kv"
)

// Reason enumerates spec §3's revocation reasons.
type Reason string

const (
	ReasonUserLogout       Reason = "user_logout"
	ReasonAdminRevoked     Reason = "admin_revoked"
	ReasonSecurityBreach   Reason = "security_breach"
	ReasonPasswordChanged  Reason = "password_changed"
	ReasonAccountSuspended Reason = "account_suspended"
	ReasonTokenCompromised Reason = "token_compromised"
	ReasonSessionExpired   Reason = "session_expired"
	ReasonPolicyViolation  Reason = "policy_violation"
)

// Record is a per-token revocation entry (spec §3).
type Record struct {
	JTI         string            `json:"jti"`
	UserID      string            `json:"user_id"`
	Reason      Reason            `json:"reason"`
	RevokedAt   time.Time         `json:"revoked_at"`
	RevokedAtTS int64             `json:"revoked_at_ts"`
	RevokedBy   string            `json:"revoked_by,omitempty"`
	SessionID   string            `json:"session_id,omitempty"`
	IP          string            `json:"ip,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// UserRecord is a user-wide cutoff (spec §3): every token issued
// before RevokedAtTS is considered revoked even absent a per-token
// Record.
type UserRecord struct {
	UserID      string            `json:"user_id"`
	Reason      Reason            `json:"reason"`
	RevokedAtTS int64             `json:"revoked_at_ts"`
	RevokedBy   string            `json:"revoked_by,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// RevokeOpts carries the optional audit context for a revocation
// write.
type RevokeOpts struct {
	RevokedBy string
	SessionID string
	IP        string
	Metadata  map[string]string
}

// Config controls the Index's TTLs, breaker thresholds and fail-open
// policy. Zero-value fields fall back to the spec-documented
// defaults via withDefaults.
type Config struct {
	RetentionBuffer   time.Duration // added on top of token exp for per-token TTL (default 7d)
	UserRevocationTTL time.Duration // default 30d
	AuditRetention    time.Duration // default 90d

	LocalCacheTTLPositive time.Duration // cached "revoked=true" (default 5m)
	LocalCacheTTLNegative time.Duration // cached "revoked=false" (default shorter, 1m)
	LocalCacheSize        int

	BreakerThreshold   int
	BreakerOpenFor     time.Duration
	BreakerHalfOpenFor time.Duration

	FailClosed bool // spec §9 Open Question (c): default false (fail open)
}

func (c Config) withDefaults() Config {
	if c.RetentionBuffer == 0 {
		c.RetentionBuffer = 7 * 24 * time.Hour
	}
	if c.UserRevocationTTL == 0 {
		c.UserRevocationTTL = 30 * 24 * time.Hour
	}
	if c.AuditRetention == 0 {
		c.AuditRetention = 90 * 24 * time.Hour
	}
	if c.LocalCacheTTLPositive == 0 {
		c.LocalCacheTTLPositive = 5 * time.Minute
	}
	if c.LocalCacheTTLNegative == 0 {
		c.LocalCacheTTLNegative = time.Minute
	}
	if c.LocalCacheSize == 0 {
		c.LocalCacheSize = 10000
	}
	if c.BreakerThreshold == 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerOpenFor == 0 {
		c.BreakerOpenFor = 10 * time.Second
	}
	if c.BreakerHalfOpenFor == 0 {
		c.BreakerHalfOpenFor = 30 * time.Second
	}
	return c
}

// Metrics is the narrow counter surface the Index reports through
// (spec §6's "observability sinks"). Nil-safe: every method may be
// called on a nil *Metrics.
type Metrics struct {
	Inc func(name string, tags map[string]string)
}

func (m *Metrics) inc(name string, tags map[string]string) {
	if m != nil && m.Inc != nil {
		m.Inc(name, tags)
	}
}

// Index is C1, the Revocation Index.
type Index struct {
	store  kv.Store
	prefix string
	cfg    Config
	clock  clock.Clock
	log    *slog.Logger
	metric *Metrics

	breaker *breaker

	positive *lru.LRU[string, bool]
	negative *lru.LRU[string, bool]
}

// New constructs a C1 Revocation Index over the given distributed
// keyspace.
func New(store kv.Store, prefix string, cfg Config, c clock.Clock, log *slog.Logger, m *Metrics) *Index {
	cfg = cfg.withDefaults()
	if prefix == "" {
		prefix = "jwt:blacklist"
	}
	if log == nil {
		log = slog.Default()
	}
	return &Index{
		store:   store,
		prefix:  prefix,
		cfg:     cfg,
		clock:   c,
		log:     log,
		metric:  m,
		breaker: newBreaker(cfg.BreakerThreshold, cfg.BreakerOpenFor, cfg.BreakerHalfOpenFor, c),
		positive: lru.NewLRU[string, bool](cfg.LocalCacheSize, nil, cfg.LocalCacheTTLPositive),
		negative: lru.NewLRU[string, bool](cfg.LocalCacheSize, nil, cfg.LocalCacheTTLNegative),
	}
}

func (idx *Index) tokenKey(jti string) string       { return fmt.Sprintf("%s:token:%s", idx.prefix, jti) }
func (idx *Index) userTokensKey(u string) string     { return fmt.Sprintf("%s:user:%s:tokens", idx.prefix, u) }
func (idx *Index) userRevokedKey(u string) string    { return fmt.Sprintf("%s:user:%s:revoked", idx.prefix, u) }
func (idx *Index) auditKey(day string) string        { return fmt.Sprintf("%s:audit:%s", idx.prefix, day) }

// RevokeToken records a single-token revocation (spec §4.1). The
// token record, the user->token membership entry, and the audit
// entry are written as one pipelined operation; on partial failure
// the call returns a transient error rather than silently persisting
// a subset (spec's atomicity requirement).
func (idx *Index) RevokeToken(ctx context.Context, jti, userID string, tokenExp time.Time, reason Reason, opts RevokeOpts) error {
	if jti == "" || userID == "" {
		return errkind.New(errkind.InvalidInput, "REVOKE_MISSING_ID", "jti and user_id are required")
	}
	if !idx.breaker.allow() {
		idx.metric.inc("revocation.write.breaker_open", nil)
		return errkind.New(errkind.Transient, "BLACKLIST_UNAVAILABLE", "revocation store circuit open")
	}

	now := idx.clock.Now()
	rec := Record{
		JTI: jti, UserID: userID, Reason: reason,
		RevokedAt: now, RevokedAtTS: now.Unix(),
		RevokedBy: opts.RevokedBy, SessionID: opts.SessionID, IP: opts.IP,
		Metadata: opts.Metadata,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "REVOKE_MARSHAL", "failed to marshal revocation record", err)
	}

	ttl := tokenExp.Sub(now) + idx.cfg.RetentionBuffer
	if ttl < idx.cfg.RetentionBuffer {
		ttl = idx.cfg.RetentionBuffer
	}

	day := now.UTC().Format("2006-01-02")
	ops := []kv.Op{
		{Kind: kv.OpSetWithTTL, Key: idx.tokenKey(jti), Value: string(payload), TTL: ttl},
		{Kind: kv.OpSAdd, Key: idx.userTokensKey(userID), Member: jti},
		{Kind: kv.OpSAdd, Key: idx.auditKey(day), Member: string(payload)},
	}
	errs := idx.store.Pipeline(ctx, ops)
	for _, e := range errs {
		if e != nil {
			idx.breaker.recordFailure()
			idx.metric.inc("revocation.write.failed", nil)
			return errkind.Wrap(errkind.Transient, "REVOKE_WRITE_FAILED", "revocation write partially failed", e)
		}
	}
	idx.breaker.recordSuccess()
	_ = idx.store.Expire(ctx, idx.auditKey(day), idx.cfg.AuditRetention)

	// Synchronous local-cache invalidation: spec §5 requires
	// revoke_token to happen-before the next is_token_revoked from
	// this node once the local LRU entry has been invalidated.
	idx.negative.Remove(jti)
	idx.positive.Add(jti, true)

	idx.metric.inc("revocation.token_revoked", map[string]string{"reason": string(reason)})
	return nil
}

// RevokeUser records a user-wide cutoff (spec §4.1): every token for
// this user issued before now is considered revoked.
func (idx *Index) RevokeUser(ctx context.Context, userID string, reason Reason, opts RevokeOpts) error {
	if userID == "" {
		return errkind.New(errkind.InvalidInput, "REVOKE_MISSING_USER", "user_id is required")
	}
	if !idx.breaker.allow() {
		idx.metric.inc("revocation.write.breaker_open", nil)
		return errkind.New(errkind.Transient, "BLACKLIST_UNAVAILABLE", "revocation store circuit open")
	}

	now := idx.clock.Now()
	rec := UserRecord{UserID: userID, Reason: reason, RevokedAtTS: now.Unix(), RevokedBy: opts.RevokedBy, Metadata: opts.Metadata}
	payload, err := json.Marshal(rec)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "REVOKE_MARSHAL", "failed to marshal user revocation record", err)
	}

	day := now.UTC().Format("2006-01-02")
	ops := []kv.Op{
		{Kind: kv.OpSetWithTTL, Key: idx.userRevokedKey(userID), Value: string(payload), TTL: idx.cfg.UserRevocationTTL},
		{Kind: kv.OpSAdd, Key: idx.auditKey(day), Member: string(payload)},
	}
	errs := idx.store.Pipeline(ctx, ops)
	for _, e := range errs {
		if e != nil {
			idx.breaker.recordFailure()
			idx.metric.inc("revocation.write.failed", nil)
			return errkind.Wrap(errkind.Transient, "REVOKE_USER_WRITE_FAILED", "user revocation write partially failed", e)
		}
	}
	idx.breaker.recordSuccess()
	_ = idx.store.Expire(ctx, idx.auditKey(day), idx.cfg.AuditRetention)

	// Every cached "not revoked" answer for this user's tokens is now
	// stale. We don't track per-user reverse indexes into the LRU (it's
	// keyed by jti), so a revoke_user cheaply purges the negative tier
	// wholesale — false negatives here are a correctness bug, a few
	// extra store round-trips are not.
	idx.negative.Purge()

	idx.metric.inc("revocation.user_revoked", map[string]string{"reason": string(reason)})
	return nil
}

// IsTokenRevoked answers spec §4.1's lookup algorithm: local LRU,
// then a parallel fetch of the token record and the user cutoff
// record, with fail-open (or fail-closed, per Config) semantics when
// the circuit is open.
func (idx *Index) IsTokenRevoked(ctx context.Context, jti, userID string, iat time.Time) (bool, error) {
	if v, ok := idx.positive.Get(jti); ok && v {
		return true, nil
	}
	if v, ok := idx.negative.Get(jti); ok && !v {
		return false, nil
	}

	if !idx.breaker.allow() {
		idx.metric.inc("revocation.read.breaker_open", nil)
		if idx.cfg.FailClosed {
			return true, errkind.New(errkind.Transient, "BLACKLIST_UNAVAILABLE", "revocation store circuit open")
		}
		return false, nil
	}

	type result struct {
		val string
		ok  bool
		err error
	}
	tokenCh := make(chan result, 1)
	userCh := make(chan result, 1)

	go func() {
		v, ok, err := idx.store.Get(ctx, idx.tokenKey(jti))
		tokenCh <- result{v, ok, err}
	}()
	go func() {
		v, ok, err := idx.store.Get(ctx, idx.userRevokedKey(userID))
		userCh <- result{v, ok, err}
	}()

	tokenRes := <-tokenCh
	userRes := <-userCh

	if tokenRes.err != nil || userRes.err != nil {
		idx.breaker.recordFailure()
		idx.metric.inc("revocation.read.failed", nil)
		if idx.cfg.FailClosed {
			return true, errkind.New(errkind.Transient, "BLACKLIST_UNAVAILABLE", "revocation store read failed")
		}
		return false, nil
	}
	idx.breaker.recordSuccess()

	if tokenRes.ok {
		idx.positive.Add(jti, true)
		return true, nil
	}

	if userRes.ok {
		var urec UserRecord
		if err := json.Unmarshal([]byte(userRes.val), &urec); err == nil {
			if iat.Unix() < urec.RevokedAtTS {
				idx.positive.Add(jti, true)
				return true, nil
			}
		}
	}

	idx.negative.Add(jti, false)
	return false, nil
}

// CleanupExpired is a maintenance hook (spec §4.1); TTL already
// reaps per-token and per-user entries, this exists to drop fully
// expired audit-day sets older than the retention window for
// deployments whose keyspace doesn't honor per-key TTL on sets
// (e.g. after a restore from backup).
func (idx *Index) CleanupExpired(ctx context.Context) error {
	cutoff := idx.clock.Now().Add(-idx.cfg.AuditRetention)
	keys, err := idx.store.ScanByPattern(ctx, idx.prefix+":audit:*")
	if err != nil {
		return errkind.Wrap(errkind.Transient, "CLEANUP_SCAN_FAILED", "failed to scan audit keys", err)
	}
	var stale []string
	for _, k := range keys {
		day := k[len(k)-len("2006-01-02"):]
		t, err := time.Parse("2006-01-02", day)
		if err != nil {
			continue
		}
		if t.Before(cutoff) {
			stale = append(stale, k)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return idx.store.Del(ctx, stale...)
}
