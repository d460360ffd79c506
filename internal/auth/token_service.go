package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/coreauth/authcore/internal/clock"
	"github.com/coreauth/authcore/internal/errkind"
	"github.com/coreauth/authcore/internal/kv"
	"github.com/coreauth/authcore/internal/revocation"
)

// FamilyStatus is a token family's state in spec §4.4's machine.
type FamilyStatus string

const (
	FamilyActive       FamilyStatus = "active"
	FamilyCompromised  FamilyStatus = "compromised"
	FamilyInvalidated  FamilyStatus = "invalidated"
)

type familyRecord struct {
	UserID        string       `json:"user_id"`
	Status        FamilyStatus `json:"status"`
	RotationCount int          `json:"rotation_count"`
	CreatedAt     time.Time    `json:"created_at"`
}

// IssueParams carries the payload for a new token issuance.
type IssueParams struct {
	UserID      uuid.UUID
	Email       string
	RoleID      string
	Permissions []string // advisory snapshot, spec §4.4's "permissions embedding"
}

// Issued is the result of Generate.
type Issued struct {
	Access      string
	Refresh     string
	AccessExp   time.Time
	RefreshExp  time.Time
	JTI         string
	FamilyID    string
}

// VerifyResult is the result of Verify.
type VerifyResult struct {
	Valid       bool
	Payload     *Claims
	ShouldRotate bool
	Revoked     bool
}

// RotateResult is the result of Rotate.
type RotateResult struct {
	NewAccess      string
	NewAccessExp   time.Time
	NewRefresh     string
	NewRefreshExp  time.Time
	FamilyRotated  bool
	SecurityAlert  string // empty, "reuse_detected", or "rate_limit_exceeded"
}

// UserSnapshot is the minimal user projection C4 needs to re-check
// status/role on rotation, without depending on a storage package.
type UserSnapshot struct {
	ID     uuid.UUID
	Email  string
	RoleID string
	Active bool
}

// UserLookup resolves a user by id; implemented by C6 over its user
// repository.
type UserLookup func(ctx context.Context, userID uuid.UUID) (UserSnapshot, error)

// TokenServiceConfig controls spec §4.4's tunables; zero values fall
// back to the spec-documented defaults.
type TokenServiceConfig struct {
	AccessTTL            time.Duration // default 15m
	RefreshTTL           time.Duration // default 7 * 24h
	ConcurrentTokenCap    int          // default 10
	RotationThreshold    float64       // default 0.8
	RotationRateCap      int           // default 10 per hour
	ReuseGracePeriod     time.Duration // default 30s
	ReuseSuspiciousCount int           // default 5
	VerifyCacheSize      int           // default 10000
	DisableRotation      bool          // refresh rotation is enabled by default; set true to keep the same refresh token across renewals
}

func (c TokenServiceConfig) withDefaults() TokenServiceConfig {
	if c.AccessTTL == 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.RefreshTTL == 0 {
		c.RefreshTTL = 7 * 24 * time.Hour
	}
	if c.ConcurrentTokenCap == 0 {
		c.ConcurrentTokenCap = 10
	}
	if c.RotationThreshold == 0 {
		c.RotationThreshold = 0.8
	}
	if c.RotationRateCap == 0 {
		c.RotationRateCap = 10
	}
	if c.ReuseGracePeriod == 0 {
		c.ReuseGracePeriod = 30 * time.Second
	}
	if c.ReuseSuspiciousCount == 0 {
		c.ReuseSuspiciousCount = 5
	}
	if c.VerifyCacheSize == 0 {
		c.VerifyCacheSize = 10000
	}
	return c
}

type verifyCacheEntry struct {
	result  VerifyResult
	expires time.Time
}

// TokenService is C4, the Token Service: issuance, verification, and
// rotation with family-based reuse detection (spec §4.4), grounded on
// the teacher's token.go (signing primitive) and
// session_service.go/RefreshSession (rotation/reuse vocabulary),
// generalized off RS256/tenant claims and off the missing sqlc
// package onto SignVerifier + kv.Store + revocation.Index.
type TokenService struct {
	signer SignVerifier
	store  kv.Store
	rev    *revocation.Index
	users  UserLookup
	cfg    TokenServiceConfig
	clock  clock.Clock
	log    *slog.Logger

	verifyCache *lru.Cache[string, verifyCacheEntry]

	onCriticalRisk func(ctx context.Context, userID string, reuseCount int64)
}

// NewTokenService constructs C4.
func NewTokenService(signer SignVerifier, store kv.Store, rev *revocation.Index, users UserLookup, cfg TokenServiceConfig, c clock.Clock, log *slog.Logger) *TokenService {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	vc, _ := lru.New[string, verifyCacheEntry](cfg.VerifyCacheSize)
	return &TokenService{signer: signer, store: store, rev: rev, users: users, cfg: cfg, clock: c, log: log, verifyCache: vc}
}

// OnCriticalRisk registers a hook invoked when reuse_count exceeds
// the suspicious threshold (spec §4.4: "must call security-incident
// handling").
func (s *TokenService) OnCriticalRisk(fn func(ctx context.Context, userID string, reuseCount int64)) {
	s.onCriticalRisk = fn
}

func familyKey(id string) string        { return fmt.Sprintf("token:family:%s", id) }
func userFamiliesKey(userID string) string { return fmt.Sprintf("token:family:by_user:%s", userID) }
func reuseKey(hash string) string       { return fmt.Sprintf("reuse:%s", hash) }
func reuseCountKey(hash string) string  { return fmt.Sprintf("reuse_count:%s", hash) }
func rotationRateKey(userID string, bucket int64) string {
	return fmt.Sprintf("rotation_rate:%s:%d", userID, bucket)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Generate issues a new access/refresh pair under a fresh token
// family (spec §4.4's Issue).
func (s *TokenService) Generate(ctx context.Context, p IssueParams) (Issued, error) {
	families, err := s.store.SMembers(ctx, userFamiliesKey(p.UserID.String()))
	if err != nil {
		return Issued{}, errkind.Wrap(errkind.Transient, "TOKEN_FAMILY_LOOKUP_FAILED", "failed to check concurrent token cap", err)
	}
	if len(families) >= s.cfg.ConcurrentTokenCap {
		return Issued{}, errkind.New(errkind.RateLimited, "TOKEN_CONCURRENT_CAP_EXCEEDED", "maximum concurrent sessions reached")
	}

	now := s.clock.Now()
	familyID := uuid.New()
	jti := uuid.New()
	accessExp := now.Add(s.cfg.AccessTTL)
	refreshExp := now.Add(s.cfg.RefreshTTL)

	access, err := s.signer.Sign(Claims{
		UserID: p.UserID, Email: p.Email, RoleID: p.RoleID, Permissions: p.Permissions,
		Scope: "access", FamilyID: familyID,
		RegisteredClaims: registeredClaims(jti.String(), now, accessExp),
	})
	if err != nil {
		return Issued{}, errkind.Wrap(errkind.Fatal, "TOKEN_SIGN_FAILED", "failed to sign access token", err)
	}
	refreshJTI := uuid.New()
	refresh, err := s.signer.Sign(Claims{
		UserID: p.UserID, Email: p.Email, RoleID: p.RoleID,
		Scope: "refresh", FamilyID: familyID,
		RegisteredClaims: registeredClaims(refreshJTI.String(), now, refreshExp),
	})
	if err != nil {
		return Issued{}, errkind.Wrap(errkind.Fatal, "TOKEN_SIGN_FAILED", "failed to sign refresh token", err)
	}

	rec := familyRecord{UserID: p.UserID.String(), Status: FamilyActive, RotationCount: 0, CreatedAt: now}
	payload, err := json.Marshal(rec)
	if err != nil {
		return Issued{}, errkind.Wrap(errkind.Fatal, "TOKEN_FAMILY_MARSHAL_FAILED", "failed to marshal family record", err)
	}
	ops := []kv.Op{
		{Kind: kv.OpSetWithTTL, Key: familyKey(familyID.String()), Value: string(payload), TTL: s.cfg.RefreshTTL},
		{Kind: kv.OpSAdd, Key: userFamiliesKey(p.UserID.String()), Member: familyID.String()},
	}
	for _, e := range s.store.Pipeline(ctx, ops) {
		if e != nil {
			return Issued{}, errkind.Wrap(errkind.Transient, "TOKEN_FAMILY_WRITE_FAILED", "failed to persist token family", e)
		}
	}

	return Issued{
		Access: access, Refresh: refresh,
		AccessExp: accessExp, RefreshExp: refreshExp,
		JTI: jti.String(), FamilyID: familyID.String(),
	}, nil
}

func registeredClaims(jti string, iat, exp time.Time) jwt.RegisteredClaims {
	return jwt.RegisteredClaims{
		ID:        jti,
		IssuedAt:  jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(exp),
		NotBefore: jwt.NewNumericDate(iat),
	}
}

// Verify implements spec §4.4's verify pipeline: parse+signature,
// payload-shape validation, revocation check, rotation hint. Results
// are cached for min(5m, remaining lifetime); expired tokens are
// never cached.
func (s *TokenService) Verify(ctx context.Context, token string) (VerifyResult, error) {
	h := hashToken(token)
	if e, ok := s.verifyCache.Get(h); ok && s.clock.Now().Before(e.expires) {
		return e.result, nil
	}

	claims, err := s.signer.Verify(token)
	if err != nil {
		return VerifyResult{Valid: false}, nil
	}
	if !validPayloadShape(claims) {
		return VerifyResult{Valid: false}, nil
	}

	revoked, err := s.rev.IsTokenRevoked(ctx, claims.ID, claims.UserID.String(), claims.IssuedAt.Time)
	if err != nil {
		s.log.Warn("revocation check failed during verify", "jti", claims.ID, "error", err)
	}
	if revoked {
		return VerifyResult{Valid: false, Revoked: true}, nil
	}

	iat := claims.IssuedAt.Time
	exp := claims.ExpiresAt.Time
	lifetime := exp.Sub(iat)
	elapsed := s.clock.Now().Sub(iat)
	shouldRotate := lifetime > 0 && float64(elapsed)/float64(lifetime) >= s.cfg.RotationThreshold

	result := VerifyResult{Valid: true, Payload: claims, ShouldRotate: shouldRotate}

	remaining := exp.Sub(s.clock.Now())
	ttl := 5 * time.Minute
	if remaining < ttl {
		ttl = remaining
	}
	if ttl > 0 {
		s.verifyCache.Add(h, verifyCacheEntry{result: result, expires: s.clock.Now().Add(ttl)})
	}
	return result, nil
}

func validPayloadShape(c *Claims) bool {
	return c.UserID != uuid.Nil && c.Email != "" && c.ID != "" && c.IssuedAt != nil && c.ExpiresAt != nil
}

// Rotate implements spec §4.4's refresh/rotate pipeline.
func (s *TokenService) Rotate(ctx context.Context, refreshToken string) (RotateResult, error) {
	vr, err := s.Verify(ctx, refreshToken)
	if err != nil {
		return RotateResult{}, err
	}
	if !vr.Valid || vr.Payload.Scope != "refresh" {
		return RotateResult{}, errkind.New(errkind.Unauthenticated, "TOKEN_INVALID_REFRESH", "refresh token is invalid or expired")
	}
	claims := vr.Payload
	userID := claims.UserID.String()

	// Rate limit: per-user counter keyed by the current clock hour, so
	// the window resets at each hour boundary.
	bucket := s.clock.Now().Unix() / int64(time.Hour/time.Second)
	rateKey := rotationRateKey(userID, bucket)
	count, err := s.store.Incr(ctx, rateKey)
	if err != nil {
		return RotateResult{}, errkind.Wrap(errkind.Transient, "TOKEN_RATE_LIMIT_CHECK_FAILED", "failed to check rotation rate limit", err)
	}
	if count == 1 {
		_ = s.store.Expire(ctx, rateKey, time.Hour)
	}
	if int(count) > s.cfg.RotationRateCap {
		return RotateResult{SecurityAlert: "rate_limit_exceeded"}, errkind.New(errkind.RateLimited, "TOKEN_ROTATION_RATE_EXCEEDED", "too many refresh attempts")
	}

	// Reuse detection.
	h := hashToken(refreshToken)
	lastUsedRaw, ok, err := s.store.Get(ctx, reuseKey(h))
	if err != nil {
		return RotateResult{}, errkind.Wrap(errkind.Transient, "TOKEN_REUSE_CHECK_FAILED", "failed to check reuse ledger", err)
	}
	if ok {
		var lastUsed time.Time
		if perr := lastUsed.UnmarshalText([]byte(lastUsedRaw)); perr == nil && s.clock.Now().Sub(lastUsed) > s.cfg.ReuseGracePeriod {
			reuseCount, _ := s.store.Incr(ctx, reuseCountKey(h))
			if reuseCount > int64(s.cfg.ReuseSuspiciousCount) && s.onCriticalRisk != nil {
				s.onCriticalRisk(ctx, userID, reuseCount)
			}
			if err := s.invalidateFamily(ctx, claims.FamilyID.String(), FamilyCompromised); err != nil {
				s.log.Warn("failed to invalidate compromised family", "family_id", claims.FamilyID, "error", err)
			}
			if err := s.rev.RevokeUser(ctx, userID, revocation.ReasonSecurityBreach, revocation.RevokeOpts{}); err != nil {
				s.log.Warn("failed to revoke user after reuse detection", "user_id", userID, "error", err)
			}
			return RotateResult{SecurityAlert: "reuse_detected"}, errkind.New(errkind.SecurityBreach, "TOKEN_REUSE_DETECTED", "refresh token reuse detected")
		}
	}

	familyTTL := s.cfg.RefreshTTL
	nowText, _ := s.clock.Now().MarshalText()
	if err := s.store.SetWithTTL(ctx, reuseKey(h), string(nowText), familyTTL); err != nil {
		s.log.Warn("failed to record reuse ledger entry", "error", err)
	}

	user, err := s.users(ctx, claims.UserID)
	if err != nil || !user.Active {
		return RotateResult{}, errkind.New(errkind.Unauthenticated, "TOKEN_USER_INACTIVE", "user is not active")
	}

	accessExp := s.clock.Now().Add(s.cfg.AccessTTL)
	newAccess, err := s.signer.Sign(Claims{
		UserID: user.ID, Email: user.Email, RoleID: user.RoleID,
		Scope: "access", FamilyID: claims.FamilyID,
		RegisteredClaims: registeredClaims(uuid.NewString(), s.clock.Now(), accessExp),
	})
	if err != nil {
		return RotateResult{}, errkind.Wrap(errkind.Fatal, "TOKEN_SIGN_FAILED", "failed to sign rotated access token", err)
	}

	result := RotateResult{NewAccess: newAccess, NewAccessExp: accessExp}

	if !s.cfg.DisableRotation {
		refreshExp := s.clock.Now().Add(s.cfg.RefreshTTL)
		newRefresh, err := s.signer.Sign(Claims{
			UserID: user.ID, Email: user.Email, RoleID: user.RoleID,
			Scope: "refresh", FamilyID: claims.FamilyID,
			RegisteredClaims: registeredClaims(uuid.NewString(), s.clock.Now(), refreshExp),
		})
		if err != nil {
			return RotateResult{}, errkind.Wrap(errkind.Fatal, "TOKEN_SIGN_FAILED", "failed to sign rotated refresh token", err)
		}
		result.NewRefresh = newRefresh
		result.NewRefreshExp = refreshExp
		result.FamilyRotated = true
	}

	if err := s.rev.RevokeToken(ctx, claims.ID, userID, claims.ExpiresAt.Time, revocation.ReasonTokenCompromised, revocation.RevokeOpts{}); err != nil {
		s.log.Warn("failed to revoke presented refresh token", "jti", claims.ID, "error", err)
	}
	if err := s.bumpRotationCount(ctx, claims.FamilyID.String()); err != nil {
		s.log.Warn("failed to bump family rotation count", "family_id", claims.FamilyID, "error", err)
	}

	return result, nil
}

func (s *TokenService) invalidateFamily(ctx context.Context, familyID string, status FamilyStatus) error {
	raw, ok, err := s.store.Get(ctx, familyKey(familyID))
	if err != nil {
		return err
	}
	var rec familyRecord
	if ok {
		_ = json.Unmarshal([]byte(raw), &rec)
	}
	rec.Status = status
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.store.SetWithTTL(ctx, familyKey(familyID), string(payload), s.cfg.RefreshTTL)
}

func (s *TokenService) bumpRotationCount(ctx context.Context, familyID string) error {
	raw, ok, err := s.store.Get(ctx, familyKey(familyID))
	if err != nil || !ok {
		return err
	}
	var rec familyRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return err
	}
	rec.RotationCount++
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.store.SetWithTTL(ctx, familyKey(familyID), string(payload), s.cfg.RefreshTTL)
}

// InvalidateFamily moves a family to Invalidated (spec §4.4's
// Active(n) --invalidate--> Invalidated transition).
func (s *TokenService) InvalidateFamily(ctx context.Context, familyID string) error {
	return s.invalidateFamily(ctx, familyID, FamilyInvalidated)
}
