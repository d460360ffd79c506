// Package session implements C3, the Session Store (spec §4.3): a
// dual-backend store (a volatile fast store and a durable relational
// store of record), grounded on the teacher's session_service.go for
// the create/rotate/revoke vocabulary and on
// yegamble-goimg-datalayer's session_store.go for the fast-store
// key shape (session:{id}, sessions:by_user:{id} reverse index).
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/coreauth/authcore/internal/clock"
	"github.com/coreauth/authcore/internal/errkind"
	"github.com/coreauth/authcore/internal/kv"
	"github.com/coreauth/authcore/internal/relational"
)

const table = "sessions"

// Status is a session's lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusExpired Status = "expired"
)

// Protocol is which transport a session was established over (spec
// §3).
type Protocol string

const (
	ProtocolHTTP      Protocol = "http"
	ProtocolWebSocket Protocol = "websocket"
	ProtocolBoth      Protocol = "both"
)

// AuthMethod is how the credential backing a session was established
// (spec §3) — a session-record-scoped analogue of authctx.AuthMethod,
// kept as its own type since it carries two values (session, anonymous)
// authctx's live-request AuthMethod never needs to represent.
type AuthMethod string

const (
	AuthMethodJWT       AuthMethod = "jwt"
	AuthMethodAPIKey    AuthMethod = "api_key"
	AuthMethodSession   AuthMethod = "session"
	AuthMethodAnonymous AuthMethod = "anonymous"
)

// Record is the spec §3 Session entity.
type Record struct {
	SessionID    string         `json:"session_id"`
	UserID       string         `json:"user_id"`
	Status       Status         `json:"status"`
	Protocol     Protocol       `json:"protocol,omitempty"`
	AuthMethod   AuthMethod     `json:"auth_method,omitempty"`
	IP           string         `json:"ip,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	DeviceInfo   string         `json:"device_info,omitempty"`
	LocationInfo string         `json:"location_info,omitempty"`
	RefreshCount int            `json:"refresh_count"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	ExpiresAt    time.Time      `json:"expires_at"`
}

// Config controls TTLs and durability retry behavior.
type Config struct {
	DefaultTTL     time.Duration // default 24h, sliding (spec §9 Open Question b)
	ClockSkew      time.Duration // default 30s
	FastStoreRetry int           // default 3
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL == 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.ClockSkew == 0 {
		c.ClockSkew = 30 * time.Second
	}
	if c.FastStoreRetry == 0 {
		c.FastStoreRetry = 3
	}
	return c
}

// Store is C3, the dual-backend session store.
type Store struct {
	fast     kv.Store
	durable  relational.Store
	cfg      Config
	clock    clock.Clock
	log      *slog.Logger
}

// New constructs a C3 Store. durable may be nil only in tests that
// accept degraded (fast-store-only) behavior; production wiring
// always supplies a relational.Store (spec §4.3: "writes to the
// durable store are mandatory").
func New(fast kv.Store, durable relational.Store, cfg Config, c clock.Clock, log *slog.Logger) *Store {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Store{fast: fast, durable: durable, cfg: cfg, clock: c, log: log}
}

func sessionKey(id string) string     { return fmt.Sprintf("session:%s", id) }
func userIndexKey(userID string) string { return fmt.Sprintf("sessions:by_user:%s", userID) }

// newSessionID generates a 128-bit collision-resistant id (spec
// §4.3's create step), base64url-encoded the way the teacher's
// auth.GenerateSecureToken builds opaque tokens from crypto/rand.
func newSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// CreateParams is spec §3's Session Record creation input: device/
// location metadata plus which transport and credential method
// established the session.
type CreateParams struct {
	UserID       string
	Protocol     Protocol
	AuthMethod   AuthMethod
	IP           string
	UserAgent    string
	DeviceInfo   string
	LocationInfo string
	Metadata     map[string]any
}

// Create provisions a new session in both stores.
func (s *Store) Create(ctx context.Context, p CreateParams) (string, error) {
	if s.durable == nil {
		return "", errkind.New(errkind.Fatal, "SESSION_NO_DURABLE_STORE", "durable session store is not configured")
	}
	id, err := newSessionID()
	if err != nil {
		return "", errkind.Wrap(errkind.Fatal, "SESSION_ID_GEN_FAILED", "failed to generate session id", err)
	}

	protocol := p.Protocol
	if protocol == "" {
		protocol = ProtocolHTTP
	}
	authMethod := p.AuthMethod
	if authMethod == "" {
		authMethod = AuthMethodJWT
	}

	now := s.clock.Now()
	rec := Record{
		SessionID: id, UserID: p.UserID, Status: StatusActive,
		Protocol: protocol, AuthMethod: authMethod,
		IP: p.IP, UserAgent: p.UserAgent, DeviceInfo: p.DeviceInfo, LocationInfo: p.LocationInfo,
		RefreshCount: 0, Metadata: p.Metadata,
		CreatedAt: now, LastActivity: now, ExpiresAt: now.Add(s.cfg.DefaultTTL),
	}

	row := relational.Row{
		"id": id, "user_id": p.UserID, "status": string(StatusActive),
		"protocol": string(protocol), "auth_method": string(authMethod),
		"ip": p.IP, "user_agent": p.UserAgent, "device_info": p.DeviceInfo, "location_info": p.LocationInfo,
		"refresh_count": 0, "metadata": marshalMeta(p.Metadata),
		"created_at": now, "last_activity": now, "expires_at": rec.ExpiresAt,
	}
	if err := s.durable.Insert(ctx, table, row); err != nil {
		return "", errkind.Wrap(errkind.Transient, "SESSION_CREATE_FAILED", "failed to persist session", err)
	}

	s.writeFastBestEffort(ctx, rec)
	return id, nil
}

// IncrementRefreshCount records that a refresh/rotate happened against
// this session (spec §3's refresh_count).
func (s *Store) IncrementRefreshCount(ctx context.Context, sessionID string) error {
	rec, _, err := s.read(ctx, sessionID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	rec.RefreshCount++
	s.writeFastBestEffort(ctx, *rec)
	if s.durable != nil {
		if err := s.durable.UpdateByID(ctx, table, "id", sessionID, relational.Row{"refresh_count": rec.RefreshCount}); err != nil {
			return errkind.Wrap(errkind.Transient, "SESSION_REFRESH_COUNT_FAILED", "failed to persist refresh count", err)
		}
	}
	return nil
}

// Validate is spec §4.3's validate: fast-store read, falling back to
// the durable store on miss, refreshing TTL/last_activity on a valid
// hit (sliding expiration).
func (s *Store) Validate(ctx context.Context, sessionID string) (Record, bool, error) {
	rec, fromFast, err := s.read(ctx, sessionID)
	if err != nil {
		return Record{}, false, err
	}
	if rec == nil {
		return Record{}, false, nil
	}

	now := s.clock.Now()
	if rec.Status != StatusActive || !rec.ExpiresAt.Add(s.cfg.ClockSkew).After(now) {
		return Record{}, false, nil
	}

	rec.LastActivity = now
	rec.ExpiresAt = now.Add(s.cfg.DefaultTTL)
	s.writeFastBestEffort(ctx, *rec)
	if err := s.durable.UpdateByID(ctx, table, "id", sessionID, relational.Row{
		"last_activity": rec.LastActivity, "expires_at": rec.ExpiresAt,
	}); err != nil {
		s.log.Warn("session durable refresh failed", "session_id", sessionID, "error", err)
	}

	_ = fromFast
	return *rec, true, nil
}

// read implements the fast-then-durable lookup, reporting a
// transient error (distinct from not-found) only when both stores
// are unreachable (spec §4.3's failure semantics).
func (s *Store) read(ctx context.Context, sessionID string) (*Record, bool, error) {
	if raw, ok, err := s.fast.Get(ctx, sessionKey(sessionID)); err == nil && ok {
		var rec Record
		if err := json.Unmarshal([]byte(raw), &rec); err == nil {
			return &rec, true, nil
		}
	}

	if s.durable == nil {
		return nil, false, errkind.New(errkind.Transient, "SESSION_STORE_UNAVAILABLE", "durable session store not configured and fast store missed")
	}
	row, ok, err := s.durable.FindByID(ctx, table, "id", sessionID)
	if err != nil {
		return nil, false, errkind.Wrap(errkind.Transient, "SESSION_READ_FAILED", "durable session read failed", err)
	}
	if !ok {
		return nil, false, nil
	}
	rec := rowToRecord(row)
	return &rec, false, nil
}

// GetUserSessions returns the user's session ids, pruning dangling
// entries lazily as spec §4.3 allows.
func (s *Store) GetUserSessions(ctx context.Context, userID string) ([]string, error) {
	ids, err := s.fast.SMembers(ctx, userIndexKey(userID))
	if err != nil {
		return nil, errkind.Wrap(errkind.Transient, "SESSION_INDEX_READ_FAILED", "failed to read user session index", err)
	}
	var live []string
	for _, id := range ids {
		if rec, _, err := s.read(ctx, id); err == nil && rec != nil {
			live = append(live, id)
		} else {
			_ = s.fast.SRem(ctx, userIndexKey(userID), id)
		}
	}
	return live, nil
}

// Delete removes a session from both stores and the user index.
func (s *Store) Delete(ctx context.Context, sessionID, userID string) error {
	_ = s.fast.Del(ctx, sessionKey(sessionID))
	_ = s.fast.SRem(ctx, userIndexKey(userID), sessionID)
	if s.durable != nil {
		if err := s.durable.DeleteByID(ctx, table, "id", sessionID); err != nil {
			return errkind.Wrap(errkind.Transient, "SESSION_DELETE_FAILED", "failed to delete durable session", err)
		}
	}
	return nil
}

// DeleteUserSessions iterates the user index and deletes every
// session; idempotent.
func (s *Store) DeleteUserSessions(ctx context.Context, userID string) error {
	ids, err := s.GetUserSessions(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := s.Delete(ctx, id, userID); err != nil {
			return err
		}
	}
	return nil
}

// ReapExpired scans the durable store's time index and deletes
// records past expiry, driving the janitor worker (cmd/worker).
func (s *Store) ReapExpired(ctx context.Context) (int, error) {
	if s.durable == nil {
		return 0, nil
	}
	rows, err := s.durable.ScanByTimeRange(ctx, table, "expires_at", s.clock.Now())
	if err != nil {
		return 0, errkind.Wrap(errkind.Transient, "SESSION_REAP_SCAN_FAILED", "failed to scan expired sessions", err)
	}
	n := 0
	for _, row := range rows {
		rec := rowToRecord(row)
		if err := s.Delete(ctx, rec.SessionID, rec.UserID); err != nil {
			s.log.Warn("session reap failed", "session_id", rec.SessionID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}

// writeFastBestEffort retries the fast-store write per
// cfg.FastStoreRetry, logging (not failing the caller) on exhaustion
// (spec §4.3: "writes to the fast store are best-effort").
func (s *Store) writeFastBestEffort(ctx context.Context, rec Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		s.log.Warn("session fast-store marshal failed", "session_id", rec.SessionID, "error", err)
		return
	}
	ttl := rec.ExpiresAt.Sub(s.clock.Now())
	var lastErr error
	for i := 0; i < s.cfg.FastStoreRetry; i++ {
		if lastErr = s.fast.SetWithTTL(ctx, sessionKey(rec.SessionID), string(payload), ttl); lastErr == nil {
			_ = s.fast.SAdd(ctx, userIndexKey(rec.UserID), rec.SessionID)
			return
		}
	}
	s.log.Warn("session fast-store write failed after retries", "session_id", rec.SessionID, "error", lastErr)
}

func rowToRecord(row relational.Row) Record {
	rec := Record{
		SessionID:  fmt.Sprint(row["id"]),
		UserID:     fmt.Sprint(row["user_id"]),
		Status:     Status(fmt.Sprint(row["status"])),
		Protocol:   Protocol(fmt.Sprint(row["protocol"])),
		AuthMethod: AuthMethod(fmt.Sprint(row["auth_method"])),
	}
	if ip, ok := row["ip"].(string); ok {
		rec.IP = ip
	}
	if ua, ok := row["user_agent"].(string); ok {
		rec.UserAgent = ua
	}
	if di, ok := row["device_info"].(string); ok {
		rec.DeviceInfo = di
	}
	if li, ok := row["location_info"].(string); ok {
		rec.LocationInfo = li
	}
	if rc, ok := row["refresh_count"].(int); ok {
		rec.RefreshCount = rc
	} else if rc64, ok := row["refresh_count"].(int64); ok {
		rec.RefreshCount = int(rc64)
	}
	if t, ok := row["created_at"].(time.Time); ok {
		rec.CreatedAt = t
	}
	if t, ok := row["last_activity"].(time.Time); ok {
		rec.LastActivity = t
	}
	if t, ok := row["expires_at"].(time.Time); ok {
		rec.ExpiresAt = t
	}
	if m, ok := row["metadata"].(string); ok && m != "" {
		_ = json.Unmarshal([]byte(m), &rec.Metadata)
	}
	return rec
}

func marshalMeta(m map[string]any) string {
	if m == nil {
		return ""
	}
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

// NewDeviceID is a convenience for callers (e.g. C6) that want a
// stable per-device identifier distinct from the session id itself.
func NewDeviceID() string {
	return uuid.NewString()
}
