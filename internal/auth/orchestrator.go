package auth

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/coreauth/authcore/internal/audit"
	"github.com/coreauth/authcore/internal/clock"
	"github.com/coreauth/authcore/internal/errkind"
	"github.com/coreauth/authcore/internal/permission"
	"github.com/coreauth/authcore/internal/revocation"
	"github.com/coreauth/authcore/internal/session"
)

// Device carries the request-scoped metadata spec §4.6's login/
// register flows attach to a session (device?, metadata).
type Device struct {
	UserAgent string
	IP        string
}

// LoginResult is spec §4.6's login output.
type LoginResult struct {
	User         User
	Access       string
	Refresh      string
	AccessExp    time.Time
	RefreshExp   time.Time
	SessionID    string
}

// Service is C6, the Auth Orchestrator: end-to-end flows composing
// C1 (revocation), C3 (session), C4 (token service) and C5
// (permission engine), grounded on the teacher's AuthService
// (service.go/login_service.go/registration_service.go) generalized
// off the tenant model and the missing sqlc db package onto
// UserRepository + internal/relational.
type Service struct {
	users    *UserRepository
	hasher   PasswordHasher
	tokens   *TokenService
	sessions *session.Store
	rev      *revocation.Index
	engine   *permission.Engine
	audit    audit.AuditService
	clock    clock.Clock
}

// NewService constructs C6.
func NewService(users *UserRepository, hasher PasswordHasher, tokens *TokenService, sessions *session.Store, rev *revocation.Index, engine *permission.Engine, auditSvc audit.AuditService, c clock.Clock) *Service {
	return &Service{users: users, hasher: hasher, tokens: tokens, sessions: sessions, rev: rev, engine: engine, audit: auditSvc, clock: c}
}

// UserLookup adapts the repository to auth.UserLookup for
// TokenService's rotation path.
func (s *Service) UserLookup(ctx context.Context, userID uuid.UUID) (UserSnapshot, error) {
	u, ok, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return UserSnapshot{}, err
	}
	if !ok {
		return UserSnapshot{}, errkind.New(errkind.NotFound, "USER_NOT_FOUND", "user not found")
	}
	return UserSnapshot{ID: u.ID, Email: u.Email, RoleID: u.RoleID, Active: u.Status == StatusActive}, nil
}

// ErrInvalidCredentials is the single generic message spec §4.6
// mandates for every login-failure class.
var ErrInvalidCredentials = errkind.New(errkind.Unauthenticated, "INVALID_CREDENTIALS", "Invalid email or password")

// ErrAccessRevokedOrExpired is spec §8's distinct message for a login
// attempt against an explicitly revoked or time-expired role grant —
// unlike ErrInvalidCredentials, this is not folded into the generic
// message because the role itself (not the account credentials) is
// what's invalid.
var ErrAccessRevokedOrExpired = errkind.New(errkind.Unauthenticated, "ACCESS_REVOKED_OR_EXPIRED", "Access has been revoked or expired")

// Login implements spec §4.6's login flow.
func (s *Service) Login(ctx context.Context, email, password string, device Device) (LoginResult, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return LoginResult{}, errkind.Wrap(errkind.InvalidInput, "LOGIN_INVALID_EMAIL", "malformed email", err)
	}
	if err := validatePassword(password, 1, 128); err != nil {
		return LoginResult{}, err
	}

	user, ok, err := s.users.FindByEmail(ctx, normalized)
	if err != nil {
		return LoginResult{}, err
	}
	if !ok || user.Status != StatusActive || user.RoleID == "" {
		s.logLogin(ctx, "", normalized, false, "invalid_credentials")
		return LoginResult{}, ErrInvalidCredentials
	}
	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		s.logLogin(ctx, user.ID.String(), normalized, false, "invalid_credentials")
		return LoginResult{}, ErrInvalidCredentials
	}
	if !user.RoleActive(s.clock.Now()) {
		s.logLogin(ctx, user.ID.String(), normalized, false, "role_revoked_or_expired")
		return LoginResult{}, ErrAccessRevokedOrExpired
	}

	roles, perms, err := s.engine.GetUserPermissions(ctx, user.ID.String(), user.RoleID)
	_ = roles
	if err != nil {
		return LoginResult{}, err
	}

	issued, err := s.tokens.Generate(ctx, IssueParams{
		UserID: user.ID, Email: user.Email, RoleID: user.RoleID,
		Permissions: flattenPermStrings(perms),
	})
	if err != nil {
		return LoginResult{}, err
	}

	sessionID, err := s.sessions.Create(ctx, session.CreateParams{
		UserID: user.ID.String(), Protocol: session.ProtocolHTTP, AuthMethod: session.AuthMethodJWT,
		IP: device.IP, UserAgent: device.UserAgent,
	})
	if err != nil {
		return LoginResult{}, err
	}

	s.logLogin(ctx, user.ID.String(), normalized, true, "")
	return LoginResult{
		User: user, Access: issued.Access, Refresh: issued.Refresh,
		AccessExp: issued.AccessExp, RefreshExp: issued.RefreshExp,
		SessionID: sessionID,
	}, nil
}

func flattenPermStrings(perms []permission.Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = fmt.Sprintf("%s:%s", p.Resource, p.Action)
	}
	return out
}

func (s *Service) logLogin(ctx context.Context, userID, email string, success bool, reason string) {
	event := "auth.login_success"
	if !success {
		event = "auth.login_failed"
	}
	s.audit.Log(ctx, event, audit.LogParams{
		ActorID: userID,
		Metadata: map[string]interface{}{"email": email, "reason": reason},
	})
}

// Register implements spec §4.6's register flow: no tokens are
// issued; a subsequent login is required.
func (s *Service) Register(ctx context.Context, email, password string) (User, error) {
	normalized, err := normalizeEmail(email)
	if err != nil {
		return User{}, errkind.Wrap(errkind.InvalidInput, "REGISTER_INVALID_EMAIL", "malformed email", err)
	}
	if err := validatePassword(password, 8, 128); err != nil {
		return User{}, err
	}

	if _, exists, err := s.users.FindByEmail(ctx, normalized); err != nil {
		return User{}, err
	} else if exists {
		return User{}, errkind.New(errkind.Conflict, "REGISTER_DUPLICATE_EMAIL", "email already registered")
	}

	hash, err := s.hasher.Hash(password)
	if err != nil {
		return User{}, errkind.Wrap(errkind.Fatal, "REGISTER_HASH_FAILED", "failed to hash password", err)
	}

	now := s.clock.Now()
	user := User{ID: uuid.New(), Email: normalized, PasswordHash: hash, RoleID: "user", Status: StatusActive, CreatedAt: now, RoleAssignedAt: &now}
	if err := s.users.Create(ctx, user); err != nil {
		return User{}, err
	}
	s.audit.Log(ctx, "auth.register", audit.LogParams{ActorID: user.ID.String(), Metadata: map[string]interface{}{"email": normalized}})
	return user, nil
}

// Logout implements spec §4.6's logout: revoke the presented access
// token via C1 and delete the session.
func (s *Service) Logout(ctx context.Context, accessToken, sessionID string) error {
	vr, err := s.tokens.Verify(ctx, accessToken)
	if err != nil {
		return err
	}
	if vr.Valid {
		userID := vr.Payload.UserID.String()
		if err := s.rev.RevokeToken(ctx, vr.Payload.ID, userID, vr.Payload.ExpiresAt.Time, revocation.ReasonUserLogout, revocation.RevokeOpts{}); err != nil {
			return err
		}
		if sessionID != "" {
			if err := s.sessions.Delete(ctx, sessionID, userID); err != nil {
				return err
			}
		}
		s.audit.Log(ctx, "auth.logout", audit.LogParams{ActorID: userID})
	}
	return nil
}

// LogoutAll implements spec §4.6's logout_all.
func (s *Service) LogoutAll(ctx context.Context, userID uuid.UUID) error {
	if err := s.rev.RevokeUser(ctx, userID.String(), revocation.ReasonUserLogout, revocation.RevokeOpts{}); err != nil {
		return err
	}
	if err := s.sessions.DeleteUserSessions(ctx, userID.String()); err != nil {
		return err
	}
	s.audit.Log(ctx, "auth.logout_all", audit.LogParams{ActorID: userID.String()})
	return nil
}

// Refresh delegates to C4's rotate.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (RotateResult, error) {
	return s.tokens.Rotate(ctx, refreshToken)
}

// ChangePassword implements spec §4.6's change_password: no new
// tokens are issued; the client re-authenticates.
func (s *Service) ChangePassword(ctx context.Context, userID uuid.UUID, currentPassword, newPassword string) error {
	user, ok, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errkind.New(errkind.NotFound, "USER_NOT_FOUND", "user not found")
	}
	if err := s.hasher.Compare(user.PasswordHash, currentPassword); err != nil {
		return errkind.New(errkind.Unauthenticated, "CHANGE_PASSWORD_INVALID_CURRENT", "current password is incorrect")
	}
	if err := validatePassword(newPassword, 8, 128); err != nil {
		return err
	}
	hash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return errkind.Wrap(errkind.Fatal, "CHANGE_PASSWORD_HASH_FAILED", "failed to hash new password", err)
	}
	if err := s.users.UpdatePasswordHash(ctx, userID, hash); err != nil {
		return err
	}
	if err := s.rev.RevokeUser(ctx, userID.String(), revocation.ReasonPasswordChanged, revocation.RevokeOpts{}); err != nil {
		return err
	}
	if err := s.sessions.DeleteUserSessions(ctx, userID.String()); err != nil {
		return err
	}
	s.audit.Log(ctx, "auth.change_password", audit.LogParams{ActorID: userID.String()})
	return nil
}

// ValidateSessionResult is spec §4.6's validate_session output.
type ValidateSessionResult struct {
	Valid   bool
	User    User
	Session session.Record
}

// ValidateSession wraps C3.validate plus an identity fetch.
func (s *Service) ValidateSession(ctx context.Context, sessionID string) (ValidateSessionResult, error) {
	rec, valid, err := s.sessions.Validate(ctx, sessionID)
	if err != nil {
		return ValidateSessionResult{}, err
	}
	if !valid {
		return ValidateSessionResult{Valid: false}, nil
	}
	userID, err := uuid.Parse(rec.UserID)
	if err != nil {
		return ValidateSessionResult{Valid: false}, nil
	}
	user, ok, err := s.users.FindByID(ctx, userID)
	if err != nil || !ok {
		return ValidateSessionResult{Valid: false}, err
	}
	return ValidateSessionResult{Valid: true, User: user, Session: rec}, nil
}

// AssignRole implements spec §4.1/§4.2's assignment contract:
// mutate the user record and invalidate the user's C2 entry.
func (s *Service) AssignRole(ctx context.Context, userID uuid.UUID, roleID, by string) error {
	if err := s.users.UpdateRole(ctx, userID, roleID, s.clock.Now()); err != nil {
		return err
	}
	if err := s.engine.InvalidateUser(ctx, userID.String()); err != nil {
		return err
	}
	s.audit.Log(ctx, "auth.role_assigned", audit.LogParams{ActorID: by, TargetID: userID.String(), Metadata: map[string]interface{}{"role_id": roleID}})
	return nil
}

// RevokeRole mutates the user record to the fallback role, invalidates
// C2, and deletes the user's sessions. Access tokens already issued are
// not revoked and keep their previous role claim until they expire.
func (s *Service) RevokeRole(ctx context.Context, userID uuid.UUID, fallbackRoleID, by string) error {
	if err := s.users.UpdateRole(ctx, userID, fallbackRoleID, s.clock.Now()); err != nil {
		return err
	}
	if err := s.engine.InvalidateUser(ctx, userID.String()); err != nil {
		return err
	}
	if err := s.sessions.DeleteUserSessions(ctx, userID.String()); err != nil {
		return err
	}
	s.audit.Log(ctx, "auth.role_revoked", audit.LogParams{ActorID: by, TargetID: userID.String(), Metadata: map[string]interface{}{"fallback_role_id": fallbackRoleID}})
	return nil
}

// GetPermissions implements spec §6's get_user_permissions: the
// user's authoritative, C2-backed role chain and merged permission
// set.
func (s *Service) GetPermissions(ctx context.Context, userID uuid.UUID) ([]string, []permission.Permission, error) {
	user, ok, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, errkind.New(errkind.NotFound, "USER_NOT_FOUND", "user not found")
	}
	return s.engine.GetUserPermissions(ctx, user.ID.String(), user.RoleID)
}

// CheckPermissions implements spec §6's check_batch: bounded-
// concurrency evaluation of multiple (resource, action) pairs against
// a single user's authoritative permission set.
func (s *Service) CheckPermissions(ctx context.Context, userID uuid.UUID, checks []permission.Check, reqCtx map[string]any) (map[string]permission.Decision, error) {
	user, ok, err := s.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errkind.New(errkind.NotFound, "USER_NOT_FOUND", "user not found")
	}
	return s.engine.CheckBatch(ctx, user.ID.String(), user.RoleID, checks, reqCtx, 0)
}

// normalizeEmail implements spec §4.6's input validation: <=254
// chars, lower-cased, trimmed, stripped of <>"'&, and RFC-5322
// subset validated.
func normalizeEmail(raw string) (string, error) {
	e := strings.TrimSpace(strings.ToLower(raw))
	e = strings.NewReplacer("<", "", ">", "", `"`, "", "'", "", "&", "").Replace(e)
	if len(e) == 0 || len(e) > 254 {
		return "", fmt.Errorf("email length out of bounds")
	}
	if _, err := mail.ParseAddress(e); err != nil {
		return "", fmt.Errorf("malformed email: %w", err)
	}
	return e, nil
}

// validatePassword is the hand-rolled password-length policy
// primitive spec §6 calls "external" (hash/verify); the pack carries
// no password-strength library (see DESIGN.md), so only the length
// bound spec §4.6 names directly is enforced here.
func validatePassword(password string, min, max int) error {
	if len(password) < min || len(password) > max {
		return errkind.New(errkind.InvalidInput, "INVALID_PASSWORD_LENGTH", fmt.Sprintf("password must be between %d and %d characters", min, max))
	}
	return nil
}
