package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/coreauth/authcore/internal/errkind"
	"github.com/coreauth/authcore/internal/relational"
)

const usersTable = "users"

// Status is a user account's lifecycle state (spec §3).
type Status string

const (
	StatusActive    Status = "active"
	StatusInactive  Status = "inactive"
	StatusSuspended Status = "suspended"
	StatusPending   Status = "pending"
	StatusLocked    Status = "locked"
)

// User is the spec §3 User entity, stripped of the teacher's
// per-tenant fields. RoleAssignedAt/RoleRevokedAt/RoleExpiresAt track
// the lifecycle of the user's current role assignment so Login can
// reject access through a role that has been explicitly revoked or
// has expired, independent of the account's own Status.
type User struct {
	ID             uuid.UUID
	Email          string
	PasswordHash   string
	RoleID         string
	Status         Status
	CreatedAt      time.Time
	RoleAssignedAt *time.Time
	RoleRevokedAt  *time.Time
	RoleExpiresAt  *time.Time
}

// RoleActive reports whether the user's current role grant is usable:
// not explicitly revoked and not past its expiry, evaluated against
// now (spec §8's role_revoked_at/role_expires_at login scenario).
func (u User) RoleActive(now time.Time) bool {
	if u.RoleRevokedAt != nil && !u.RoleRevokedAt.After(now) {
		return false
	}
	if u.RoleExpiresAt != nil && !u.RoleExpiresAt.After(now) {
		return false
	}
	return true
}

// UserRepository is C6's user storage, built directly on
// internal/relational.Store the way the teacher's sqlc-generated
// db.Queries wrapped pgx — but against the narrower Row-based
// capability surface, since the retrieved pack carries no sqlc
// output for this schema (see DESIGN.md).
type UserRepository struct {
	store relational.Store
}

// NewUserRepository constructs a user repository over a relational
// store.
func NewUserRepository(store relational.Store) *UserRepository {
	return &UserRepository{store: store}
}

func (r *UserRepository) FindByEmail(ctx context.Context, email string) (User, bool, error) {
	rows, err := r.store.FindByIndex(ctx, usersTable, "email", email)
	if err != nil {
		return User{}, false, errkind.Wrap(errkind.Transient, "USER_LOOKUP_FAILED", "failed to look up user by email", err)
	}
	if len(rows) == 0 {
		return User{}, false, nil
	}
	return rowToUser(rows[0]), true, nil
}

func (r *UserRepository) FindByID(ctx context.Context, id uuid.UUID) (User, bool, error) {
	row, ok, err := r.store.FindByID(ctx, usersTable, "id", id.String())
	if err != nil {
		return User{}, false, errkind.Wrap(errkind.Transient, "USER_LOOKUP_FAILED", "failed to look up user by id", err)
	}
	if !ok {
		return User{}, false, nil
	}
	return rowToUser(row), true, nil
}

func (r *UserRepository) Create(ctx context.Context, u User) error {
	row := relational.Row{
		"id": u.ID.String(), "email": u.Email, "password_hash": u.PasswordHash,
		"role_id": u.RoleID, "status": string(u.Status), "created_at": u.CreatedAt,
		"role_assigned_at": u.RoleAssignedAt, "role_revoked_at": u.RoleRevokedAt, "role_expires_at": u.RoleExpiresAt,
	}
	if err := r.store.Insert(ctx, usersTable, row); err != nil {
		return errkind.Wrap(errkind.Transient, "USER_CREATE_FAILED", "failed to create user", err)
	}
	return nil
}

func (r *UserRepository) UpdatePasswordHash(ctx context.Context, id uuid.UUID, hash string) error {
	if err := r.store.UpdateByID(ctx, usersTable, "id", id.String(), relational.Row{"password_hash": hash}); err != nil {
		return errkind.Wrap(errkind.Transient, "USER_UPDATE_FAILED", "failed to update password hash", err)
	}
	return nil
}

// UpdateRole assigns a new role, stamping its assignment time and
// clearing any prior revocation/expiry so the fresh grant starts
// active (spec §4.1/§4.2 assign_role). assignedAt comes from the
// caller's clock.Clock rather than time.Now() so orchestrator tests
// can assert against a fake clock.
func (r *UserRepository) UpdateRole(ctx context.Context, id uuid.UUID, roleID string, assignedAt time.Time) error {
	if err := r.store.UpdateByID(ctx, usersTable, "id", id.String(), relational.Row{
		"role_id": roleID, "role_assigned_at": assignedAt, "role_revoked_at": nil, "role_expires_at": nil,
	}); err != nil {
		return errkind.Wrap(errkind.Transient, "USER_UPDATE_FAILED", "failed to update user role", err)
	}
	return nil
}

// SetRoleRevokedAt marks the user's current role grant revoked as of
// revokedAt, without changing role_id itself — RevokeRole in orchestrator.go
// swaps role_id to the fallback role separately via UpdateRole, but
// SetRoleRevokedAt exists for callers that need to mark a grant
// revoked without replacing it (e.g. an expiry sweep).
func (r *UserRepository) SetRoleRevokedAt(ctx context.Context, id uuid.UUID, revokedAt time.Time) error {
	if err := r.store.UpdateByID(ctx, usersTable, "id", id.String(), relational.Row{"role_revoked_at": revokedAt}); err != nil {
		return errkind.Wrap(errkind.Transient, "USER_UPDATE_FAILED", "failed to update role revocation timestamp", err)
	}
	return nil
}

func rowToUser(row relational.Row) User {
	u := User{
		Email:  str(row["email"]),
		RoleID: str(row["role_id"]),
		Status: Status(str(row["status"])),
	}
	if id, err := uuid.Parse(str(row["id"])); err == nil {
		u.ID = id
	}
	if h, ok := row["password_hash"].(string); ok {
		u.PasswordHash = h
	}
	if t, ok := row["created_at"].(time.Time); ok {
		u.CreatedAt = t
	}
	u.RoleAssignedAt = nullableTime(row["role_assigned_at"])
	u.RoleRevokedAt = nullableTime(row["role_revoked_at"])
	u.RoleExpiresAt = nullableTime(row["role_expires_at"])
	return u
}

// nullableTime decodes a nullable timestamp column, tolerating the
// memory store's *time.Time round-trip alongside pgx's time.Time.
func nullableTime(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	default:
		return nil
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
