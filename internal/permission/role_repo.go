package permission

import (
	"context"
	"encoding/json"

	"github.com/coreauth/authcore/internal/errkind"
	"github.com/coreauth/authcore/internal/relational"
)

const rolesTable = "roles"

// StoreRoleRepository is the production RoleRepository, built
// directly on internal/relational.Store the same way
// internal/auth.UserRepository is — permissions and parent-role ids
// are stored as JSON columns on a flat roles table, since the pack
// carries no sqlc schema for role inheritance to generalize from.
type StoreRoleRepository struct {
	store relational.Store
}

func NewStoreRoleRepository(store relational.Store) *StoreRoleRepository {
	return &StoreRoleRepository{store: store}
}

func (r *StoreRoleRepository) GetRole(ctx context.Context, roleID string) (RoleDef, bool, error) {
	row, ok, err := r.store.FindByID(ctx, rolesTable, "id", roleID)
	if err != nil {
		return RoleDef{}, false, errkind.Wrap(errkind.Transient, "ROLE_LOOKUP_FAILED", "failed to look up role", err)
	}
	if !ok {
		return RoleDef{}, false, nil
	}
	return rowToRoleDef(row)
}

// PutRole upserts a role definition, used by provisioning/seeding and
// by the admin role-management surface.
func (r *StoreRoleRepository) PutRole(ctx context.Context, def RoleDef) error {
	parents, err := json.Marshal(def.Parents)
	if err != nil {
		return errkind.Wrap(errkind.InvalidInput, "ROLE_ENCODE_FAILED", "failed to encode role parents", err)
	}
	perms, err := json.Marshal(def.Permissions)
	if err != nil {
		return errkind.Wrap(errkind.InvalidInput, "ROLE_ENCODE_FAILED", "failed to encode role permissions", err)
	}
	row := relational.Row{"id": def.ID, "parents": string(parents), "permissions": string(perms)}

	if _, ok, err := r.store.FindByID(ctx, rolesTable, "id", def.ID); err != nil {
		return errkind.Wrap(errkind.Transient, "ROLE_LOOKUP_FAILED", "failed to look up role", err)
	} else if ok {
		if err := r.store.UpdateByID(ctx, rolesTable, "id", def.ID, relational.Row{"parents": string(parents), "permissions": string(perms)}); err != nil {
			return errkind.Wrap(errkind.Transient, "ROLE_UPDATE_FAILED", "failed to update role", err)
		}
		return nil
	}
	if err := r.store.Insert(ctx, rolesTable, row); err != nil {
		return errkind.Wrap(errkind.Transient, "ROLE_CREATE_FAILED", "failed to create role", err)
	}
	return nil
}

func rowToRoleDef(row relational.Row) (RoleDef, bool, error) {
	def := RoleDef{}
	if id, ok := row["id"].(string); ok {
		def.ID = id
	}
	if raw, ok := row["parents"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &def.Parents); err != nil {
			return RoleDef{}, false, errkind.Wrap(errkind.Fatal, "ROLE_DECODE_FAILED", "failed to decode role parents", err)
		}
	}
	if raw, ok := row["permissions"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &def.Permissions); err != nil {
			return RoleDef{}, false, errkind.Wrap(errkind.Fatal, "ROLE_DECODE_FAILED", "failed to decode role permissions", err)
		}
	}
	return def, true, nil
}
