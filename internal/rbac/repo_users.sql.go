package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aegis-iam/aegis/internal/platform/db"
)

// liveAssignment is pasted into WHERE clauses that must only see live rows.
const liveAssignment = `is_active = TRUE AND (expires_at IS NULL OR expires_at > NOW())`

// UserExists reports whether a user row exists.
func (r *Repository) UserExists(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists)
	return exists, err
}

// UpsertUserRole assigns a role to a user. An existing (user, role) row is
// reactivated with refreshed attribution instead of duplicated.
func (r *Repository) UpsertUserRole(ctx context.Context, userID, roleID int64, assignedBy *int64, expiresAt *time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_roles (user_id, role_id, assigned_by, assigned_at, expires_at, is_active)
		VALUES ($1, $2, $3, NOW(), $4, TRUE)
		ON CONFLICT (user_id, role_id) DO UPDATE
		SET is_active = TRUE, assigned_by = EXCLUDED.assigned_by,
		    assigned_at = EXCLUDED.assigned_at, expires_at = EXCLUDED.expires_at`,
		userID, roleID, assignedBy, expiresAt)
	return err
}

// DeactivateUserRole soft-revokes an assignment, preserving its history.
func (r *Repository) DeactivateUserRole(ctx context.Context, userID, roleID int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE user_roles SET is_active = FALSE
		WHERE user_id = $1 AND role_id = $2`, userID, roleID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ReplaceUserRoles deletes every assignment for the user and inserts fresh
// rows for roleIDs, all in one transaction. A destructive replace, not a diff.
func (r *Repository) ReplaceUserRoles(ctx context.Context, userID int64, roleIDs []int64, assignedBy *int64) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE user_id = $1`, userID); err != nil {
			return err
		}
		for _, roleID := range roleIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO user_roles (user_id, role_id, assigned_by, assigned_at, is_active)
				VALUES ($1, $2, $3, NOW(), TRUE)`, userID, roleID, assignedBy); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListUserRoles returns a user's live role assignments with role names.
func (r *Repository) ListUserRoles(ctx context.Context, userID int64) ([]UserRoleAssignment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ur.id, ur.user_id, ur.role_id, ro.name, ur.assigned_by, ur.assigned_at, ur.expires_at, ur.is_active
		FROM user_roles ur
		JOIN roles ro ON ro.id = ur.role_id
		WHERE ur.user_id = $1 AND ur.`+liveAssignment+` AND ro.is_active = TRUE
		ORDER BY ro.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assignments []UserRoleAssignment
	for rows.Next() {
		var a UserRoleAssignment
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.RoleName, &a.AssignedBy, &a.AssignedAt, &a.ExpiresAt, &a.IsActive); err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

// ListLiveRoleNames returns the names of roles the user holds through live
// assignments.
func (r *Repository) ListLiveRoleNames(ctx context.Context, userID int64) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT ro.name
		FROM user_roles ur
		JOIN roles ro ON ro.id = ur.role_id
		WHERE ur.user_id = $1 AND ur.`+liveAssignment+` AND ro.is_active = TRUE
		ORDER BY ro.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// UpsertUserPermission grants or denies a permission directly to a user. An
// existing (user, permission) row is replaced wholesale.
func (r *Repository) UpsertUserPermission(ctx context.Context, o UserPermissionOverride) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_permissions (user_id, permission_id, granted, assigned_by, assigned_at, expires_at, reason)
		VALUES ($1, $2, $3, $4, NOW(), $5, NULLIF($6, ''))
		ON CONFLICT (user_id, permission_id) DO UPDATE
		SET granted = EXCLUDED.granted, assigned_by = EXCLUDED.assigned_by,
		    assigned_at = EXCLUDED.assigned_at, expires_at = EXCLUDED.expires_at,
		    reason = EXCLUDED.reason`,
		o.UserID, o.PermissionID, o.Granted, o.AssignedBy, o.ExpiresAt, o.Reason)
	return err
}

// DeleteUserPermission removes an override row entirely, restoring
// role-derived status for the permission.
func (r *Repository) DeleteUserPermission(ctx context.Context, userID, permissionID int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM user_permissions WHERE user_id = $1 AND permission_id = $2`, userID, permissionID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeleteAllUserPermissions removes every override for a user.
func (r *Repository) DeleteAllUserPermissions(ctx context.Context, userID int64) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_permissions WHERE user_id = $1`, userID)
	return err
}

const overrideColumns = `up.id, up.user_id, up.permission_id, p.name, up.granted, up.assigned_by, up.assigned_at, up.expires_at, COALESCE(up.reason, '')`

// ListLiveOverrides returns a user's live direct overrides with permission names.
func (r *Repository) ListLiveOverrides(ctx context.Context, userID int64) ([]UserPermissionOverride, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+overrideColumns+`
		FROM user_permissions up
		JOIN permissions p ON p.id = up.permission_id
		WHERE up.user_id = $1 AND (up.expires_at IS NULL OR up.expires_at > NOW())
		ORDER BY p.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var overrides []UserPermissionOverride
	for rows.Next() {
		var o UserPermissionOverride
		if err := rows.Scan(&o.ID, &o.UserID, &o.PermissionID, &o.PermissionName, &o.Granted,
			&o.AssignedBy, &o.AssignedAt, &o.ExpiresAt, &o.Reason); err != nil {
			return nil, err
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

// LiveOverrideByName returns the user's live override for a permission name,
// or nil when none exists.
func (r *Repository) LiveOverrideByName(ctx context.Context, userID int64, permissionName string) (*UserPermissionOverride, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+overrideColumns+`
		FROM user_permissions up
		JOIN permissions p ON p.id = up.permission_id
		WHERE up.user_id = $1 AND p.name = $2
		  AND (up.expires_at IS NULL OR up.expires_at > NOW())`, userID, permissionName)
	var o UserPermissionOverride
	err := row.Scan(&o.ID, &o.UserID, &o.PermissionID, &o.PermissionName, &o.Granted,
		&o.AssignedBy, &o.AssignedAt, &o.ExpiresAt, &o.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// RoleDerivedPermissions returns every permission reachable through the user's
// live role assignments, with role attribution.
func (r *Repository) RoleDerivedPermissions(ctx context.Context, userID int64) ([]roleGrant, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.name, ro.name
		FROM user_roles ur
		JOIN roles ro ON ro.id = ur.role_id
		JOIN role_permissions rp ON rp.role_id = ro.id
		JOIN permissions p ON p.id = rp.permission_id
		WHERE ur.user_id = $1 AND ur.`+liveAssignment+` AND ro.is_active = TRUE
		ORDER BY p.name, ro.name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var grants []roleGrant
	for rows.Next() {
		var g roleGrant
		if err := rows.Scan(&g.PermissionID, &g.PermissionName, &g.RoleName); err != nil {
			return nil, err
		}
		grants = append(grants, g)
	}
	return grants, rows.Err()
}

// HasLiveRoleGrant reports whether any live role assignment grants the named
// permission.
func (r *Repository) HasLiveRoleGrant(ctx context.Context, userID int64, permissionName string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM user_roles ur
			JOIN roles ro ON ro.id = ur.role_id
			JOIN role_permissions rp ON rp.role_id = ro.id
			JOIN permissions p ON p.id = rp.permission_id
			WHERE ur.user_id = $1 AND p.name = $2
			  AND ur.`+liveAssignment+` AND ro.is_active = TRUE
		)`, userID, permissionName).Scan(&exists)
	return exists, err
}

// SweepExpired deactivates role assignments past their expiry and deletes
// expired overrides. Resolution already ignores expired rows; the sweep keeps
// the tables tidy.
func (r *Repository) SweepExpired(ctx context.Context) (roles int64, overrides int64, err error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE user_roles SET is_active = FALSE
		WHERE is_active = TRUE AND expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, 0, fmt.Errorf("rbac: sweep role assignments: %w", err)
	}
	roles = tag.RowsAffected()

	tag, err = r.pool.Exec(ctx, `
		DELETE FROM user_permissions
		WHERE expires_at IS NOT NULL AND expires_at <= NOW()`)
	if err != nil {
		return roles, 0, fmt.Errorf("rbac: sweep overrides: %w", err)
	}
	return roles, tag.RowsAffected(), nil
}
