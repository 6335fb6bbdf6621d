package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis-iam/aegis/internal/platform/db"
	"github.com/aegis-iam/aegis/internal/platform/httpx"
)

// Repository provides PostgreSQL backed persistence for the rbac package.
// Catalog and role queries live here; user-facing assignment, override and
// resolution queries live in repo_users.sql.go.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const permissionColumns = `id, name, resource, action, COALESCE(description, ''), conditions, created_at`

func scanPermission(row pgx.Row) (Permission, error) {
	var perm Permission
	var conditionsJSON []byte
	if err := row.Scan(&perm.ID, &perm.Name, &perm.Resource, &perm.Action, &perm.Description, &conditionsJSON, &perm.CreatedAt); err != nil {
		return Permission{}, err
	}
	if len(conditionsJSON) > 0 {
		if err := json.Unmarshal(conditionsJSON, &perm.Conditions); err != nil {
			return Permission{}, fmt.Errorf("rbac: decode conditions: %w", err)
		}
	}
	return perm, nil
}

// CreatePermission inserts a catalog entry.
func (r *Repository) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	conditionsJSON, err := marshalConditions(perm.Conditions)
	if err != nil {
		return Permission{}, err
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (name, resource, action, description, conditions)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5)
		RETURNING `+permissionColumns,
		perm.Name, perm.Resource, perm.Action, perm.Description, conditionsJSON)
	return scanPermission(row)
}

// UpsertPermission inserts a catalog entry or refreshes its description.
// Used by seeding; it never deletes or renames.
func (r *Repository) UpsertPermission(ctx context.Context, perm Permission) (Permission, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO permissions (name, resource, action, description)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
		RETURNING `+permissionColumns,
		perm.Name, perm.Resource, perm.Action, perm.Description)
	return scanPermission(row)
}

// GetPermission fetches a permission by id.
func (r *Repository) GetPermission(ctx context.Context, id int64) (Permission, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE id = $1`, id)
	perm, err := scanPermission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, fmt.Errorf("rbac: permission %d: %w", id, httpx.ErrNotFound)
	}
	return perm, err
}

// GetPermissionByName fetches a permission by its unique name.
func (r *Repository) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+permissionColumns+` FROM permissions WHERE name = $1`, name)
	perm, err := scanPermission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, fmt.Errorf("rbac: permission %q: %w", name, httpx.ErrNotFound)
	}
	return perm, err
}

// FindByResourceAndAction returns the first permission matching the pair.
// resource+action is a natural key but not DB-enforced; the lowest id wins.
func (r *Repository) FindByResourceAndAction(ctx context.Context, resource, action string) (Permission, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+permissionColumns+` FROM permissions
		WHERE resource = $1 AND action = $2
		ORDER BY id LIMIT 1`, resource, action)
	perm, err := scanPermission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, fmt.Errorf("rbac: permission %s:%s: %w", resource, action, httpx.ErrNotFound)
	}
	return perm, err
}

// ListPermissions returns the catalog, optionally filtered by resource.
func (r *Repository) ListPermissions(ctx context.Context, resource string) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+permissionColumns+` FROM permissions
		WHERE ($1 = '' OR resource = $1)
		ORDER BY resource, action`, resource)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

// UniqueResources returns the distinct resources in the catalog.
func (r *Repository) UniqueResources(ctx context.Context) ([]string, error) {
	return r.listDistinct(ctx, `SELECT DISTINCT resource FROM permissions ORDER BY resource`)
}

// UniqueActions returns the distinct actions in the catalog.
func (r *Repository) UniqueActions(ctx context.Context) ([]string, error) {
	return r.listDistinct(ctx, `SELECT DISTINCT action FROM permissions ORDER BY action`)
}

func (r *Repository) listDistinct(ctx context.Context, query string) ([]string, error) {
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

// UpdatePermission edits description and conditions of a catalog entry.
func (r *Repository) UpdatePermission(ctx context.Context, id int64, description string, conditions map[string]any) (Permission, error) {
	conditionsJSON, err := marshalConditions(conditions)
	if err != nil {
		return Permission{}, err
	}
	row := r.pool.QueryRow(ctx, `
		UPDATE permissions SET description = NULLIF($2, ''), conditions = $3
		WHERE id = $1
		RETURNING `+permissionColumns,
		id, description, conditionsJSON)
	perm, err := scanPermission(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Permission{}, fmt.Errorf("rbac: permission %d: %w", id, httpx.ErrNotFound)
	}
	return perm, err
}

// DeletePermissionIfUnreferenced deletes a catalog entry inside a transaction
// that re-checks references, so a link created between check and delete cannot
// orphan a grant. Returns the reference count observed in the transaction.
func (r *Repository) DeletePermissionIfUnreferenced(ctx context.Context, id int64) (refs int64, deleted bool, err error) {
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			SELECT (SELECT COUNT(*) FROM role_permissions WHERE permission_id = $1)
			     + (SELECT COUNT(*) FROM user_permissions WHERE permission_id = $1)`, id).Scan(&refs); err != nil {
			return err
		}
		if refs > 0 {
			return nil
		}
		tag, err := tx.Exec(ctx, `DELETE FROM permissions WHERE id = $1`, id)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	return refs, deleted, err
}

const roleColumns = `id, name, COALESCE(description, ''), is_system, is_active, created_at, updated_at`

func scanRole(row pgx.Row) (Role, error) {
	var role Role
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.IsActive, &role.CreatedAt, &role.UpdatedAt)
	return role, err
}

// CreateRoleWithPermissions inserts a role and its permission links in one
// transaction so a partial failure leaves no orphan role behind.
func (r *Repository) CreateRoleWithPermissions(ctx context.Context, name, description string, permissionIDs []int64) (Role, error) {
	var role Role
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO roles (name, description, is_system, is_active)
			VALUES ($1, NULLIF($2, ''), FALSE, TRUE)
			RETURNING `+roleColumns, name, description)
		created, err := scanRole(row)
		if err != nil {
			return err
		}
		for _, permID := range permissionIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO role_permissions (role_id, permission_id)
				VALUES ($1, $2) ON CONFLICT DO NOTHING`, created.ID, permID); err != nil {
				return err
			}
		}
		role = created
		return nil
	})
	return role, err
}

// GetRole fetches a role by id.
func (r *Repository) GetRole(ctx context.Context, id int64) (Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE id = $1`, id)
	role, err := scanRole(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, fmt.Errorf("rbac: role %d: %w", id, httpx.ErrNotFound)
	}
	return role, err
}

// GetRoleByName fetches a role by its unique name.
func (r *Repository) GetRoleByName(ctx context.Context, name string) (Role, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+roleColumns+` FROM roles WHERE name = $1`, name)
	role, err := scanRole(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, fmt.Errorf("rbac: role %q: %w", name, httpx.ErrNotFound)
	}
	return role, err
}

// EnsureRole upserts a role by name. Used by seeding.
func (r *Repository) EnsureRole(ctx context.Context, name, description string, isSystem bool) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO roles (name, description, is_system, is_active)
		VALUES ($1, NULLIF($2, ''), $3, TRUE)
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description, is_system = EXCLUDED.is_system
		RETURNING `+roleColumns, name, description, isSystem)
	return scanRole(row)
}

// ListRoles returns all roles with their permission counts, ordered by name.
func (r *Repository) ListRoles(ctx context.Context) ([]RoleSummary, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT r.id, r.name, COALESCE(r.description, ''), r.is_system, r.is_active, r.created_at, r.updated_at,
		       COUNT(rp.permission_id)
		FROM roles r
		LEFT JOIN role_permissions rp ON rp.role_id = r.id
		GROUP BY r.id
		ORDER BY r.name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []RoleSummary
	for rows.Next() {
		var role RoleSummary
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.IsSystem, &role.IsActive,
			&role.CreatedAt, &role.UpdatedAt, &role.PermissionCount); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// UpdateRole updates name, description and active flag.
func (r *Repository) UpdateRole(ctx context.Context, id int64, name, description string, isActive bool) (Role, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE roles SET name = $2, description = NULLIF($3, ''), is_active = $4, updated_at = NOW()
		WHERE id = $1
		RETURNING `+roleColumns, id, name, description, isActive)
	role, err := scanRole(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Role{}, fmt.Errorf("rbac: role %d: %w", id, httpx.ErrNotFound)
	}
	return role, err
}

// DeleteRoleIfUnassigned deletes a role inside a transaction that counts live
// assignments first, closing the check-then-delete race. When activeCount is
// non-zero the role is left untouched.
func (r *Repository) DeleteRoleIfUnassigned(ctx context.Context, id int64) (activeCount int64, deleted bool, err error) {
	err = db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			SELECT COUNT(*) FROM user_roles
			WHERE role_id = $1 AND is_active = TRUE
			  AND (expires_at IS NULL OR expires_at > NOW())`, id).Scan(&activeCount); err != nil {
			return err
		}
		if activeCount > 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, id); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM user_roles WHERE role_id = $1`, id); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM roles WHERE id = $1`, id)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected() > 0
		return nil
	})
	return activeCount, deleted, err
}

// ListRolePermissions returns a role's permission bundle.
func (r *Repository) ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.name, p.resource, p.action, COALESCE(p.description, ''), p.conditions, p.created_at
		FROM permissions p
		JOIN role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1
		ORDER BY p.resource, p.action`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, err
		}
		perms = append(perms, perm)
	}
	return perms, rows.Err()
}

// AttachPermissions links permissions to a role, skipping links that already
// exist. Returns the number of links actually added.
func (r *Repository) AttachPermissions(ctx context.Context, roleID int64, permissionIDs []int64) (int64, error) {
	var added int64
	for _, permID := range permissionIDs {
		tag, err := r.pool.Exec(ctx, `
			INSERT INTO role_permissions (role_id, permission_id)
			VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, permID)
		if err != nil {
			return added, err
		}
		added += tag.RowsAffected()
	}
	return added, nil
}

// DetachPermissions removes permission links from a role. Ids that were never
// linked are skipped without error.
func (r *Repository) DetachPermissions(ctx context.Context, roleID int64, permissionIDs []int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM role_permissions
		WHERE role_id = $1 AND permission_id = ANY($2)`, roleID, permissionIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func marshalConditions(conditions map[string]any) ([]byte, error) {
	if conditions == nil {
		return nil, nil
	}
	data, err := json.Marshal(conditions)
	if err != nil {
		return nil, fmt.Errorf("rbac: marshal conditions: %w", err)
	}
	return data, nil
}
