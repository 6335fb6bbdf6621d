package rbac

import (
	"context"
	"fmt"
	"strings"

	"github.com/aegis-iam/aegis/internal/audit"
	"github.com/aegis-iam/aegis/internal/platform/httpx"
)

// RolesRepository defines the persistence operations role management needs.
type RolesRepository interface {
	CreateRoleWithPermissions(ctx context.Context, name, description string, permissionIDs []int64) (Role, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	EnsureRole(ctx context.Context, name, description string, isSystem bool) (Role, error)
	ListRoles(ctx context.Context) ([]RoleSummary, error)
	UpdateRole(ctx context.Context, id int64, name, description string, isActive bool) (Role, error)
	DeleteRoleIfUnassigned(ctx context.Context, id int64) (activeCount int64, deleted bool, err error)
	ListRolePermissions(ctx context.Context, roleID int64) ([]Permission, error)
	AttachPermissions(ctx context.Context, roleID int64, permissionIDs []int64) (int64, error)
	DetachPermissions(ctx context.Context, roleID int64, permissionIDs []int64) (int64, error)
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
}

// Roles manages role bundles and their permission links.
type Roles struct {
	repo     RolesRepository
	recorder *audit.Recorder
}

// NewRoles constructs a Roles service.
func NewRoles(repo RolesRepository, recorder *audit.Recorder) *Roles {
	return &Roles{repo: repo, recorder: recorder}
}

// Create inserts a role together with its permission links. The role row and
// links commit atomically so a link failure cannot leave an orphan role.
func (s *Roles) Create(ctx context.Context, actorID int64, name, description string, permissionIDs []int64) (RoleDetail, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return RoleDetail{}, fmt.Errorf("rbac: role name required: %w", httpx.ErrValidation)
	}

	role, err := s.repo.CreateRoleWithPermissions(ctx, name, strings.TrimSpace(description), permissionIDs)
	if err != nil {
		if httpx.IsUniqueViolation(err, "") {
			return RoleDetail{}, fmt.Errorf("rbac: role %q already exists: %w", name, httpx.ErrConflict)
		}
		if httpx.IsForeignKeyViolation(err) {
			return RoleDetail{}, fmt.Errorf("rbac: unknown permission id in bundle: %w", httpx.ErrNotFound)
		}
		return RoleDetail{}, err
	}

	perms, err := s.repo.ListRolePermissions(ctx, role.ID)
	if err != nil {
		return RoleDetail{}, err
	}
	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     actorID,
		Action:     audit.ActionRoleCreated,
		Resource:   "role",
		ResourceID: role.Name,
		Details:    map[string]any{"permissions": len(perms)},
	})
	return RoleDetail{Role: role, Permissions: perms}, nil
}

// List returns all roles with permission counts.
func (s *Roles) List(ctx context.Context) ([]RoleSummary, error) {
	return s.repo.ListRoles(ctx)
}

// Get fetches a role with its full permission bundle.
func (s *Roles) Get(ctx context.Context, id int64) (RoleDetail, error) {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return RoleDetail{}, err
	}
	perms, err := s.repo.ListRolePermissions(ctx, id)
	if err != nil {
		return RoleDetail{}, err
	}
	return RoleDetail{Role: role, Permissions: perms}, nil
}

// UpdateParams carries optional role mutations. Nil fields are left unchanged.
type UpdateParams struct {
	Name        *string
	Description *string
	IsActive    *bool
}

// Update mutates a role. System roles reject every mutation, harmless or not;
// the rule is blanket, not field-level.
func (s *Roles) Update(ctx context.Context, actorID, id int64, params UpdateParams) (Role, error) {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return Role{}, err
	}
	if role.IsSystem {
		return Role{}, fmt.Errorf("rbac: system role %q cannot be modified: %w", role.Name, httpx.ErrForbidden)
	}

	name := role.Name
	if params.Name != nil {
		name = strings.TrimSpace(*params.Name)
		if name == "" {
			return Role{}, fmt.Errorf("rbac: role name required: %w", httpx.ErrValidation)
		}
	}
	description := role.Description
	if params.Description != nil {
		description = strings.TrimSpace(*params.Description)
	}
	isActive := role.IsActive
	if params.IsActive != nil {
		isActive = *params.IsActive
	}

	updated, err := s.repo.UpdateRole(ctx, id, name, description, isActive)
	if err != nil {
		if httpx.IsUniqueViolation(err, "") {
			return Role{}, fmt.Errorf("rbac: role %q already exists: %w", name, httpx.ErrConflict)
		}
		return Role{}, err
	}

	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     actorID,
		Action:     audit.ActionRoleUpdated,
		Resource:   "role",
		ResourceID: updated.Name,
	})
	return updated, nil
}

// Delete removes a role. System roles are protected regardless of caller
// privilege; a role with live assignments conflicts, reporting the count.
// Inactive and expired assignments do not block deletion.
func (s *Roles) Delete(ctx context.Context, actorID, id int64) error {
	role, err := s.repo.GetRole(ctx, id)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return fmt.Errorf("rbac: system role %q cannot be deleted: %w", role.Name, httpx.ErrForbidden)
	}

	activeCount, deleted, err := s.repo.DeleteRoleIfUnassigned(ctx, id)
	if err != nil {
		return err
	}
	if activeCount > 0 {
		return fmt.Errorf("rbac: role %q has %d active assignments: %w", role.Name, activeCount, httpx.ErrConflict)
	}
	if !deleted {
		return fmt.Errorf("rbac: role %d: %w", id, httpx.ErrNotFound)
	}

	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     actorID,
		Action:     audit.ActionRoleDeleted,
		Resource:   "role",
		ResourceID: role.Name,
	})
	return nil
}

// AssignPermissions links permissions to a role. Idempotent: links that
// already exist are reported, not errored.
func (s *Roles) AssignPermissions(ctx context.Context, actorID, roleID int64, permissionIDs []int64) (added int64, err error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return 0, err
	}
	added, err = s.repo.AttachPermissions(ctx, roleID, permissionIDs)
	if err != nil {
		if httpx.IsForeignKeyViolation(err) {
			return added, fmt.Errorf("rbac: unknown permission id: %w", httpx.ErrNotFound)
		}
		return added, err
	}
	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     actorID,
		Action:     audit.ActionRoleUpdated,
		Resource:   "role",
		ResourceID: fmt.Sprintf("%d", roleID),
		Details:    map[string]any{"permissions_added": added},
	})
	return added, nil
}

// RemovePermissions unlinks permissions from a role. Best-effort set
// subtraction: ids that were never linked are skipped silently.
func (s *Roles) RemovePermissions(ctx context.Context, actorID, roleID int64, permissionIDs []int64) (removed int64, err error) {
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return 0, err
	}
	removed, err = s.repo.DetachPermissions(ctx, roleID, permissionIDs)
	if err != nil {
		return removed, err
	}
	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     actorID,
		Action:     audit.ActionRoleUpdated,
		Resource:   "role",
		ResourceID: fmt.Sprintf("%d", roleID),
		Details:    map[string]any{"permissions_removed": removed},
	})
	return removed, nil
}

// EnsureSystemRoles seeds the built-in roles and their bundles at boot.
func (s *Roles) EnsureSystemRoles(ctx context.Context) error {
	for _, spec := range SystemRoles() {
		role, err := s.repo.EnsureRole(ctx, spec.Name, spec.Description, true)
		if err != nil {
			return fmt.Errorf("rbac: seed role %q: %w", spec.Name, err)
		}
		permIDs := make([]int64, 0, len(spec.Permissions))
		for _, permName := range spec.Permissions {
			perm, err := s.repo.GetPermissionByName(ctx, permName)
			if err != nil {
				return fmt.Errorf("rbac: seed role %q: %w", spec.Name, err)
			}
			permIDs = append(permIDs, perm.ID)
		}
		if len(permIDs) > 0 {
			if _, err := s.repo.AttachPermissions(ctx, role.ID, permIDs); err != nil {
				return fmt.Errorf("rbac: seed role %q links: %w", spec.Name, err)
			}
		}
	}
	return nil
}
