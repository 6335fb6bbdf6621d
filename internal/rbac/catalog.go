package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/aegis-iam/aegis/internal/audit"
	"github.com/aegis-iam/aegis/internal/platform/httpx"
)

// CatalogRepository defines the persistence operations the catalog needs.
type CatalogRepository interface {
	CreatePermission(ctx context.Context, perm Permission) (Permission, error)
	UpsertPermission(ctx context.Context, perm Permission) (Permission, error)
	GetPermission(ctx context.Context, id int64) (Permission, error)
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	FindByResourceAndAction(ctx context.Context, resource, action string) (Permission, error)
	ListPermissions(ctx context.Context, resource string) ([]Permission, error)
	UniqueResources(ctx context.Context) ([]string, error)
	UniqueActions(ctx context.Context) ([]string, error)
	UpdatePermission(ctx context.Context, id int64, description string, conditions map[string]any) (Permission, error)
	DeletePermissionIfUnreferenced(ctx context.Context, id int64) (refs int64, deleted bool, err error)
}

// Catalog manages the fixed vocabulary of permissions.
type Catalog struct {
	repo     CatalogRepository
	recorder *audit.Recorder
	logger   *slog.Logger
}

// NewCatalog constructs a Catalog service.
func NewCatalog(repo CatalogRepository, recorder *audit.Recorder, logger *slog.Logger) *Catalog {
	return &Catalog{repo: repo, recorder: recorder, logger: logger}
}

var permPartPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// CreateParams describes a new catalog entry.
type CreateParams struct {
	Name        string
	Resource    string
	Action      string
	Description string
	Conditions  map[string]any
}

// Create adds a permission to the catalog. Duplicate names conflict.
func (c *Catalog) Create(ctx context.Context, actorID int64, params CreateParams) (Permission, error) {
	resource := strings.TrimSpace(strings.ToLower(params.Resource))
	action := strings.TrimSpace(strings.ToLower(params.Action))
	if !permPartPattern.MatchString(resource) || !permPartPattern.MatchString(action) {
		return Permission{}, fmt.Errorf("rbac: resource and action must be lowercase identifiers: %w", httpx.ErrValidation)
	}
	name := strings.TrimSpace(params.Name)
	if name == "" {
		name = resource + ":" + action
	}
	if name != resource+":"+action {
		return Permission{}, fmt.Errorf("rbac: permission name %q must equal resource:action: %w", name, httpx.ErrValidation)
	}

	perm, err := c.repo.CreatePermission(ctx, Permission{
		Name:        name,
		Resource:    resource,
		Action:      action,
		Description: strings.TrimSpace(params.Description),
		Conditions:  params.Conditions,
	})
	if err != nil {
		if httpx.IsUniqueViolation(err, "") {
			return Permission{}, fmt.Errorf("rbac: permission %q already exists: %w", name, httpx.ErrConflict)
		}
		return Permission{}, err
	}

	c.recorder.LogEvent(ctx, audit.Event{
		UserID:     actorID,
		Action:     audit.ActionPermissionCreated,
		Resource:   "permission",
		ResourceID: perm.Name,
	})
	return perm, nil
}

// Get fetches a permission by id.
func (c *Catalog) Get(ctx context.Context, id int64) (Permission, error) {
	return c.repo.GetPermission(ctx, id)
}

// GetByName fetches a permission by its unique name.
func (c *Catalog) GetByName(ctx context.Context, name string) (Permission, error) {
	return c.repo.GetPermissionByName(ctx, name)
}

// FindByResourceAndAction returns at most one permission for the pair.
func (c *Catalog) FindByResourceAndAction(ctx context.Context, resource, action string) (Permission, error) {
	return c.repo.FindByResourceAndAction(ctx, resource, action)
}

// List returns the catalog, optionally filtered by resource.
func (c *Catalog) List(ctx context.Context, resource string) ([]Permission, error) {
	return c.repo.ListPermissions(ctx, resource)
}

// UniqueResources returns the distinct resources, for admin filter UIs.
func (c *Catalog) UniqueResources(ctx context.Context) ([]string, error) {
	return c.repo.UniqueResources(ctx)
}

// UniqueActions returns the distinct actions, for admin filter UIs.
func (c *Catalog) UniqueActions(ctx context.Context) ([]string, error) {
	return c.repo.UniqueActions(ctx)
}

// Update edits the administrative fields of a catalog entry. Name, resource
// and action are immutable once created.
func (c *Catalog) Update(ctx context.Context, id int64, description string, conditions map[string]any) (Permission, error) {
	return c.repo.UpdatePermission(ctx, id, strings.TrimSpace(description), conditions)
}

// Delete removes a permission. It conflicts while any role or user still
// references the permission; the caller must detach those links first.
func (c *Catalog) Delete(ctx context.Context, actorID, id int64) error {
	perm, err := c.repo.GetPermission(ctx, id)
	if err != nil {
		return err
	}
	refs, deleted, err := c.repo.DeletePermissionIfUnreferenced(ctx, id)
	if err != nil {
		return err
	}
	if refs > 0 {
		return fmt.Errorf("rbac: permission %q is referenced by %d role or user grants: %w", perm.Name, refs, httpx.ErrConflict)
	}
	if !deleted {
		return fmt.Errorf("rbac: permission %d: %w", id, httpx.ErrNotFound)
	}

	c.recorder.LogEvent(ctx, audit.Event{
		UserID:     actorID,
		Action:     audit.ActionPermissionDeleted,
		Resource:   "permission",
		ResourceID: perm.Name,
	})
	return nil
}

// EnsureBuiltin seeds the built-in permission vocabulary, refreshing
// descriptions without ever deleting entries.
func (c *Catalog) EnsureBuiltin(ctx context.Context) error {
	if err := VerifyRegistry(); err != nil {
		return err
	}
	for _, spec := range BuiltinPermissions() {
		if _, err := c.repo.UpsertPermission(ctx, Permission{
			Name:        spec.Name,
			Resource:    spec.Resource,
			Action:      spec.Action,
			Description: spec.Description,
		}); err != nil {
			return fmt.Errorf("rbac: seed permission %q: %w", spec.Name, err)
		}
	}
	if c.logger != nil {
		c.logger.Info("permission catalog seeded", slog.Int("permissions", len(BuiltinPermissions())))
	}
	return nil
}
