package rbac

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// ResolverRepository defines the queries effective-permission resolution needs.
type ResolverRepository interface {
	RoleDerivedPermissions(ctx context.Context, userID int64) ([]roleGrant, error)
	ListLiveOverrides(ctx context.Context, userID int64) ([]UserPermissionOverride, error)
	LiveOverrideByName(ctx context.Context, userID int64, permissionName string) (*UserPermissionOverride, error)
	HasLiveRoleGrant(ctx context.Context, userID int64, permissionName string) (bool, error)
	ListLiveRoleNames(ctx context.Context, userID int64) ([]string, error)
}

// Resolver computes effective permission sets. Every resolution re-queries
// current state; expiry is evaluated by the store at query time, so an expired
// row is indistinguishable from one that never existed.
type Resolver struct {
	repo ResolverRepository
}

// NewResolver constructs a Resolver.
func NewResolver(repo ResolverRepository) *Resolver {
	return &Resolver{repo: repo}
}

// EffectivePermissions merges role-derived grants with direct overrides.
// A direct override always wins over role-derived status for the same
// permission, whether it grants or denies. A user with no assignments and no
// overrides resolves to empty sets, not an error.
func (r *Resolver) EffectivePermissions(ctx context.Context, userID int64) (Resolution, error) {
	var (
		grants    []roleGrant
		overrides []UserPermissionOverride
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		grants, err = r.repo.RoleDerivedPermissions(gctx, userID)
		return err
	})
	g.Go(func() error {
		var err error
		overrides, err = r.repo.ListLiveOverrides(gctx, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Resolution{}, err
	}

	merged := make(map[int64]EffectivePermission, len(grants)+len(overrides))
	for _, grant := range grants {
		// A permission reachable via multiple roles is recorded once; the
		// first role (alphabetical, per query order) carries the attribution.
		if _, ok := merged[grant.PermissionID]; ok {
			continue
		}
		merged[grant.PermissionID] = EffectivePermission{
			PermissionID:   grant.PermissionID,
			PermissionName: grant.PermissionName,
			Granted:        true,
			Source:         SourceRole,
			RoleName:       grant.RoleName,
		}
	}
	for _, o := range overrides {
		assignedAt := o.AssignedAt
		merged[o.PermissionID] = EffectivePermission{
			PermissionID:   o.PermissionID,
			PermissionName: o.PermissionName,
			Granted:        o.Granted,
			Source:         SourceDirect,
			AssignedBy:     o.AssignedBy,
			AssignedAt:     &assignedAt,
			ExpiresAt:      o.ExpiresAt,
			Reason:         o.Reason,
		}
	}

	resolution := Resolution{
		Granted: make([]EffectivePermission, 0, len(merged)),
		Denied:  make([]EffectivePermission, 0),
	}
	for _, perm := range merged {
		if perm.Granted {
			resolution.Granted = append(resolution.Granted, perm)
		} else {
			resolution.Denied = append(resolution.Denied, perm)
		}
	}
	sortByName(resolution.Granted)
	sortByName(resolution.Denied)
	return resolution, nil
}

// HasPermission is the optimized single-permission check. It applies the same
// precedence as full resolution: a live direct override decides if present,
// otherwise any live role grant suffices.
func (r *Resolver) HasPermission(ctx context.Context, userID int64, permissionName string) (bool, error) {
	override, err := r.repo.LiveOverrideByName(ctx, userID, permissionName)
	if err != nil {
		return false, err
	}
	if override != nil {
		return override.Granted, nil
	}
	return r.repo.HasLiveRoleGrant(ctx, userID, permissionName)
}

// RoleNames returns the names of roles the user holds through live
// assignments.
func (r *Resolver) RoleNames(ctx context.Context, userID int64) ([]string, error) {
	return r.repo.ListLiveRoleNames(ctx, userID)
}

func sortByName(perms []EffectivePermission) {
	sort.Slice(perms, func(i, j int) bool {
		return perms[i].PermissionName < perms[j].PermissionName
	})
}
