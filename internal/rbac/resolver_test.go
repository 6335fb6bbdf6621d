package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/aegis-iam/aegis/testing"
)

// fakeAssignment is one user_roles row plus the permission rows its role
// confers.
type fakeAssignment struct {
	role      string
	expiresAt *time.Time
	grants    []roleGrant
}

// fakeResolverRepo mimics the store's query-time liveness filtering: expired
// assignments and overrides are never returned.
type fakeResolverRepo struct {
	assignments map[int64][]fakeAssignment
	overrides   map[int64][]UserPermissionOverride
	now         time.Time
}

func newFakeResolverRepo() *fakeResolverRepo {
	return &fakeResolverRepo{
		assignments: make(map[int64][]fakeAssignment),
		overrides:   make(map[int64][]UserPermissionOverride),
		now:         time.Now(),
	}
}

func (f *fakeResolverRepo) liveAt(expiresAt *time.Time) bool {
	return expiresAt == nil || expiresAt.After(f.now)
}

// assign records a role assignment carrying the given permission grants.
func (f *fakeResolverRepo) assign(userID int64, role string, expiresAt *time.Time, grants ...roleGrant) {
	for i := range grants {
		grants[i].RoleName = role
	}
	f.assignments[userID] = append(f.assignments[userID], fakeAssignment{
		role:      role,
		expiresAt: expiresAt,
		grants:    grants,
	})
}

func (f *fakeResolverRepo) RoleDerivedPermissions(ctx context.Context, userID int64) ([]roleGrant, error) {
	var out []roleGrant
	for _, a := range f.assignments[userID] {
		if f.liveAt(a.expiresAt) {
			out = append(out, a.grants...)
		}
	}
	return out, nil
}

func (f *fakeResolverRepo) ListLiveOverrides(ctx context.Context, userID int64) ([]UserPermissionOverride, error) {
	var live []UserPermissionOverride
	for _, o := range f.overrides[userID] {
		if f.liveAt(o.ExpiresAt) {
			live = append(live, o)
		}
	}
	return live, nil
}

func (f *fakeResolverRepo) LiveOverrideByName(ctx context.Context, userID int64, permissionName string) (*UserPermissionOverride, error) {
	for _, o := range f.overrides[userID] {
		if o.PermissionName == permissionName && f.liveAt(o.ExpiresAt) {
			override := o
			return &override, nil
		}
	}
	return nil, nil
}

func (f *fakeResolverRepo) HasLiveRoleGrant(ctx context.Context, userID int64, permissionName string) (bool, error) {
	for _, a := range f.assignments[userID] {
		if !f.liveAt(a.expiresAt) {
			continue
		}
		for _, g := range a.grants {
			if g.PermissionName == permissionName {
				return true, nil
			}
		}
	}
	return false, nil
}

func (f *fakeResolverRepo) ListLiveRoleNames(ctx context.Context, userID int64) ([]string, error) {
	seen := make(map[string]struct{})
	var names []string
	for _, a := range f.assignments[userID] {
		if !f.liveAt(a.expiresAt) {
			continue
		}
		if _, ok := seen[a.role]; ok {
			continue
		}
		seen[a.role] = struct{}{}
		names = append(names, a.role)
	}
	return names, nil
}

func TestEffectivePermissionsRoleGrants(t *testing.T) {
	repo := newFakeResolverRepo()
	repo.assign(1, "manager", nil,
		roleGrant{PermissionID: 10, PermissionName: "reports:read"},
		roleGrant{PermissionID: 11, PermissionName: "reports:export"})
	resolver := NewResolver(repo)

	res, err := resolver.EffectivePermissions(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"reports:export", "reports:read"}, res.GrantedNames())
	assert.Empty(t, res.Denied)
	for _, p := range res.Granted {
		assert.Equal(t, SourceRole, p.Source)
		assert.Equal(t, "manager", p.RoleName)
	}
}

func TestDirectDenyBeatsRoleGrant(t *testing.T) {
	repo := newFakeResolverRepo()
	repo.assign(1, "manager", nil,
		roleGrant{PermissionID: 10, PermissionName: "reports:read"})
	repo.overrides[1] = []UserPermissionOverride{
		{PermissionID: 10, PermissionName: "reports:read", Granted: false, Reason: "investigation"},
	}
	resolver := NewResolver(repo)

	res, err := resolver.EffectivePermissions(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, res.Granted)
	require.Len(t, res.Denied, 1)
	assert.Equal(t, SourceDirect, res.Denied[0].Source)
	assert.Equal(t, "investigation", res.Denied[0].Reason)

	granted, err := resolver.HasPermission(context.Background(), 1, "reports:read")
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestDirectGrantWithoutRole(t *testing.T) {
	repo := newFakeResolverRepo()
	repo.overrides[1] = []UserPermissionOverride{
		{PermissionID: 20, PermissionName: "exports:create", Granted: true},
	}
	resolver := NewResolver(repo)

	res, err := resolver.EffectivePermissions(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, res.Granted, 1)
	assert.Equal(t, SourceDirect, res.Granted[0].Source)

	granted, err := resolver.HasPermission(context.Background(), 1, "exports:create")
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestExpiredOverrideFallsBackToRole(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	repo := newFakeResolverRepo()
	repo.assign(1, "manager", nil,
		roleGrant{PermissionID: 10, PermissionName: "reports:read"})
	repo.overrides[1] = []UserPermissionOverride{
		{PermissionID: 10, PermissionName: "reports:read", Granted: false, ExpiresAt: &past},
	}
	resolver := NewResolver(repo)

	// The expired deny no longer exists as far as queries are concerned;
	// the role-derived grant shows through again.
	granted, err := resolver.HasPermission(context.Background(), 1, "reports:read")
	require.NoError(t, err)
	assert.True(t, granted)

	res, err := resolver.EffectivePermissions(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, res.Granted, 1)
	assert.Equal(t, SourceRole, res.Granted[0].Source)
	assert.Empty(t, res.Denied)
}

func TestTemporaryGrantExpires(t *testing.T) {
	future := time.Now().Add(time.Hour)
	repo := newFakeResolverRepo()
	repo.overrides[1] = []UserPermissionOverride{
		{PermissionID: 30, PermissionName: "admin:reports", Granted: true, ExpiresAt: &future},
	}
	resolver := NewResolver(repo)

	granted, err := resolver.HasPermission(context.Background(), 1, "admin:reports")
	require.NoError(t, err)
	assert.True(t, granted)

	// Past the expiry instant the same row is invisible.
	repo.now = future.Add(time.Minute)
	granted, err = resolver.HasPermission(context.Background(), 1, "admin:reports")
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestExpiredRoleAssignmentContributesNothing(t *testing.T) {
	past := time.Now().Add(-24 * time.Hour)
	repo := newFakeResolverRepo()
	repo.assign(1, "user", nil,
		roleGrant{PermissionID: 1, PermissionName: "profile:read"})
	repo.assign(1, "manager", &past,
		roleGrant{PermissionID: 10, PermissionName: "reports:read"},
		roleGrant{PermissionID: 11, PermissionName: "reports:export"})
	resolver := NewResolver(repo)

	res, err := resolver.EffectivePermissions(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"profile:read"}, res.GrantedNames())
	assert.Empty(t, res.Denied)

	granted, err := resolver.HasPermission(context.Background(), 1, "reports:read")
	require.NoError(t, err)
	assert.False(t, granted)

	names, err := resolver.RoleNames(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"user"}, names)
}

func TestTemporaryRoleAssignmentExpires(t *testing.T) {
	future := time.Now().Add(time.Hour)
	repo := newFakeResolverRepo()
	repo.assign(1, "manager", &future,
		roleGrant{PermissionID: 10, PermissionName: "reports:read"})
	resolver := NewResolver(repo)

	granted, err := resolver.HasPermission(context.Background(), 1, "reports:read")
	require.NoError(t, err)
	assert.True(t, granted)

	// Past the expiry instant the assignment stops conferring anything.
	repo.now = future.Add(time.Minute)
	granted, err = resolver.HasPermission(context.Background(), 1, "reports:read")
	require.NoError(t, err)
	assert.False(t, granted)

	res, err := resolver.EffectivePermissions(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, res.Granted)
}

func TestEmptyResolution(t *testing.T) {
	resolver := NewResolver(newFakeResolverRepo())

	res, err := resolver.EffectivePermissions(context.Background(), 42)
	require.NoError(t, err)
	assert.Empty(t, res.Granted)
	assert.Empty(t, res.Denied)

	granted, err := resolver.HasPermission(context.Background(), 42, "users:read")
	require.NoError(t, err)
	assert.False(t, granted)
}

func TestDuplicateRoleGrantsMergeOnce(t *testing.T) {
	repo := newFakeResolverRepo()
	repo.assign(1, "analyst", nil,
		roleGrant{PermissionID: 10, PermissionName: "reports:read"})
	repo.assign(1, "manager", nil,
		roleGrant{PermissionID: 10, PermissionName: "reports:read"})
	resolver := NewResolver(repo)

	res, err := resolver.EffectivePermissions(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, res.Granted, 1)
	assert.Equal(t, "analyst", res.Granted[0].RoleName)
}

func TestRevokeRestoresRoleGrantDenyDoesNot(t *testing.T) {
	repo := newFakeResolverRepo()
	repo.assign(1, "manager", nil,
		roleGrant{PermissionID: 10, PermissionName: "reports:read"})
	repo.overrides[1] = []UserPermissionOverride{
		{PermissionID: 10, PermissionName: "reports:read", Granted: false},
	}
	resolver := NewResolver(repo)

	granted, err := resolver.HasPermission(context.Background(), 1, "reports:read")
	require.NoError(t, err)
	assert.False(t, granted)

	// Deleting the override row removes the deny entirely.
	repo.overrides[1] = nil
	granted, err = resolver.HasPermission(context.Background(), 1, "reports:read")
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestRoleNames(t *testing.T) {
	repo := newFakeResolverRepo()
	repo.assign(1, "admin", nil)
	repo.assign(1, "manager", nil)
	resolver := NewResolver(repo)

	names, err := resolver.RoleNames(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "manager"}, names)
}
