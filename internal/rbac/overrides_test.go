package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-iam/aegis/internal/audit"
	"github.com/aegis-iam/aegis/internal/platform/httpx"
)

type mockOverridesRepo struct {
	users       map[int64]bool
	permissions map[int64]Permission
	overrides   map[int64]map[int64]UserPermissionOverride

	upsertErr error
}

func newMockOverridesRepo() *mockOverridesRepo {
	return &mockOverridesRepo{
		users:       map[int64]bool{1: true},
		permissions: make(map[int64]Permission),
		overrides:   make(map[int64]map[int64]UserPermissionOverride),
	}
}

func (m *mockOverridesRepo) UserExists(ctx context.Context, userID int64) (bool, error) {
	return m.users[userID], nil
}

func (m *mockOverridesRepo) GetPermission(ctx context.Context, id int64) (Permission, error) {
	perm, ok := m.permissions[id]
	if !ok {
		return Permission{}, httpx.ErrNotFound
	}
	return perm, nil
}

func (m *mockOverridesRepo) UpsertUserPermission(ctx context.Context, o UserPermissionOverride) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	if m.overrides[o.UserID] == nil {
		m.overrides[o.UserID] = make(map[int64]UserPermissionOverride)
	}
	m.overrides[o.UserID][o.PermissionID] = o
	return nil
}

func (m *mockOverridesRepo) DeleteUserPermission(ctx context.Context, userID, permissionID int64) (int64, error) {
	if _, ok := m.overrides[userID][permissionID]; !ok {
		return 0, nil
	}
	delete(m.overrides[userID], permissionID)
	return 1, nil
}

func (m *mockOverridesRepo) DeleteAllUserPermissions(ctx context.Context, userID int64) error {
	delete(m.overrides, userID)
	return nil
}

func (m *mockOverridesRepo) ListLiveOverrides(ctx context.Context, userID int64) ([]UserPermissionOverride, error) {
	var out []UserPermissionOverride
	for _, o := range m.overrides[userID] {
		out = append(out, o)
	}
	return out, nil
}

func TestGrantUpsertsOverride(t *testing.T) {
	repo := newMockOverridesRepo()
	repo.permissions[10] = Permission{ID: 10, Name: "reports:read"}
	recorder, auditRepo := newTestRecorder()
	svc := NewOverrides(repo, recorder)

	expires := time.Now().Add(time.Hour)
	err := svc.Grant(context.Background(), 7, 1, GrantParams{PermissionID: 10, Granted: true, ExpiresAt: &expires, Reason: "temp"})
	require.NoError(t, err)

	stored := repo.overrides[1][10]
	assert.True(t, stored.Granted)
	assert.Equal(t, "temp", stored.Reason)
	require.NotNil(t, stored.AssignedBy)
	assert.EqualValues(t, 7, *stored.AssignedBy)
	assert.Contains(t, auditRepo.actions(), audit.ActionPermissionGranted)

	// A second grant for the same pair replaces, never duplicates.
	err = svc.Grant(context.Background(), 7, 1, GrantParams{PermissionID: 10, Granted: false, Reason: "deny"})
	require.NoError(t, err)
	assert.Len(t, repo.overrides[1], 1)
	assert.False(t, repo.overrides[1][10].Granted)
}

func TestGrantUnknownUserOrPermission(t *testing.T) {
	repo := newMockOverridesRepo()
	repo.permissions[10] = Permission{ID: 10}
	recorder, _ := newTestRecorder()
	svc := NewOverrides(repo, recorder)

	err := svc.Grant(context.Background(), 7, 99, GrantParams{PermissionID: 10, Granted: true})
	assert.ErrorIs(t, err, httpx.ErrNotFound)

	err = svc.Grant(context.Background(), 7, 1, GrantParams{PermissionID: 99, Granted: true})
	assert.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestRevokeDeletesRow(t *testing.T) {
	repo := newMockOverridesRepo()
	repo.permissions[10] = Permission{ID: 10}
	repo.overrides[1] = map[int64]UserPermissionOverride{10: {UserID: 1, PermissionID: 10, Granted: false}}
	recorder, auditRepo := newTestRecorder()
	svc := NewOverrides(repo, recorder)

	require.NoError(t, svc.Revoke(context.Background(), 7, 1, 10))
	assert.Empty(t, repo.overrides[1])
	assert.Contains(t, auditRepo.actions(), audit.ActionPermissionRevoked)

	err := svc.Revoke(context.Background(), 7, 1, 10)
	assert.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestBulkUpdateReportsPerItem(t *testing.T) {
	repo := newMockOverridesRepo()
	repo.permissions[10] = Permission{ID: 10}
	repo.permissions[11] = Permission{ID: 11}
	recorder, auditRepo := newTestRecorder()
	svc := NewOverrides(repo, recorder)

	results, err := svc.BulkUpdate(context.Background(), 7, 1, []BulkEntry{
		{PermissionID: 10, Granted: true},
		{PermissionID: 99, Granted: true},
		{PermissionID: 11, Granted: false},
	}, false)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].OK)
	assert.False(t, results[1].OK)
	assert.Equal(t, "permission not found", results[1].Error)
	assert.True(t, results[2].OK)
	assert.Len(t, repo.overrides[1], 2)
	assert.Contains(t, auditRepo.actions(), audit.ActionPermissionsBulkEdit)
}

func TestBulkUpdateReplaceAll(t *testing.T) {
	repo := newMockOverridesRepo()
	repo.permissions[11] = Permission{ID: 11}
	repo.overrides[1] = map[int64]UserPermissionOverride{10: {UserID: 1, PermissionID: 10, Granted: true}}
	recorder, _ := newTestRecorder()
	svc := NewOverrides(repo, recorder)

	results, err := svc.BulkUpdate(context.Background(), 7, 1, []BulkEntry{
		{PermissionID: 11, Granted: true},
	}, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)

	// The pre-existing override for permission 10 was wiped.
	assert.Len(t, repo.overrides[1], 1)
	_, survived := repo.overrides[1][10]
	assert.False(t, survived)
}

func TestBulkUpdateClearAllWithNoEntries(t *testing.T) {
	repo := newMockOverridesRepo()
	repo.overrides[1] = map[int64]UserPermissionOverride{
		10: {UserID: 1, PermissionID: 10, Granted: true},
		11: {UserID: 1, PermissionID: 11, Granted: false},
	}
	recorder, auditRepo := newTestRecorder()
	svc := NewOverrides(repo, recorder)

	results, err := svc.BulkUpdate(context.Background(), 7, 1, nil, true)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Empty(t, repo.overrides[1])
	assert.Equal(t, []string{audit.ActionPermissionsBulkEdit}, auditRepo.actions())
}
