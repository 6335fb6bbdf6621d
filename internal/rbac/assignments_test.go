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

type assignmentKey struct {
	userID int64
	roleID int64
}

type mockAssignmentsRepo struct {
	users       map[int64]bool
	roles       map[int64]Role
	assignments map[assignmentKey]UserRoleAssignment
	nextID      int64
}

func newMockAssignmentsRepo() *mockAssignmentsRepo {
	return &mockAssignmentsRepo{
		users:       map[int64]bool{1: true},
		roles:       make(map[int64]Role),
		assignments: make(map[assignmentKey]UserRoleAssignment),
		nextID:      1,
	}
}

func (m *mockAssignmentsRepo) UserExists(ctx context.Context, userID int64) (bool, error) {
	return m.users[userID], nil
}

func (m *mockAssignmentsRepo) GetRole(ctx context.Context, id int64) (Role, error) {
	role, ok := m.roles[id]
	if !ok {
		return Role{}, httpx.ErrNotFound
	}
	return role, nil
}

func (m *mockAssignmentsRepo) GetRoleByName(ctx context.Context, name string) (Role, error) {
	for _, r := range m.roles {
		if r.Name == name {
			return r, nil
		}
	}
	return Role{}, httpx.ErrNotFound
}

func (m *mockAssignmentsRepo) UpsertUserRole(ctx context.Context, userID, roleID int64, assignedBy *int64, expiresAt *time.Time) error {
	key := assignmentKey{userID, roleID}
	existing, ok := m.assignments[key]
	if !ok {
		existing = UserRoleAssignment{ID: m.nextID, UserID: userID, RoleID: roleID}
		m.nextID++
	}
	existing.AssignedBy = assignedBy
	existing.AssignedAt = time.Now()
	existing.ExpiresAt = expiresAt
	existing.IsActive = true
	m.assignments[key] = existing
	return nil
}

func (m *mockAssignmentsRepo) DeactivateUserRole(ctx context.Context, userID, roleID int64) (int64, error) {
	key := assignmentKey{userID, roleID}
	existing, ok := m.assignments[key]
	if !ok || !existing.IsActive {
		return 0, nil
	}
	existing.IsActive = false
	m.assignments[key] = existing
	return 1, nil
}

func (m *mockAssignmentsRepo) ReplaceUserRoles(ctx context.Context, userID int64, roleIDs []int64, assignedBy *int64) error {
	for key := range m.assignments {
		if key.userID == userID {
			delete(m.assignments, key)
		}
	}
	for _, roleID := range roleIDs {
		if err := m.UpsertUserRole(ctx, userID, roleID, assignedBy, nil); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockAssignmentsRepo) ListUserRoles(ctx context.Context, userID int64) ([]UserRoleAssignment, error) {
	var out []UserRoleAssignment
	for key, a := range m.assignments {
		if key.userID == userID && a.IsActive {
			out = append(out, a)
		}
	}
	return out, nil
}

func TestAssignReactivatesExistingPair(t *testing.T) {
	repo := newMockAssignmentsRepo()
	repo.roles[5] = Role{ID: 5, Name: "support"}
	recorder, auditRepo := newTestRecorder()
	svc := NewAssignments(repo, recorder)

	actor := int64(7)
	require.NoError(t, svc.Assign(context.Background(), 1, 5, &actor, nil))
	firstID := repo.assignments[assignmentKey{1, 5}].ID

	require.NoError(t, svc.Remove(context.Background(), 7, 1, 5))
	assert.False(t, repo.assignments[assignmentKey{1, 5}].IsActive)

	// Re-assigning reuses the row and reactivates it.
	expires := time.Now().Add(time.Hour)
	require.NoError(t, svc.Assign(context.Background(), 1, 5, &actor, &expires))
	again := repo.assignments[assignmentKey{1, 5}]
	assert.Equal(t, firstID, again.ID)
	assert.True(t, again.IsActive)
	require.NotNil(t, again.ExpiresAt)

	assert.Contains(t, auditRepo.actions(), audit.ActionRoleAssigned)
	assert.Contains(t, auditRepo.actions(), audit.ActionRoleRemoved)
}

func TestAssignUnknownUserOrRole(t *testing.T) {
	repo := newMockAssignmentsRepo()
	repo.roles[5] = Role{ID: 5, Name: "support"}
	recorder, _ := newTestRecorder()
	svc := NewAssignments(repo, recorder)

	err := svc.Assign(context.Background(), 99, 5, nil, nil)
	assert.ErrorIs(t, err, httpx.ErrNotFound)

	err = svc.Assign(context.Background(), 1, 99, nil, nil)
	assert.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestRemoveMissingAssignment(t *testing.T) {
	repo := newMockAssignmentsRepo()
	recorder, _ := newTestRecorder()
	svc := NewAssignments(repo, recorder)

	err := svc.Remove(context.Background(), 7, 1, 5)
	assert.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestReplaceSwapsRoleSet(t *testing.T) {
	repo := newMockAssignmentsRepo()
	repo.roles[5] = Role{ID: 5, Name: "support"}
	repo.roles[6] = Role{ID: 6, Name: "billing"}
	recorder, auditRepo := newTestRecorder()
	svc := NewAssignments(repo, recorder)

	actor := int64(7)
	require.NoError(t, svc.Assign(context.Background(), 1, 5, &actor, nil))
	require.NoError(t, svc.Replace(context.Background(), 7, 1, []int64{6}))

	live, err := svc.ListForUser(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.EqualValues(t, 6, live[0].RoleID)
	assert.Contains(t, auditRepo.actions(), audit.ActionRolesReplaced)
}

func TestReplaceRejectsUnknownRole(t *testing.T) {
	repo := newMockAssignmentsRepo()
	repo.roles[5] = Role{ID: 5, Name: "support"}
	recorder, _ := newTestRecorder()
	svc := NewAssignments(repo, recorder)

	err := svc.Replace(context.Background(), 7, 1, []int64{5, 99})
	assert.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestAssignDefaultRole(t *testing.T) {
	repo := newMockAssignmentsRepo()
	repo.roles[3] = Role{ID: 3, Name: RoleUser, IsSystem: true}
	recorder, _ := newTestRecorder()
	svc := NewAssignments(repo, recorder)

	require.NoError(t, svc.AssignDefaultRole(context.Background(), 1))
	stored := repo.assignments[assignmentKey{1, 3}]
	assert.True(t, stored.IsActive)
	assert.Nil(t, stored.AssignedBy)
	assert.Nil(t, stored.ExpiresAt)
}
