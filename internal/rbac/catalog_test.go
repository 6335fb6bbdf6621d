package rbac

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-iam/aegis/internal/audit"
	"github.com/aegis-iam/aegis/internal/platform/httpx"
)

type mockCatalogRepo struct {
	permissions map[int64]Permission
	refs        map[int64]int64
	nextID      int64
}

func newMockCatalogRepo() *mockCatalogRepo {
	return &mockCatalogRepo{
		permissions: make(map[int64]Permission),
		refs:        make(map[int64]int64),
		nextID:      1,
	}
}

func (m *mockCatalogRepo) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	for _, p := range m.permissions {
		if p.Name == perm.Name {
			return Permission{}, &pgconn.PgError{Code: "23505", ConstraintName: "permissions_name_key"}
		}
	}
	perm.ID = m.nextID
	m.nextID++
	m.permissions[perm.ID] = perm
	return perm, nil
}

func (m *mockCatalogRepo) UpsertPermission(ctx context.Context, perm Permission) (Permission, error) {
	for id, p := range m.permissions {
		if p.Name == perm.Name {
			p.Description = perm.Description
			m.permissions[id] = p
			return p, nil
		}
	}
	return m.CreatePermission(ctx, perm)
}

func (m *mockCatalogRepo) GetPermission(ctx context.Context, id int64) (Permission, error) {
	perm, ok := m.permissions[id]
	if !ok {
		return Permission{}, httpx.ErrNotFound
	}
	return perm, nil
}

func (m *mockCatalogRepo) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	for _, p := range m.permissions {
		if p.Name == name {
			return p, nil
		}
	}
	return Permission{}, httpx.ErrNotFound
}

func (m *mockCatalogRepo) FindByResourceAndAction(ctx context.Context, resource, action string) (Permission, error) {
	var found *Permission
	for _, p := range m.permissions {
		if p.Resource == resource && p.Action == action {
			if found == nil || p.ID < found.ID {
				perm := p
				found = &perm
			}
		}
	}
	if found == nil {
		return Permission{}, httpx.ErrNotFound
	}
	return *found, nil
}

func (m *mockCatalogRepo) ListPermissions(ctx context.Context, resource string) ([]Permission, error) {
	var out []Permission
	for _, p := range m.permissions {
		if resource == "" || p.Resource == resource {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *mockCatalogRepo) UniqueResources(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, p := range m.permissions {
		if !seen[p.Resource] {
			seen[p.Resource] = true
			out = append(out, p.Resource)
		}
	}
	return out, nil
}

func (m *mockCatalogRepo) UniqueActions(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, p := range m.permissions {
		if !seen[p.Action] {
			seen[p.Action] = true
			out = append(out, p.Action)
		}
	}
	return out, nil
}

func (m *mockCatalogRepo) UpdatePermission(ctx context.Context, id int64, description string, conditions map[string]any) (Permission, error) {
	perm, ok := m.permissions[id]
	if !ok {
		return Permission{}, httpx.ErrNotFound
	}
	perm.Description = description
	perm.Conditions = conditions
	m.permissions[id] = perm
	return perm, nil
}

func (m *mockCatalogRepo) DeletePermissionIfUnreferenced(ctx context.Context, id int64) (int64, bool, error) {
	if refs := m.refs[id]; refs > 0 {
		return refs, false, nil
	}
	if _, ok := m.permissions[id]; !ok {
		return 0, false, nil
	}
	delete(m.permissions, id)
	return 0, true, nil
}

func newTestCatalog(repo CatalogRepository) (*Catalog, *memAuditRepo) {
	recorder, auditRepo := newTestRecorder()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	return NewCatalog(repo, recorder, logger), auditRepo
}

func TestCreatePermissionDerivesName(t *testing.T) {
	catalog, auditRepo := newTestCatalog(newMockCatalogRepo())

	perm, err := catalog.Create(context.Background(), 7, CreateParams{Resource: "Reports", Action: "READ"})
	require.NoError(t, err)
	assert.Equal(t, "reports:read", perm.Name)
	assert.Equal(t, "reports", perm.Resource)
	assert.Contains(t, auditRepo.actions(), audit.ActionPermissionCreated)
}

func TestCreatePermissionRejectsMismatchedName(t *testing.T) {
	catalog, _ := newTestCatalog(newMockCatalogRepo())

	_, err := catalog.Create(context.Background(), 7, CreateParams{Name: "other:thing", Resource: "reports", Action: "read"})
	assert.ErrorIs(t, err, httpx.ErrValidation)
}

func TestCreatePermissionRejectsBadIdentifiers(t *testing.T) {
	catalog, _ := newTestCatalog(newMockCatalogRepo())

	_, err := catalog.Create(context.Background(), 7, CreateParams{Resource: "re ports", Action: "read"})
	assert.ErrorIs(t, err, httpx.ErrValidation)

	_, err = catalog.Create(context.Background(), 7, CreateParams{Resource: "reports", Action: ""})
	assert.ErrorIs(t, err, httpx.ErrValidation)
}

func TestCreatePermissionDuplicate(t *testing.T) {
	repo := newMockCatalogRepo()
	catalog, _ := newTestCatalog(repo)

	_, err := catalog.Create(context.Background(), 7, CreateParams{Resource: "reports", Action: "read"})
	require.NoError(t, err)
	_, err = catalog.Create(context.Background(), 7, CreateParams{Resource: "reports", Action: "read"})
	assert.ErrorIs(t, err, httpx.ErrConflict)
}

func TestDeletePermissionReferencedConflicts(t *testing.T) {
	repo := newMockCatalogRepo()
	catalog, _ := newTestCatalog(repo)

	perm, err := catalog.Create(context.Background(), 7, CreateParams{Resource: "reports", Action: "read"})
	require.NoError(t, err)
	repo.refs[perm.ID] = 2

	err = catalog.Delete(context.Background(), 7, perm.ID)
	require.ErrorIs(t, err, httpx.ErrConflict)

	repo.refs[perm.ID] = 0
	require.NoError(t, catalog.Delete(context.Background(), 7, perm.ID))
	_, err = catalog.Get(context.Background(), perm.ID)
	assert.ErrorIs(t, err, httpx.ErrNotFound)
}

func TestFindByResourceAndActionLowestID(t *testing.T) {
	repo := newMockCatalogRepo()
	repo.permissions[5] = Permission{ID: 5, Name: "reports:read", Resource: "reports", Action: "read"}
	repo.permissions[9] = Permission{ID: 9, Name: "reports:read2", Resource: "reports", Action: "read"}
	catalog, _ := newTestCatalog(repo)

	perm, err := catalog.FindByResourceAndAction(context.Background(), "reports", "read")
	require.NoError(t, err)
	assert.EqualValues(t, 5, perm.ID)
}

func TestEnsureBuiltinSeedsVocabulary(t *testing.T) {
	repo := newMockCatalogRepo()
	catalog, _ := newTestCatalog(repo)

	require.NoError(t, catalog.EnsureBuiltin(context.Background()))
	for _, spec := range BuiltinPermissions() {
		perm, err := catalog.GetByName(context.Background(), spec.Name)
		require.NoError(t, err)
		assert.Equal(t, spec.Resource, perm.Resource)
	}

	// Re-seeding refreshes descriptions without duplicating.
	count := len(repo.permissions)
	require.NoError(t, catalog.EnsureBuiltin(context.Background()))
	assert.Len(t, repo.permissions, count)
}

func TestVerifyRegistry(t *testing.T) {
	assert.NoError(t, VerifyRegistry())
}
