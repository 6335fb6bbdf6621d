package rbac

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aegis-iam/aegis/internal/audit"
	"github.com/aegis-iam/aegis/internal/platform/httpx"
)

// AssignmentsRepository defines the persistence operations user-role
// assignment needs.
type AssignmentsRepository interface {
	UserExists(ctx context.Context, userID int64) (bool, error)
	GetRole(ctx context.Context, id int64) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	UpsertUserRole(ctx context.Context, userID, roleID int64, assignedBy *int64, expiresAt *time.Time) error
	DeactivateUserRole(ctx context.Context, userID, roleID int64) (int64, error)
	ReplaceUserRoles(ctx context.Context, userID int64, roleIDs []int64, assignedBy *int64) error
	ListUserRoles(ctx context.Context, userID int64) ([]UserRoleAssignment, error)
}

// Assignments manages user-role assignments.
type Assignments struct {
	repo     AssignmentsRepository
	recorder *audit.Recorder
}

// NewAssignments constructs an Assignments service.
func NewAssignments(repo AssignmentsRepository, recorder *audit.Recorder) *Assignments {
	return &Assignments{repo: repo, recorder: recorder}
}

// Assign gives a role to a user. Re-assigning an existing pair reactivates it
// and refreshes attribution instead of duplicating the row.
func (s *Assignments) Assign(ctx context.Context, userID, roleID int64, assignedBy *int64, expiresAt *time.Time) error {
	if err := s.requireUser(ctx, userID); err != nil {
		return err
	}
	if _, err := s.repo.GetRole(ctx, roleID); err != nil {
		return err
	}
	if err := s.repo.UpsertUserRole(ctx, userID, roleID, assignedBy, expiresAt); err != nil {
		return err
	}

	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     actorOrZero(assignedBy),
		Action:     audit.ActionRoleAssigned,
		Resource:   "user",
		ResourceID: strconv.FormatInt(userID, 10),
		Details:    map[string]any{"role_id": roleID},
	})
	return nil
}

// Remove soft-revokes an assignment, keeping the row for audit history.
func (s *Assignments) Remove(ctx context.Context, actorID, userID, roleID int64) error {
	rows, err := s.repo.DeactivateUserRole(ctx, userID, roleID)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("rbac: user %d has no assignment for role %d: %w", userID, roleID, httpx.ErrNotFound)
	}

	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     actorID,
		Action:     audit.ActionRoleRemoved,
		Resource:   "user",
		ResourceID: strconv.FormatInt(userID, 10),
		Details:    map[string]any{"role_id": roleID},
	})
	return nil
}

// Replace swaps a user's entire role set for roleIDs, attributing every new
// assignment to the acting admin. Destructive: callers wanting incremental
// change must read-then-write.
func (s *Assignments) Replace(ctx context.Context, actorID, userID int64, roleIDs []int64) error {
	if err := s.requireUser(ctx, userID); err != nil {
		return err
	}
	for _, roleID := range roleIDs {
		if _, err := s.repo.GetRole(ctx, roleID); err != nil {
			return err
		}
	}

	assignedBy := &actorID
	if actorID == 0 {
		assignedBy = nil
	}
	if err := s.repo.ReplaceUserRoles(ctx, userID, roleIDs, assignedBy); err != nil {
		return err
	}

	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     actorID,
		Action:     audit.ActionRolesReplaced,
		Resource:   "user",
		ResourceID: strconv.FormatInt(userID, 10),
		Details:    map[string]any{"role_ids": roleIDs},
	})
	return nil
}

// AssignDefaultRole gives a fresh account the built-in user role, with no
// expiry and no attribution.
func (s *Assignments) AssignDefaultRole(ctx context.Context, userID int64) error {
	role, err := s.repo.GetRoleByName(ctx, RoleUser)
	if err != nil {
		return err
	}
	return s.repo.UpsertUserRole(ctx, userID, role.ID, nil, nil)
}

// ListForUser returns a user's live assignments.
func (s *Assignments) ListForUser(ctx context.Context, userID int64) ([]UserRoleAssignment, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.ListUserRoles(ctx, userID)
}

func (s *Assignments) requireUser(ctx context.Context, userID int64) error {
	exists, err := s.repo.UserExists(ctx, userID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("rbac: user %d: %w", userID, httpx.ErrNotFound)
	}
	return nil
}

func actorOrZero(id *int64) int64 {
	if id == nil {
		return 0
	}
	return *id
}
