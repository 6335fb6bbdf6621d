package rbac

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aegis-iam/aegis/internal/audit"
	"github.com/aegis-iam/aegis/internal/platform/httpx"
)

// OverridesRepository defines the persistence operations direct overrides need.
type OverridesRepository interface {
	UserExists(ctx context.Context, userID int64) (bool, error)
	GetPermission(ctx context.Context, id int64) (Permission, error)
	UpsertUserPermission(ctx context.Context, o UserPermissionOverride) error
	DeleteUserPermission(ctx context.Context, userID, permissionID int64) (int64, error)
	DeleteAllUserPermissions(ctx context.Context, userID int64) error
	ListLiveOverrides(ctx context.Context, userID int64) ([]UserPermissionOverride, error)
}

// Overrides manages direct per-user permission grants and denials.
type Overrides struct {
	repo     OverridesRepository
	recorder *audit.Recorder
}

// NewOverrides constructs an Overrides service.
func NewOverrides(repo OverridesRepository, recorder *audit.Recorder) *Overrides {
	return &Overrides{repo: repo, recorder: recorder}
}

// GrantParams describes one override upsert.
type GrantParams struct {
	PermissionID int64
	Granted      bool
	ExpiresAt    *time.Time
	Reason       string
}

// Grant upserts an override for (user, permission). Granted=false is an
// explicit deny, not a removal; see Revoke for removal.
func (s *Overrides) Grant(ctx context.Context, actorID, userID int64, params GrantParams) error {
	if err := s.requireUser(ctx, userID); err != nil {
		return err
	}
	if _, err := s.repo.GetPermission(ctx, params.PermissionID); err != nil {
		return err
	}

	assignedBy := &actorID
	if actorID == 0 {
		assignedBy = nil
	}
	if err := s.repo.UpsertUserPermission(ctx, UserPermissionOverride{
		UserID:       userID,
		PermissionID: params.PermissionID,
		Granted:      params.Granted,
		AssignedBy:   assignedBy,
		ExpiresAt:    params.ExpiresAt,
		Reason:       params.Reason,
	}); err != nil {
		return err
	}

	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     actorID,
		Action:     audit.ActionPermissionGranted,
		Resource:   "user",
		ResourceID: strconv.FormatInt(userID, 10),
		Details:    map[string]any{"permission_id": params.PermissionID, "granted": params.Granted, "reason": params.Reason},
	})
	return nil
}

// Revoke deletes the override row entirely so role-derived status applies
// again. Distinct from Grant with Granted=false, which keeps an explicit deny.
func (s *Overrides) Revoke(ctx context.Context, actorID, userID, permissionID int64) error {
	rows, err := s.repo.DeleteUserPermission(ctx, userID, permissionID)
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("rbac: user %d has no override for permission %d: %w", userID, permissionID, httpx.ErrNotFound)
	}

	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     actorID,
		Action:     audit.ActionPermissionRevoked,
		Resource:   "user",
		ResourceID: strconv.FormatInt(userID, 10),
		Details:    map[string]any{"permission_id": permissionID},
	})
	return nil
}

// BulkEntry is one item of a bulk override update.
type BulkEntry struct {
	PermissionID int64      `json:"permissionId"`
	Granted      bool       `json:"granted"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

// BulkResult reports the outcome of one bulk entry. Bulk updates are not
// transactional across items; callers must inspect results.
type BulkResult struct {
	PermissionID int64  `json:"permissionId"`
	OK           bool   `json:"ok"`
	Error        string `json:"error,omitempty"`
}

// BulkUpdate applies entries for one user. With replaceAll, existing overrides
// are wiped first and each entry inserted fresh; otherwise entries upsert
// against existing rows. Per-item failures are collected, never raised.
func (s *Overrides) BulkUpdate(ctx context.Context, actorID, userID int64, entries []BulkEntry, replaceAll bool) ([]BulkResult, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	if replaceAll {
		if err := s.repo.DeleteAllUserPermissions(ctx, userID); err != nil {
			return nil, err
		}
	}

	assignedBy := &actorID
	if actorID == 0 {
		assignedBy = nil
	}
	results := make([]BulkResult, 0, len(entries))
	for _, entry := range entries {
		result := BulkResult{PermissionID: entry.PermissionID, OK: true}
		if _, err := s.repo.GetPermission(ctx, entry.PermissionID); err != nil {
			result.OK = false
			result.Error = "permission not found"
			results = append(results, result)
			continue
		}
		if err := s.repo.UpsertUserPermission(ctx, UserPermissionOverride{
			UserID:       userID,
			PermissionID: entry.PermissionID,
			Granted:      entry.Granted,
			AssignedBy:   assignedBy,
			ExpiresAt:    entry.ExpiresAt,
			Reason:       entry.Reason,
		}); err != nil {
			result.OK = false
			result.Error = "store rejected override"
		}
		results = append(results, result)
	}

	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     actorID,
		Action:     audit.ActionPermissionsBulkEdit,
		Resource:   "user",
		ResourceID: strconv.FormatInt(userID, 10),
		Details:    map[string]any{"entries": len(entries), "replace_all": replaceAll},
	})
	return results, nil
}

// ListForUser returns a user's live overrides.
func (s *Overrides) ListForUser(ctx context.Context, userID int64) ([]UserPermissionOverride, error) {
	if err := s.requireUser(ctx, userID); err != nil {
		return nil, err
	}
	return s.repo.ListLiveOverrides(ctx, userID)
}

func (s *Overrides) requireUser(ctx context.Context, userID int64) error {
	exists, err := s.repo.UserExists(ctx, userID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("rbac: user %d: %w", userID, httpx.ErrNotFound)
	}
	return nil
}
