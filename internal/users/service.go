package users

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aegis-iam/aegis/internal/audit"
	"github.com/aegis-iam/aegis/internal/identity"
	"github.com/aegis-iam/aegis/internal/platform/httpx"
	"github.com/aegis-iam/aegis/internal/shared"
)

// RepositoryPort defines data access methods for users.
type RepositoryPort interface {
	CountUsers(ctx context.Context, search string) (int, error)
	ListUsers(ctx context.Context, search string, limit, offset int) ([]User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	UpdateUser(ctx context.Context, id int64, name, email *string, isActive, emailVerified *bool) (User, error)
	DeactivateUser(ctx context.Context, id int64) (int64, error)
}

// Service handles user management business logic.
type Service struct {
	repo     RepositoryPort
	provider identity.Provider
	recorder *audit.Recorder
	logger   *slog.Logger
}

// NewService builds a Service instance.
func NewService(repo RepositoryPort, provider identity.Provider, recorder *audit.Recorder, logger *slog.Logger) *Service {
	return &Service{repo: repo, provider: provider, recorder: recorder, logger: logger}
}

// List returns one page of accounts plus pagination metadata.
func (s *Service) List(ctx context.Context, search string, page, perPage int) ([]User, shared.Pagination, error) {
	total, err := s.repo.CountUsers(ctx, search)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	p := shared.NewPagination(page, perPage, total)
	users, err := s.repo.ListUsers(ctx, search, p.PerPage, p.Offset())
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return users, p, nil
}

// Get fetches one account.
func (s *Service) Get(ctx context.Context, id int64) (User, error) {
	return s.repo.GetUser(ctx, id)
}

// UpdateParams carries the patchable account fields. Nil means unchanged.
type UpdateParams struct {
	Name          *string
	Email         *string
	IsActive      *bool
	EmailVerified *bool
}

// Update patches an account. Email collisions conflict.
func (s *Service) Update(ctx context.Context, actorID, id int64, params UpdateParams) (User, error) {
	user, err := s.repo.UpdateUser(ctx, id, params.Name, params.Email, params.IsActive, params.EmailVerified)
	if err != nil {
		if httpx.IsUniqueViolation(err, "users_email_key") {
			return User{}, fmt.Errorf("users: email already in use: %w", httpx.ErrConflict)
		}
		return User{}, err
	}

	changed := map[string]any{}
	if params.Name != nil {
		changed["name"] = *params.Name
	}
	if params.Email != nil {
		changed["email"] = *params.Email
	}
	if params.IsActive != nil {
		changed["is_active"] = *params.IsActive
	}
	if params.EmailVerified != nil {
		changed["email_verified"] = *params.EmailVerified
	}
	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     actorID,
		Action:     audit.ActionUserUpdated,
		Resource:   "user",
		ResourceID: strconv.FormatInt(id, 10),
		Details:    changed,
	})
	return user, nil
}

// Deactivate disables an account and revokes its bearer tokens. Actors cannot
// deactivate themselves.
func (s *Service) Deactivate(ctx context.Context, actorID, id int64) error {
	if actorID == id {
		return fmt.Errorf("users: cannot deactivate own account: %w", httpx.ErrForbidden)
	}
	rows, err := s.repo.DeactivateUser(ctx, id)
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := s.repo.GetUser(ctx, id); err != nil {
			return err
		}
		return nil
	}

	if err := s.provider.RevokeAll(ctx, id); err != nil {
		s.logger.Warn("revoke tokens on deactivate", slog.Int64("user_id", id), slog.Any("error", err))
	}
	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     actorID,
		Action:     audit.ActionUserDeactivated,
		Resource:   "user",
		ResourceID: strconv.FormatInt(id, 10),
	})
	return nil
}
