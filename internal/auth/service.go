package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/crypto/bcrypt"

	"github.com/aegis-iam/aegis/internal/audit"
	"github.com/aegis-iam/aegis/internal/identity"
	"github.com/aegis-iam/aegis/internal/platform/httpx"
	"github.com/aegis-iam/aegis/internal/shared"
	"github.com/aegis-iam/aegis/jobs"
)

// RoleAssigner hands new accounts their default role.
type RoleAssigner interface {
	AssignDefaultRole(ctx context.Context, userID int64) error
}

// ResetTokens issues and consumes single-use password reset tokens.
type ResetTokens interface {
	Create(ctx context.Context, userID int64) (string, error)
	Consume(ctx context.Context, token string) (int64, error)
}

// ResetEnqueuer submits reset email deliveries to the job queue.
type ResetEnqueuer interface {
	EnqueueSendResetEmail(ctx context.Context, payload jobs.SendResetEmailPayload) (*asynq.TaskInfo, error)
}

// Service wraps authentication business rules.
type Service struct {
	repo     Repository
	provider identity.Provider
	resets   ResetTokens
	resetTTL time.Duration
	assigner RoleAssigner
	enqueuer ResetEnqueuer
	recorder *audit.Recorder
	logger   *slog.Logger
}

// NewService constructs a new Service.
func NewService(repo Repository, provider identity.Provider, resets ResetTokens, resetTTL time.Duration, assigner RoleAssigner, enqueuer ResetEnqueuer, recorder *audit.Recorder, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		provider: provider,
		resets:   resets,
		resetTTL: resetTTL,
		assigner: assigner,
		enqueuer: enqueuer,
		recorder: recorder,
		logger:   logger,
	}
}

// Register creates an account, hashes the password and hands out the default
// role. Duplicate emails conflict.
func (s *Service) Register(ctx context.Context, email, password, name string) (*User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user, err := s.repo.CreateUser(ctx, email, string(hash), name)
	if err != nil {
		if httpx.IsUniqueViolation(err, "users_email_key") {
			return nil, fmt.Errorf("auth: email %q already registered: %w", email, httpx.ErrConflict)
		}
		return nil, err
	}

	if err := s.assigner.AssignDefaultRole(ctx, user.ID); err != nil {
		return nil, fmt.Errorf("auth: assign default role: %w", err)
	}

	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     user.ID,
		Action:     audit.ActionUserRegistered,
		Resource:   "user",
		ResourceID: strconv.FormatInt(user.ID, 10),
		Details:    map[string]any{"email": user.Email},
	})
	return user, nil
}

// Authenticate validates email/password credentials. Every failure mode maps
// to the same opaque error.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Login authenticates and issues a bearer token.
func (s *Service) Login(ctx context.Context, email, password string) (identity.Token, *User, error) {
	user, err := s.Authenticate(ctx, email, password)
	if err != nil {
		return identity.Token{}, nil, err
	}
	token, err := s.provider.Issue(ctx, user.ID, user.Email)
	if err != nil {
		return identity.Token{}, nil, err
	}

	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     user.ID,
		Action:     audit.ActionUserLogin,
		Resource:   "user",
		ResourceID: strconv.FormatInt(user.ID, 10),
	})
	return token, user, nil
}

// Logout revokes a bearer token. Unknown tokens are a no-op.
func (s *Service) Logout(ctx context.Context, token string) error {
	return s.provider.Revoke(ctx, token)
}

// RequestPasswordReset stores a single-use reset token and queues the email.
// Unknown emails are silently ignored so the endpoint does not leak which
// addresses have accounts.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return nil
		}
		return err
	}
	if !user.IsActive {
		return nil
	}

	token, err := s.resets.Create(ctx, user.ID)
	if err != nil {
		return err
	}
	if _, err := s.enqueuer.EnqueueSendResetEmail(ctx, jobs.SendResetEmailPayload{
		To:        user.Email,
		Token:     token,
		ExpiresIn: s.resetTTL.String(),
	}); err != nil {
		return err
	}

	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     user.ID,
		Action:     audit.ActionPasswordResetRequest,
		Resource:   "user",
		ResourceID: strconv.FormatInt(user.ID, 10),
	})
	return nil
}

// ConfirmPasswordReset consumes a reset token, sets the new password and
// revokes every outstanding bearer token for the account.
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newPassword string) error {
	userID, err := s.resets.Consume(ctx, token)
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := s.repo.UpdatePassword(ctx, userID, string(hash)); err != nil {
		return err
	}
	if err := s.provider.RevokeAll(ctx, userID); err != nil {
		s.logger.Warn("revoke tokens after reset", slog.Int64("user_id", userID), slog.Any("error", err))
	}

	s.recorder.LogEvent(ctx, audit.Event{
		UserID:     userID,
		Action:     audit.ActionPasswordReset,
		Resource:   "user",
		ResourceID: strconv.FormatInt(userID, 10),
	})
	return nil
}
