package identity

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aegis-iam/aegis/internal/shared"
)

// ResetStore manages single-use password-reset tokens in redis.
type ResetStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewResetStore constructs a ResetStore with the given token lifetime.
func NewResetStore(client *redis.Client, ttl time.Duration) *ResetStore {
	return &ResetStore{client: client, ttl: ttl}
}

// Create mints a reset token bound to a user.
func (s *ResetStore) Create(ctx context.Context, userID int64) (string, error) {
	token := uuid.NewString()
	if err := s.client.Set(ctx, resetKey(token), userID, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("identity: store reset token: %w", err)
	}
	return token, nil
}

// Consume validates and deletes a reset token, returning the bound user id.
// A token can be consumed exactly once.
func (s *ResetStore) Consume(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, shared.ErrTokenInvalid
	}
	raw, err := s.client.GetDel(ctx, resetKey(token)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, shared.ErrTokenInvalid
		}
		return 0, fmt.Errorf("identity: consume reset token: %w", err)
	}
	userID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("identity: decode reset token payload: %w", err)
	}
	return userID, nil
}

func resetKey(token string) string {
	return "pwreset:" + token
}
