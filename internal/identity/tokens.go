package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aegis-iam/aegis/internal/shared"
)

// TokenStore is a redis-backed Provider. Tokens live under their own key with
// a TTL; a per-user set indexes outstanding tokens so RevokeAll can find them.
type TokenStore struct {
	client *redis.Client
	ttl    time.Duration
}

type tokenPayload struct {
	UserID int64  `json:"user_id"`
	Email  string `json:"email"`
}

// NewTokenStore constructs a TokenStore with the given token lifetime.
func NewTokenStore(client *redis.Client, ttl time.Duration) *TokenStore {
	return &TokenStore{client: client, ttl: ttl}
}

// Issue mints a new bearer token for the given user.
func (s *TokenStore) Issue(ctx context.Context, userID int64, email string) (Token, error) {
	value := uuid.NewString()
	data, err := json.Marshal(tokenPayload{UserID: userID, Email: email})
	if err != nil {
		return Token{}, fmt.Errorf("identity: marshal token payload: %w", err)
	}

	expiresAt := time.Now().Add(s.ttl)
	if err := s.client.Set(ctx, tokenKey(value), data, s.ttl).Err(); err != nil {
		return Token{}, fmt.Errorf("identity: store token: %w", err)
	}
	userKey := userTokensKey(userID)
	if err := s.client.SAdd(ctx, userKey, value).Err(); err != nil {
		return Token{}, fmt.Errorf("identity: index token: %w", err)
	}
	// The index must outlive every member token.
	_ = s.client.Expire(ctx, userKey, s.ttl).Err()

	return Token{Value: value, ExpiresAt: expiresAt}, nil
}

// Resolve validates a bearer token and returns the identity it was issued to.
func (s *TokenStore) Resolve(ctx context.Context, token string) (*shared.Identity, error) {
	if token == "" {
		return nil, shared.ErrTokenInvalid
	}
	data, err := s.client.Get(ctx, tokenKey(token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, shared.ErrTokenInvalid
		}
		return nil, fmt.Errorf("identity: load token: %w", err)
	}
	var payload tokenPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("identity: decode token payload: %w", err)
	}
	return &shared.Identity{UserID: payload.UserID, Email: payload.Email}, nil
}

// Revoke invalidates a single token.
func (s *TokenStore) Revoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	id, err := s.Resolve(ctx, token)
	if err != nil {
		if errors.Is(err, shared.ErrTokenInvalid) {
			return nil
		}
		return err
	}
	if err := s.client.Del(ctx, tokenKey(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("identity: revoke token: %w", err)
	}
	_ = s.client.SRem(ctx, userTokensKey(id.UserID), token).Err()
	return nil
}

// RevokeAll invalidates every outstanding token for a user.
func (s *TokenStore) RevokeAll(ctx context.Context, userID int64) error {
	userKey := userTokensKey(userID)
	tokens, err := s.client.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("identity: list user tokens: %w", err)
	}
	for _, token := range tokens {
		if err := s.client.Del(ctx, tokenKey(token)).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("identity: revoke token: %w", err)
		}
	}
	if err := s.client.Del(ctx, userKey).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("identity: clear token index: %w", err)
	}
	return nil
}

func tokenKey(token string) string {
	return "token:" + token
}

func userTokensKey(userID int64) string {
	return "user_tokens:" + strconv.FormatInt(userID, 10)
}

var _ Provider = (*TokenStore)(nil)
