package identity_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/aegis-iam/aegis/internal/identity"
	"github.com/aegis-iam/aegis/internal/shared"
	_ "github.com/aegis-iam/aegis/testing"
)

func newTokenStore(t *testing.T, ttl time.Duration) (*identity.TokenStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return identity.NewTokenStore(client, ttl), mr
}

func TestIssueAndResolve(t *testing.T) {
	store, _ := newTokenStore(t, time.Hour)
	ctx := context.Background()

	token, err := store.Issue(ctx, 42, "user@test.local")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if token.Value == "" {
		t.Fatalf("expected non-empty token value")
	}

	id, err := store.Resolve(ctx, token.Value)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id.UserID != 42 || id.Email != "user@test.local" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestResolveUnknownToken(t *testing.T) {
	store, _ := newTokenStore(t, time.Hour)

	_, err := store.Resolve(context.Background(), "nope")
	if !errors.Is(err, shared.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid, got %v", err)
	}
}

func TestResolveExpiredToken(t *testing.T) {
	store, mr := newTokenStore(t, time.Minute)
	ctx := context.Background()

	token, err := store.Issue(ctx, 7, "user@test.local")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	if _, err := store.Resolve(ctx, token.Value); !errors.Is(err, shared.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid after expiry, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	store, _ := newTokenStore(t, time.Hour)
	ctx := context.Background()

	token, err := store.Issue(ctx, 7, "user@test.local")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := store.Revoke(ctx, token.Value); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if _, err := store.Resolve(ctx, token.Value); !errors.Is(err, shared.ErrTokenInvalid) {
		t.Fatalf("expected ErrTokenInvalid after revoke, got %v", err)
	}

	// Revoking again must be a no-op.
	if err := store.Revoke(ctx, token.Value); err != nil {
		t.Fatalf("revoke twice: %v", err)
	}
}

func TestRevokeAll(t *testing.T) {
	store, _ := newTokenStore(t, time.Hour)
	ctx := context.Background()

	first, err := store.Issue(ctx, 9, "user@test.local")
	if err != nil {
		t.Fatalf("issue first: %v", err)
	}
	second, err := store.Issue(ctx, 9, "user@test.local")
	if err != nil {
		t.Fatalf("issue second: %v", err)
	}
	other, err := store.Issue(ctx, 10, "other@test.local")
	if err != nil {
		t.Fatalf("issue other: %v", err)
	}

	if err := store.RevokeAll(ctx, 9); err != nil {
		t.Fatalf("revoke all: %v", err)
	}

	for _, token := range []string{first.Value, second.Value} {
		if _, err := store.Resolve(ctx, token); !errors.Is(err, shared.ErrTokenInvalid) {
			t.Fatalf("expected token %q revoked, got %v", token, err)
		}
	}
	if _, err := store.Resolve(ctx, other.Value); err != nil {
		t.Fatalf("expected other user's token to survive: %v", err)
	}
}

func TestResetTokenSingleUse(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := identity.NewResetStore(client, 15*time.Minute)
	ctx := context.Background()

	token, err := store.Create(ctx, 5)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	userID, err := store.Consume(ctx, token)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if userID != 5 {
		t.Fatalf("expected user 5, got %d", userID)
	}
	if _, err := store.Consume(ctx, token); !errors.Is(err, shared.ErrTokenInvalid) {
		t.Fatalf("expected second consume to fail, got %v", err)
	}
}
