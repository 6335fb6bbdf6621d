// Package identity implements the bearer-credential boundary. The rest of the
// application only sees the Provider interface: hand it a token, get back an
// authenticated identity or nothing.
package identity

import (
	"context"
	"time"

	"github.com/aegis-iam/aegis/internal/shared"
)

// Token is an issued bearer credential.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Provider validates and manages bearer credentials.
type Provider interface {
	// Issue mints a new bearer token for the given user.
	Issue(ctx context.Context, userID int64, email string) (Token, error)
	// Resolve validates a bearer token. It returns shared.ErrTokenInvalid for
	// unknown or expired tokens.
	Resolve(ctx context.Context, token string) (*shared.Identity, error)
	// Revoke invalidates a single token. Revoking an unknown token is a no-op.
	Revoke(ctx context.Context, token string) error
	// RevokeAll invalidates every outstanding token for a user.
	RevokeAll(ctx context.Context, userID int64) error
}
