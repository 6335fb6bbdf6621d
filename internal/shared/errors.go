package shared

import "errors"

var (
	// ErrInvalidCredentials indicates login failure. Deliberately opaque so
	// callers cannot distinguish a wrong password from an unknown account.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrTokenInvalid indicates a bearer or reset token that is unknown or expired.
	ErrTokenInvalid = errors.New("token invalid or expired")
)
