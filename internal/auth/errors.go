package auth

import "errors"

// Sentinel errors returned by the auth service. Callers should use errors.Is
// for comparison.
var (
	// ErrInvalidCredentials is returned when email/password do not match.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrOperatorNotFound is returned when no operator exists for the given identifier.
	ErrOperatorNotFound = errors.New("auth: operator not found")

	// ErrTokenExpired is returned when a JWT or refresh token has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrRefreshTokenNotFound is returned when the provided refresh token
	// does not exist or has already been rotated out.
	ErrRefreshTokenNotFound = errors.New("auth: refresh token not found")
)
