package auth

import (
	"context"
	"time"
)

// LoginRequest carries credentials for an operator login attempt.
type LoginRequest struct {
	Email    string
	Password string
}

// TokenPair is returned after a successful login or token refresh.
// AccessToken is meant to be returned in the response body.
// RefreshToken is meant to be set as an httpOnly Secure cookie by the HTTP
// layer — it is never included in API responses directly.
type TokenPair struct {
	AccessToken string

	// RefreshToken is the raw opaque token string. The HTTP handler is
	// responsible for setting it as a cookie; this struct does not carry
	// cookie metadata (path, domain, SameSite) to keep the auth layer
	// decoupled from HTTP concerns.
	RefreshToken string

	// RefreshTokenExpiresAt is used by the HTTP layer to set the cookie
	// Max-Age / Expires attribute correctly.
	RefreshTokenExpiresAt time.Time
}

// authProvider is the interface the local email/password backend implements.
// There is only one implementation in the open core tier — the interface
// exists so AuthService can be tested against a fake without a database.
type authProvider interface {
	Login(ctx context.Context, req LoginRequest) (*TokenPair, error)
	RefreshToken(ctx context.Context, refreshToken string) (*TokenPair, error)
	Logout(ctx context.Context, refreshToken string) error
}
