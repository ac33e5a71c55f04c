package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/open-dispatch/opendispatch/internal/repository"
)

// AuthService is the entry point for all authentication operations used by
// the admin API. It wraps the local email/password provider and the shared
// JWTManager so the HTTP layer never touches repositories directly.
type AuthService struct {
	local      authProvider
	tokenRepo  repository.RefreshTokenRepository
	jwtManager *JWTManager
}

// NewAuthService creates an AuthService with the given provider and dependencies.
func NewAuthService(
	local *LocalAuthProvider,
	tokenRepo repository.RefreshTokenRepository,
	jwtManager *JWTManager,
) *AuthService {
	return &AuthService{
		local:      local,
		tokenRepo:  tokenRepo,
		jwtManager: jwtManager,
	}
}

// Login authenticates an operator via email and password.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*TokenPair, error) {
	return s.local.Login(ctx, req)
}

// RefreshToken validates and rotates a refresh token.
func (s *AuthService) RefreshToken(ctx context.Context, rawToken string) (*TokenPair, error) {
	return s.local.RefreshToken(ctx, rawToken)
}

// Logout invalidates the given refresh token.
func (s *AuthService) Logout(ctx context.Context, rawToken string) error {
	return s.local.Logout(ctx, rawToken)
}

// LogoutAllSessions revokes all active refresh tokens for an operator.
// Called on password change or security events (e.g. compromised account).
func (s *AuthService) LogoutAllSessions(ctx context.Context, operatorID uuid.UUID) error {
	if err := s.tokenRepo.RevokeAllForOperator(ctx, operatorID); err != nil {
		return fmt.Errorf("auth: revoking all sessions for operator %s: %w", operatorID, err)
	}
	return nil
}

// ValidateAccessToken parses and verifies a JWT access token.
// Used by the HTTP middleware to authenticate incoming requests.
func (s *AuthService) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.jwtManager.ValidateAccessToken(tokenString)
}

// JWTManager exposes the underlying JWTManager for cases where the caller
// needs direct access, e.g. to serve a JWKS endpoint.
func (s *AuthService) JWTManager() *JWTManager {
	return s.jwtManager
}
