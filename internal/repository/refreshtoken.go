package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/open-dispatch/opendispatch/internal/db"
)

// gormRefreshTokenRepository is the GORM implementation of RefreshTokenRepository.
type gormRefreshTokenRepository struct {
	db *gorm.DB
}

// NewRefreshTokenRepository returns a RefreshTokenRepository backed by the provided *gorm.DB.
func NewRefreshTokenRepository(gdb *gorm.DB) RefreshTokenRepository {
	return &gormRefreshTokenRepository{db: gdb}
}

// Create inserts a new refresh token record.
func (r *gormRefreshTokenRepository) Create(ctx context.Context, token *db.RefreshToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return fmt.Errorf("refresh_tokens: create: %w", err)
	}
	return nil
}

// GetByHash retrieves a refresh token by its SHA-256 hash.
// Returns ErrNotFound if no record exists.
func (r *gormRefreshTokenRepository) GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error) {
	var token db.RefreshToken
	err := r.db.WithContext(ctx).First(&token, "token_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("refresh_tokens: get by hash: %w", err)
	}
	return &token, nil
}

// RevokeAllForOperator revokes all active refresh tokens for a given operator.
// Used on logout-all, password change, or a security event.
func (r *gormRefreshTokenRepository) RevokeAllForOperator(ctx context.Context, operatorID uuid.UUID) error {
	err := r.db.WithContext(ctx).
		Model(&db.RefreshToken{}).
		Where("operator_id = ? AND revoked_at IS NULL", operatorID).
		Update("revoked_at", gorm.Expr("CURRENT_TIMESTAMP")).Error
	if err != nil {
		return fmt.Errorf("refresh_tokens: revoke all for operator: %w", err)
	}
	return nil
}

// DeleteExpired permanently removes all expired refresh tokens from the database.
// Intended to be called periodically by a background cleanup job.
func (r *gormRefreshTokenRepository) DeleteExpired(ctx context.Context) error {
	err := r.db.WithContext(ctx).
		Where("expires_at < CURRENT_TIMESTAMP").
		Delete(&db.RefreshToken{}).Error
	if err != nil {
		return fmt.Errorf("refresh_tokens: delete expired: %w", err)
	}
	return nil
}

// DeleteByHash permanently removes a refresh token by its SHA-256 hash.
// If no token matches the hash the call is a no-op — the desired state
// (token gone) is already met.
func (r *gormRefreshTokenRepository) DeleteByHash(ctx context.Context, hash string) error {
	err := r.db.WithContext(ctx).
		Where("token_hash = ?", hash).
		Delete(&db.RefreshToken{}).Error
	if err != nil {
		return fmt.Errorf("refresh_tokens: delete by hash: %w", err)
	}
	return nil
}
