package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// Operator is a human account authorized to drive jobs through the admin
// API: log in, issue Sends, inspect instances and job history. There is no
// federated identity provider in the open core tier — operators authenticate
// with email and an Argon2id password hash (see auth.HashPassword).
type Operator struct {
	base
	Email        string `gorm:"uniqueIndex;not null"`
	PasswordHash string `gorm:"not null"` // argon2id, format salt:hash (hex)
	Role         string `gorm:"not null;default:'operator'"` // "admin" or "operator"
}

// RefreshToken stores a hashed refresh token associated with an operator
// session. The raw token is never stored — only its SHA-256 hash. Tokens are
// rotated on every use and expire after the auth package's
// refreshTokenDuration (7 days).
type RefreshToken struct {
	base
	OperatorID uuid.UUID `gorm:"type:text;not null;index"`
	TokenHash  string    `gorm:"not null;uniqueIndex"` // SHA-256 hex of the raw token
	ExpiresAt  time.Time `gorm:"not null;index"`
	RevokedAt  *time.Time
	UserAgent  string
	IPAddress  string
}
