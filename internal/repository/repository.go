// Package repository persists the durable, GORM-backed side of the control
// plane — Operator accounts and their RefreshTokens. It intentionally knows
// nothing about Job or Instance: those stay in the instance manager's
// in-process maps per the module's durability non-goals.
package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/open-dispatch/opendispatch/internal/db"
)

// ErrNotFound is returned by any repository method that looked up a record
// by a unique key and found none.
var ErrNotFound = errors.New("repository: not found")

// ListOptions carries pagination for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// OperatorRepository persists Operator accounts.
type OperatorRepository interface {
	Create(ctx context.Context, op *db.Operator) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Operator, error)
	GetByEmail(ctx context.Context, email string) (*db.Operator, error)
	Update(ctx context.Context, op *db.Operator) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Operator, int64, error)
}

// RefreshTokenRepository persists hashed RefreshToken rows backing admin
// sessions. The raw token is never stored — only its SHA-256 hash.
type RefreshTokenRepository interface {
	Create(ctx context.Context, token *db.RefreshToken) error
	GetByHash(ctx context.Context, hash string) (*db.RefreshToken, error)
	DeleteByHash(ctx context.Context, hash string) error
	RevokeAllForOperator(ctx context.Context, operatorID uuid.UUID) error
	DeleteExpired(ctx context.Context) error
}
