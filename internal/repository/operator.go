package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/open-dispatch/opendispatch/internal/db"
)

// gormOperatorRepository is the GORM implementation of OperatorRepository.
type gormOperatorRepository struct {
	db *gorm.DB
}

// NewOperatorRepository returns an OperatorRepository backed by the provided *gorm.DB.
func NewOperatorRepository(gdb *gorm.DB) OperatorRepository {
	return &gormOperatorRepository{db: gdb}
}

// Create inserts a new operator record into the database.
func (r *gormOperatorRepository) Create(ctx context.Context, op *db.Operator) error {
	if err := r.db.WithContext(ctx).Create(op).Error; err != nil {
		return fmt.Errorf("operators: create: %w", err)
	}
	return nil
}

// GetByID retrieves an operator by its UUID. Returns ErrNotFound if no record exists.
func (r *gormOperatorRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Operator, error) {
	var op db.Operator
	err := r.db.WithContext(ctx).First(&op, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("operators: get by id: %w", err)
	}
	return &op, nil
}

// GetByEmail retrieves an operator by email address. Returns ErrNotFound if no record exists.
func (r *gormOperatorRepository) GetByEmail(ctx context.Context, email string) (*db.Operator, error) {
	var op db.Operator
	err := r.db.WithContext(ctx).First(&op, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("operators: get by email: %w", err)
	}
	return &op, nil
}

// Update persists changes to an existing operator record.
func (r *gormOperatorRepository) Update(ctx context.Context, op *db.Operator) error {
	result := r.db.WithContext(ctx).Save(op)
	if result.Error != nil {
		return fmt.Errorf("operators: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete permanently removes an operator record by ID.
func (r *gormOperatorRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Operator{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("operators: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of operators and the total count.
func (r *gormOperatorRepository) List(ctx context.Context, opts ListOptions) ([]db.Operator, int64, error) {
	var ops []db.Operator
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Operator{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("operators: list count: %w", err)
	}

	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&ops).Error; err != nil {
		return nil, 0, fmt.Errorf("operators: list: %w", err)
	}

	return ops, total, nil
}
