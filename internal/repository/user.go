// Package repository provides data access layer implementations for the broker.
package repository

import (
	"context"
	"errors"
	"time"

	"beacon/internal/models"

	"gorm.io/gorm"
)

// UserRepository defines the interface for user data operations
type UserRepository interface {
	EnsureGuest(ctx context.Context, handle string) (*models.User, error)
	UpsertIdentity(ctx context.Context, handle string, identityID int64, avatar string) (*models.User, error)
	GetByHandle(ctx context.Context, handle string) (*models.User, error)
	GetByHandles(ctx context.Context, handles []string) ([]models.User, error)
	GetByIdentityIDs(ctx context.Context, ids []int64) ([]models.User, error)
	TouchLastSeen(ctx context.Context, handle string, t time.Time) error
}

type userRepository struct {
	db *gorm.DB
}

// NewUserRepository creates a new user repository
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db}
}

func (r *userRepository) EnsureGuest(ctx context.Context, handle string) (*models.User, error) {
	user := models.User{Handle: handle}
	if err := r.db.WithContext(ctx).
		Where("handle = ?", handle).
		FirstOrCreate(&user).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return &user, nil
}

func (r *userRepository) UpsertIdentity(ctx context.Context, handle string, identityID int64, avatar string) (*models.User, error) {
	user := models.User{Handle: handle}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("handle = ?", handle).FirstOrCreate(&user).Error; err != nil {
			return err
		}
		return tx.Model(&user).Updates(map[string]interface{}{
			"identity_id": identityID,
			"avatar":      avatar,
		}).Error
	})
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	user.IdentityID = &identityID
	user.Avatar = avatar
	return &user, nil
}

func (r *userRepository) GetByHandle(ctx context.Context, handle string) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).Where("handle = ?", handle).First(&user).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("User", handle)
		}
		return nil, models.NewInternalError(err)
	}
	return &user, nil
}

func (r *userRepository) GetByHandles(ctx context.Context, handles []string) ([]models.User, error) {
	if len(handles) == 0 {
		return nil, nil
	}
	var users []models.User
	if err := r.db.WithContext(ctx).Where("handle IN ?", handles).Find(&users).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return users, nil
}

func (r *userRepository) GetByIdentityIDs(ctx context.Context, ids []int64) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []models.User
	if err := r.db.WithContext(ctx).Where("identity_id IN ?", ids).Find(&users).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return users, nil
}

// TouchLastSeen advances last_seen, never rewinding it. Callers coalesce
// writes; this method is a single idempotent row update.
func (r *userRepository) TouchLastSeen(ctx context.Context, handle string, t time.Time) error {
	if err := r.db.WithContext(ctx).
		Model(&models.User{}).
		Where("handle = ? AND last_seen < ?", handle, t).
		Update("last_seen", t).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}
