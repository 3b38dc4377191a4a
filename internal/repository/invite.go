package repository

import (
	"context"
	"errors"
	"time"

	"beacon/internal/models"

	"gorm.io/gorm"
)

// InviteRepository defines the interface for invite-code operations.
type InviteRepository interface {
	Create(ctx context.Context, invite *models.Invite) error
	GetByCode(ctx context.Context, code string) (*models.Invite, error)
	Redeem(ctx context.Context, code, usedBy string, at time.Time) (bool, error)
	Revoke(ctx context.Context, code, creator string) (bool, error)
	ListByCreator(ctx context.Context, creator string) ([]models.Invite, error)
}

type inviteRepository struct {
	db *gorm.DB
}

// NewInviteRepository creates a new invite repository
func NewInviteRepository(db *gorm.DB) InviteRepository {
	return &inviteRepository{db: db}
}

func (r *inviteRepository) Create(ctx context.Context, invite *models.Invite) error {
	if err := r.db.WithContext(ctx).Create(invite).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.NewConflictError("Invite code already exists")
		}
		return models.NewInternalError(err)
	}
	return nil
}

func (r *inviteRepository) GetByCode(ctx context.Context, code string) (*models.Invite, error) {
	var invite models.Invite
	if err := r.db.WithContext(ctx).Where("code = ?", code).First(&invite).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Invite", code)
		}
		return nil, models.NewInternalError(err)
	}
	return &invite, nil
}

// Redeem marks a fresh, unexpired code used by usedBy. The guarded update
// makes first-redeem-wins atomic: a second attempt matches zero rows.
func (r *inviteRepository) Redeem(ctx context.Context, code, usedBy string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Invite{}).
		Where("code = ? AND used_by IS NULL AND expires_at > ?", code, at).
		Updates(map[string]interface{}{"used_by": usedBy, "used_at": at})
	if res.Error != nil {
		return false, models.NewInternalError(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// Revoke expires an unused code immediately. Only the creator may revoke.
func (r *inviteRepository) Revoke(ctx context.Context, code, creator string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.Invite{}).
		Where("code = ? AND creator = ? AND used_by IS NULL", code, creator).
		Update("expires_at", time.Now())
	if res.Error != nil {
		return false, models.NewInternalError(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (r *inviteRepository) ListByCreator(ctx context.Context, creator string) ([]models.Invite, error) {
	var invites []models.Invite
	if err := r.db.WithContext(ctx).
		Where("creator = ?", creator).
		Order("created_at DESC").
		Find(&invites).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return invites, nil
}
