package repository

import (
	"context"
	"time"

	"beacon/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CloseFriendRepository defines the interface for close-friend set operations.
type CloseFriendRepository interface {
	Replace(ctx context.Context, userID uint, friendIDs []int64) error
	ListIDs(ctx context.Context, userID uint) ([]int64, error)
}

type closeFriendRepository struct {
	db *gorm.DB
}

// NewCloseFriendRepository creates a new close-friend repository
func NewCloseFriendRepository(db *gorm.DB) CloseFriendRepository {
	return &closeFriendRepository{db: db}
}

// Replace stores the owner's full close-friends set. Idempotent under
// identical payloads: existing rows keep their added_at.
func (r *closeFriendRepository) Replace(ctx context.Context, userID uint, friendIDs []int64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if len(friendIDs) == 0 {
			return tx.Where("user_id = ?", userID).Delete(&models.CloseFriend{}).Error
		}
		if err := tx.Where("user_id = ? AND friend_id NOT IN ?", userID, friendIDs).
			Delete(&models.CloseFriend{}).Error; err != nil {
			return err
		}
		now := time.Now()
		rows := make([]models.CloseFriend, 0, len(friendIDs))
		for _, id := range friendIDs {
			rows = append(rows, models.CloseFriend{UserID: userID, FriendID: id, AddedAt: now})
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
	})
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *closeFriendRepository) ListIDs(ctx context.Context, userID uint) ([]int64, error) {
	var ids []int64
	if err := r.db.WithContext(ctx).
		Model(&models.CloseFriend{}).
		Where("user_id = ?", userID).
		Pluck("friend_id", &ids).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return ids, nil
}
