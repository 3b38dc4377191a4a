package repository

import (
	"context"

	"beacon/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConnectionRepository defines the interface for manual-connection operations.
// A manual connection is stored as two directed rows so peer listing is a
// single indexed query on user1.
type ConnectionRepository interface {
	CreatePair(ctx context.Context, a, b string) error
	DeletePair(ctx context.Context, a, b string) error
	Exists(ctx context.Context, a, b string) (bool, error)
	ListPeers(ctx context.Context, handle string) ([]string, error)
}

type connectionRepository struct {
	db *gorm.DB
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db *gorm.DB) ConnectionRepository {
	return &connectionRepository{db: db}
}

// CreatePair inserts both directed rows in one transaction. Re-creating an
// existing pair is a no-op.
func (r *connectionRepository) CreatePair(ctx context.Context, a, b string) error {
	rows := []models.Connection{
		{User1: a, User2: b},
		{User1: b, User2: a},
	}
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

// DeletePair removes both directed rows in one transaction so the pair
// never exists half-deleted.
func (r *connectionRepository) DeletePair(ctx context.Context, a, b string) error {
	if err := r.db.WithContext(ctx).
		Where("(user1 = ? AND user2 = ?) OR (user1 = ? AND user2 = ?)", a, b, b, a).
		Delete(&models.Connection{}).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *connectionRepository) Exists(ctx context.Context, a, b string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Connection{}).
		Where("(user1 = ? AND user2 = ?) OR (user1 = ? AND user2 = ?)", a, b, b, a).
		Count(&count).Error; err != nil {
		return false, models.NewInternalError(err)
	}
	return count > 0, nil
}

func (r *connectionRepository) ListPeers(ctx context.Context, handle string) ([]string, error) {
	var peers []string
	if err := r.db.WithContext(ctx).
		Model(&models.Connection{}).
		Where("user1 = ?", handle).
		Pluck("user2", &peers).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return peers, nil
}
