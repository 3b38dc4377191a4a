package repository

import (
	"context"

	"beacon/internal/models"

	"gorm.io/gorm"
)

// RelationshipRepository defines the interface for identity-provider contact
// graph operations.
type RelationshipRepository interface {
	ReplaceAll(ctx context.Context, userID uint, followers, following []int64) error
	ListIDs(ctx context.Context, userID uint, kind models.RelationshipKind) ([]int64, error)
}

type relationshipRepository struct {
	db *gorm.DB
}

// NewRelationshipRepository creates a new relationship repository
func NewRelationshipRepository(db *gorm.DB) RelationshipRepository {
	return &relationshipRepository{db: db}
}

// ReplaceAll swaps the user's entire edge set in one transaction. Admission
// calls this with the freshly fetched provider lists.
func (r *relationshipRepository) ReplaceAll(ctx context.Context, userID uint, followers, following []int64) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.Relationship{}).Error; err != nil {
			return err
		}
		rows := make([]models.Relationship, 0, len(followers)+len(following))
		for _, id := range followers {
			rows = append(rows, models.Relationship{UserID: userID, RelatedID: id, Kind: models.RelationshipFollower})
		}
		for _, id := range following {
			rows = append(rows, models.Relationship{UserID: userID, RelatedID: id, Kind: models.RelationshipFollowing})
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.Create(&rows).Error
	})
	if err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *relationshipRepository) ListIDs(ctx context.Context, userID uint, kind models.RelationshipKind) ([]int64, error) {
	var ids []int64
	if err := r.db.WithContext(ctx).
		Model(&models.Relationship{}).
		Where("user_id = ? AND kind = ?", userID, kind).
		Pluck("related_id", &ids).Error; err != nil {
		return nil, models.NewInternalError(err)
	}
	return ids, nil
}
