package repository

import (
	"context"
	"errors"

	"beacon/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PreferenceRepository defines the interface for visibility preference
// operations.
type PreferenceRepository interface {
	Get(ctx context.Context, userID uint) (*models.Preference, error)
	Upsert(ctx context.Context, pref *models.Preference) error
}

type preferenceRepository struct {
	db *gorm.DB
}

// NewPreferenceRepository creates a new preference repository
func NewPreferenceRepository(db *gorm.DB) PreferenceRepository {
	return &preferenceRepository{db: db}
}

// Get returns the stored preferences or the permissive defaults when the
// user has never saved any. The defaults are not persisted.
func (r *preferenceRepository) Get(ctx context.Context, userID uint) (*models.Preference, error) {
	var pref models.Preference
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&pref).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			def := models.DefaultPreference(userID)
			return &def, nil
		}
		return nil, models.NewInternalError(err)
	}
	return &pref, nil
}

func (r *preferenceRepository) Upsert(ctx context.Context, pref *models.Preference) error {
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"visibility", "share_project", "share_language", "share_activity",
			}),
		}).
		Create(pref).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}
