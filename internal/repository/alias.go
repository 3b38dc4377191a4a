package repository

import (
	"context"
	"errors"

	"beacon/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AliasRepository defines the interface for guest-to-identity alias operations.
type AliasRepository interface {
	Create(ctx context.Context, alias *models.Alias) error
	GetByLogin(ctx context.Context, login string) (*models.Alias, error)
	GetByGuest(ctx context.Context, guestHandle string) (*models.Alias, error)
}

type aliasRepository struct {
	db *gorm.DB
}

// NewAliasRepository creates a new alias repository
func NewAliasRepository(db *gorm.DB) AliasRepository {
	return &aliasRepository{db: db}
}

// Create stores the alias. Aliases are write-once: a second create for the
// same login is a silent no-op so replays are idempotent.
func (r *aliasRepository) Create(ctx context.Context, alias *models.Alias) error {
	if err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(alias).Error; err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (r *aliasRepository) GetByLogin(ctx context.Context, login string) (*models.Alias, error) {
	var alias models.Alias
	if err := r.db.WithContext(ctx).Where("login = ?", login).First(&alias).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Alias", login)
		}
		return nil, models.NewInternalError(err)
	}
	return &alias, nil
}

func (r *aliasRepository) GetByGuest(ctx context.Context, guestHandle string) (*models.Alias, error) {
	var alias models.Alias
	if err := r.db.WithContext(ctx).Where("guest_handle = ?", guestHandle).First(&alias).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.NewNotFoundError("Alias", guestHandle)
		}
		return nil, models.NewInternalError(err)
	}
	return &alias, nil
}
