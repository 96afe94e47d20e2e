package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"gopherchat/internal/model"
)

type CollectionRepository struct {
	db *gorm.DB
}

func NewCollectionRepository(db *gorm.DB) *CollectionRepository {
	return &CollectionRepository{db: db}
}

func (r *CollectionRepository) Create(ctx context.Context, collection *model.Collection) error {
	if err := r.db.WithContext(ctx).Create(collection).Error; err != nil {
		return fmt.Errorf("create collection failed: %w", err)
	}
	return nil
}

// ListByOwnerID returns the owner's collections newest first. The id tiebreak
// keeps the order stable for rows created within the same clock tick.
func (r *CollectionRepository) ListByOwnerID(ctx context.Context, ownerID string) ([]model.Collection, error) {
	collections := make([]model.Collection, 0)
	if err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&collections).Error; err != nil {
		return nil, fmt.Errorf("list collections failed: %w", err)
	}
	return collections, nil
}

func (r *CollectionRepository) GetByID(ctx context.Context, id uint) (*model.Collection, error) {
	var collection model.Collection
	if err := r.db.WithContext(ctx).First(&collection, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get collection failed: %w", err)
	}
	return &collection, nil
}
