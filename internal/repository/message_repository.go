package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"gopherchat/internal/model"
)

type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Create inserts the message. A taken (collection_id, sequence) slot is
// reported as ErrDuplicateSequence.
func (r *MessageRepository) Create(ctx context.Context, message *model.Message) error {
	if message.Status == "" {
		message.Status = model.StatusComplete
	}
	if err := r.db.WithContext(ctx).Create(message).Error; err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("create message failed: %w", ErrDuplicateSequence)
		}
		return fmt.Errorf("create message failed: %w", err)
	}
	return nil
}

func (r *MessageRepository) CountByCollectionID(ctx context.Context, collectionID uint) (int, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.Message{}).Where("collection_id = ?", collectionID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("count messages failed: %w", err)
	}
	return int(count), nil
}

func (r *MessageRepository) GetBySequence(ctx context.Context, collectionID uint, sequence int) (*model.Message, error) {
	var message model.Message
	if err := r.db.WithContext(ctx).
		Where("collection_id = ? AND sequence = ?", collectionID, sequence).
		First(&message).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get message failed: %w", err)
	}
	return &message, nil
}

func (r *MessageRepository) ListByCollectionID(ctx context.Context, collectionID uint) ([]model.Message, error) {
	messages := make([]model.Message, 0)
	if err := r.db.WithContext(ctx).Where("collection_id = ?", collectionID).Order("sequence ASC").Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	return messages, nil
}

// ListRecentByCollectionID returns the last limit messages in ascending order.
func (r *MessageRepository) ListRecentByCollectionID(ctx context.Context, collectionID uint, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 20
	}
	messages := make([]model.Message, 0, limit)
	if err := r.db.WithContext(ctx).Where("collection_id = ?", collectionID).Order("sequence DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("list recent messages failed: %w", err)
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
