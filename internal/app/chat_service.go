package app

import (
	"context"
	"errors"
	"fmt"

	"gopherchat/internal/blob"
	"gopherchat/internal/model"
)

// ChatService is the owner-scoped read side of conversations: it never lets a
// caller see a collection they do not own, and reports foreign collections as
// missing.
type ChatService struct {
	store   *ConversationStore
	storage blob.Storage
}

func NewChatService(store *ConversationStore, storage blob.Storage) *ChatService {
	return &ChatService{store: store, storage: storage}
}

func (s *ChatService) CreateCollection(ctx context.Context, ownerID, name string) (*model.Collection, error) {
	return s.store.CreateCollection(ctx, ownerID, name)
}

func (s *ChatService) ListCollections(ctx context.Context, ownerID string) ([]model.Collection, error) {
	return s.store.ListCollections(ctx, ownerID)
}

func (s *ChatService) GetCollection(ctx context.Context, ownerID string, collectionID uint) (*model.Collection, error) {
	if ownerID == "" || collectionID == 0 {
		return nil, ErrInvalidInput
	}
	collection, err := s.store.GetCollection(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if collection.OwnerID != ownerID {
		return nil, ErrCollectionNotFound
	}
	return collection, nil
}

func (s *ChatService) GetHistory(ctx context.Context, ownerID string, collectionID uint) ([]model.Message, error) {
	if _, err := s.GetCollection(ctx, ownerID, collectionID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, collectionID)
}

// GetMedia returns the bytes of an attachment stored with one of the
// collection's turns.
func (s *ChatService) GetMedia(ctx context.Context, ownerID string, collectionID uint, name string) ([]byte, error) {
	if _, err := s.GetCollection(ctx, ownerID, collectionID); err != nil {
		return nil, err
	}
	key, err := blob.MediaKey(collectionID, name)
	if err != nil {
		return nil, ErrInvalidInput
	}
	data, err := s.storage.Get(ctx, s.storage.URI(key))
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrMediaNotFound, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrMediaStorage, err)
	}
	return data, nil
}
