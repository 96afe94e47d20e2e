package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gopherchat/internal/model"
	"gopherchat/internal/repository"
)

const defaultCollectionName = "New Chat"

type HistoryCache interface {
	GetHistory(ctx context.Context, collectionID uint) ([]model.Message, bool, error)
	SetHistory(ctx context.Context, collectionID uint, messages []model.Message) error
	Invalidate(ctx context.Context, collectionID uint) error
	IsDirty(ctx context.Context, collectionID uint) (bool, error)
}

// ConversationStore is the only path to collections and messages. Sequence
// numbers are assigned by callers; the (collection_id, sequence) unique index
// turns a reused slot into ErrSequenceConflict.
type ConversationStore struct {
	collectionRepo *repository.CollectionRepository
	messageRepo    *repository.MessageRepository
	historyCache   HistoryCache
}

func NewConversationStore(
	collectionRepo *repository.CollectionRepository,
	messageRepo *repository.MessageRepository,
	historyCache HistoryCache,
) *ConversationStore {
	return &ConversationStore{
		collectionRepo: collectionRepo,
		messageRepo:    messageRepo,
		historyCache:   historyCache,
	}
}

func (s *ConversationStore) CreateCollection(ctx context.Context, ownerID, name string) (*model.Collection, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return nil, ErrInvalidInput
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultCollectionName
	}
	if len(name) > 128 {
		return nil, ErrInvalidInput
	}

	collection := &model.Collection{OwnerID: ownerID, Name: name}
	if err := s.collectionRepo.Create(ctx, collection); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return collection, nil
}

func (s *ConversationStore) ListCollections(ctx context.Context, ownerID string) ([]model.Collection, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrInvalidInput
	}
	collections, err := s.collectionRepo.ListByOwnerID(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return collections, nil
}

func (s *ConversationStore) GetCollection(ctx context.Context, id uint) (*model.Collection, error) {
	if id == 0 {
		return nil, ErrInvalidInput
	}
	collection, err := s.collectionRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if collection == nil {
		return nil, ErrCollectionNotFound
	}
	return collection, nil
}

func (s *ConversationStore) CountMessages(ctx context.Context, collectionID uint) (int, error) {
	count, err := s.messageRepo.CountByCollectionID(ctx, collectionID)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return count, nil
}

func (s *ConversationStore) AppendMessage(
	ctx context.Context,
	collectionID uint,
	role string,
	content model.MessageContent,
	seq int,
) (*model.Message, error) {
	return s.appendWithStatus(ctx, collectionID, role, content, seq, model.StatusComplete)
}

// AppendIncompleteMessage stores a reply that was cut short by the client going away.
func (s *ConversationStore) AppendIncompleteMessage(
	ctx context.Context,
	collectionID uint,
	content model.MessageContent,
	seq int,
) (*model.Message, error) {
	return s.appendWithStatus(ctx, collectionID, model.RoleModel, content, seq, model.StatusIncomplete)
}

func (s *ConversationStore) appendWithStatus(
	ctx context.Context,
	collectionID uint,
	role string,
	content model.MessageContent,
	seq int,
	status string,
) (*model.Message, error) {
	if collectionID == 0 || seq < 0 || !model.ValidRole(role) {
		return nil, ErrInvalidInput
	}
	if content.Images == nil {
		content.Images = []string{}
	}

	msg := &model.Message{
		CollectionID: collectionID,
		Role:         role,
		Content:      content,
		Sequence:     seq,
		Status:       status,
	}
	if err := s.write(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// AppendMessageIdempotent writes msg unless the same message already holds
// its slot. A slot holding different content is a sequence conflict.
func (s *ConversationStore) AppendMessageIdempotent(ctx context.Context, msg *model.Message) error {
	if msg == nil || msg.CollectionID == 0 || msg.Sequence < 0 || !model.ValidRole(msg.Role) {
		return ErrInvalidInput
	}
	if msg.Content.Images == nil {
		msg.Content.Images = []string{}
	}

	err := s.write(ctx, msg)
	if err == nil || !errors.Is(err, repository.ErrDuplicateSequence) {
		return err
	}

	existing, getErr := s.messageRepo.GetBySequence(ctx, msg.CollectionID, msg.Sequence)
	if getErr != nil {
		return fmt.Errorf("%w: %w", ErrStorage, getErr)
	}
	if existing != nil && existing.Role == msg.Role && existing.Content.Text == msg.Content.Text {
		*msg = *existing
		return nil
	}
	return err
}

func (s *ConversationStore) write(ctx context.Context, msg *model.Message) error {
	s.invalidate(ctx, msg.CollectionID)
	if err := s.messageRepo.Create(ctx, msg); err != nil {
		if errors.Is(err, repository.ErrDuplicateSequence) {
			return fmt.Errorf("%w: %w", ErrSequenceConflict, err)
		}
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	// A reader may have back-filled between the first invalidation and the insert.
	s.invalidate(ctx, msg.CollectionID)
	return nil
}

// ListMessages returns the collection's messages ascending by sequence.
func (s *ConversationStore) ListMessages(ctx context.Context, collectionID uint) ([]model.Message, error) {
	if collectionID == 0 {
		return nil, ErrInvalidInput
	}
	if s.historyCache != nil {
		dirty, err := s.historyCache.IsDirty(ctx, collectionID)
		if err == nil && !dirty {
			if cached, hit, cacheErr := s.historyCache.GetHistory(ctx, collectionID); cacheErr == nil && hit {
				return cached, nil
			}
		}
	}

	messages, err := s.messageRepo.ListByCollectionID(ctx, collectionID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if s.historyCache != nil {
		if dirty, dirtyErr := s.historyCache.IsDirty(ctx, collectionID); dirtyErr == nil && !dirty {
			_ = s.historyCache.SetHistory(ctx, collectionID, messages)
		}
	}
	return messages, nil
}

// ListRecentMessages returns at most limit of the newest messages, oldest first.
func (s *ConversationStore) ListRecentMessages(ctx context.Context, collectionID uint, limit int) ([]model.Message, error) {
	messages, err := s.messageRepo.ListRecentByCollectionID(ctx, collectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return messages, nil
}

func (s *ConversationStore) invalidate(ctx context.Context, collectionID uint) {
	if s.historyCache == nil {
		return
	}
	_ = s.historyCache.Invalidate(ctx, collectionID)
}
