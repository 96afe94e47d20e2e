package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"

	"gopherchat/internal/ai"
	"gopherchat/internal/blob"
	"gopherchat/internal/cache"
	"gopherchat/internal/model"
)

const (
	TurnStatusComplete   = "complete"
	TurnStatusFailed     = "failed"
	TurnStatusIncomplete = "incomplete"
	TurnStatusUnsaved    = "unsaved"
)

var allowedAttachmentTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
}

// TurnStore is the part of ConversationStore a turn writes through.
type TurnStore interface {
	GetCollection(ctx context.Context, id uint) (*model.Collection, error)
	CountMessages(ctx context.Context, collectionID uint) (int, error)
	ListRecentMessages(ctx context.Context, collectionID uint, limit int) ([]model.Message, error)
	AppendMessage(ctx context.Context, collectionID uint, role string, content model.MessageContent, seq int) (*model.Message, error)
	AppendIncompleteMessage(ctx context.Context, collectionID uint, content model.MessageContent, seq int) (*model.Message, error)
}

type TurnLocker interface {
	Acquire(ctx context.Context, collectionID uint) (func(context.Context) error, error)
}

// RetryPublisher queues a model message whose direct write failed.
type RetryPublisher interface {
	Publish(ctx context.Context, turnID string, msg model.Message) error
}

type RelayConfig struct {
	MaxAttachments     int
	MaxAttachmentBytes int64
	HistoryDepth       int
	ImageMaxEdge       int
}

type RelayService struct {
	store     TurnStore
	storage   blob.Storage
	provider  ai.Provider
	locker    TurnLocker
	publisher RetryPublisher
	cfg       RelayConfig
	logger    *slog.Logger
}

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

type TurnInput struct {
	OwnerID      string
	CollectionID uint
	Prompt       string
	Attachments  []Attachment
}

type TurnResult struct {
	TurnID       string
	Status       string
	Text         string
	UserMessage  *model.Message
	ModelMessage *model.Message
}

func NewRelayService(
	store TurnStore,
	storage blob.Storage,
	provider ai.Provider,
	locker TurnLocker,
	publisher RetryPublisher,
	cfg RelayConfig,
	logger *slog.Logger,
) *RelayService {
	if cfg.MaxAttachments <= 0 {
		cfg.MaxAttachments = 5
	}
	if cfg.MaxAttachmentBytes <= 0 {
		cfg.MaxAttachmentBytes = 5 << 20
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = 20
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayService{
		store:     store,
		storage:   storage,
		provider:  provider,
		locker:    locker,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "relay"),
	}
}

// SubmitTurn runs one turn end to end, calling emit once per generated chunk.
func (s *RelayService) SubmitTurn(ctx context.Context, input TurnInput, emit func(chunk string) error) (*TurnResult, error) {
	turn, err := s.BeginTurn(ctx, input)
	if err != nil {
		return nil, err
	}
	return turn.Relay(ctx, emit)
}

// BeginTurn validates the input, stores the attachments and the user message,
// and opens the model stream. Nothing has been written when it fails with a
// validation error, and no message exists when it fails before the user
// message write. The returned Turn holds the collection's turn lock until
// Relay returns or Close is called.
func (s *RelayService) BeginTurn(ctx context.Context, input TurnInput) (*Turn, error) {
	if strings.TrimSpace(input.Prompt) == "" {
		return nil, ErrPromptEmpty
	}
	text := input.Prompt
	if strings.TrimSpace(input.OwnerID) == "" || input.CollectionID == 0 {
		return nil, ErrInvalidInput
	}
	attachments, err := s.normalizeAttachments(input.Attachments)
	if err != nil {
		return nil, err
	}
	prompt, err := s.buildPrompt(text, attachments)
	if err != nil {
		return nil, err
	}

	collection, err := s.store.GetCollection(ctx, input.CollectionID)
	if err != nil {
		return nil, err
	}
	if collection.OwnerID != input.OwnerID {
		return nil, ErrCollectionNotFound
	}

	turnID := ulid.Make().String()
	logger := s.logger.With("turn_id", turnID, "collection_id", collection.ID, "owner_id", input.OwnerID)

	release := func(context.Context) error { return nil }
	if s.locker != nil {
		release, err = s.locker.Acquire(ctx, collection.ID)
		if err != nil {
			if errors.Is(err, cache.ErrLockHeld) {
				return nil, ErrTurnInProgress
			}
			return nil, fmt.Errorf("%w: %w", ErrStorage, err)
		}
	}
	turn := &Turn{
		ID:           turnID,
		CollectionID: collection.ID,
		svc:          s,
		release:      release,
		logger:       logger,
	}

	if err := turn.begin(ctx, text, prompt, attachments); err != nil {
		turn.Close()
		logger.Warn("turn aborted before streaming", "err", err)
		return nil, err
	}
	logger.Info("turn started", "sequence", turn.nextSeq, "attachments", len(attachments))
	return turn, nil
}

func (s *RelayService) normalizeAttachments(in []Attachment) ([]Attachment, error) {
	if len(in) > s.cfg.MaxAttachments {
		return nil, fmt.Errorf("%w: at most %d attachments per turn", ErrAttachmentInvalid, s.cfg.MaxAttachments)
	}
	out := make([]Attachment, 0, len(in))
	for _, a := range in {
		if len(a.Data) == 0 {
			return nil, fmt.Errorf("%w: %q is empty", ErrAttachmentInvalid, a.Filename)
		}
		if int64(len(a.Data)) > s.cfg.MaxAttachmentBytes {
			return nil, fmt.Errorf("%w: %q exceeds %d bytes", ErrAttachmentInvalid, a.Filename, s.cfg.MaxAttachmentBytes)
		}
		// Trust the bytes over the client-declared type.
		contentType := http.DetectContentType(a.Data)
		if i := strings.Index(contentType, ";"); i >= 0 {
			contentType = contentType[:i]
		}
		if !allowedAttachmentTypes[contentType] {
			return nil, fmt.Errorf("%w: %q has unsupported type %s", ErrAttachmentInvalid, a.Filename, contentType)
		}
		out = append(out, Attachment{Filename: a.Filename, ContentType: contentType, Data: a.Data})
	}
	return out, nil
}

func (s *RelayService) buildPrompt(text string, attachments []Attachment) (ai.Prompt, error) {
	prompt := ai.Prompt{Text: text}
	for _, a := range attachments {
		part, err := ai.MediaPart(a.Filename, a.ContentType, a.Data, s.cfg.ImageMaxEdge)
		if err != nil {
			return ai.Prompt{}, fmt.Errorf("%w: %q: %w", ErrAttachmentInvalid, a.Filename, err)
		}
		prompt.Parts = append(prompt.Parts, part)
	}
	return prompt, nil
}

// Turn is a turn whose user message is stored and whose model stream is open.
type Turn struct {
	ID           string
	CollectionID uint
	UserMessage  *model.Message

	svc     *RelayService
	stream  ai.ChunkStream
	release func(context.Context) error
	nextSeq int
	logger  *slog.Logger

	closeOnce sync.Once
	relayed   bool
}

func (t *Turn) begin(ctx context.Context, text string, prompt ai.Prompt, attachments []Attachment) error {
	s := t.svc

	seq, err := s.store.CountMessages(ctx, t.CollectionID)
	if err != nil {
		return err
	}
	t.nextSeq = seq

	recent, err := s.store.ListRecentMessages(ctx, t.CollectionID, s.cfg.HistoryDepth)
	if err != nil {
		return err
	}
	history := make([]ai.Turn, 0, len(recent))
	for _, m := range recent {
		history = append(history, ai.Turn{Role: m.Role, Text: m.Content.Text})
	}

	uris := make([]string, 0, len(attachments))
	for _, a := range attachments {
		uri, err := s.storage.Put(ctx, blob.CollectionKey(t.CollectionID, a.ContentType), a.Data, a.ContentType)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMediaStorage, err)
		}
		uris = append(uris, uri)
	}

	userMsg, err := s.store.AppendMessage(ctx, t.CollectionID, model.RoleUser, model.MessageContent{Text: text, Images: uris}, seq)
	if err != nil {
		return err
	}
	t.UserMessage = userMsg

	stream, err := s.provider.GenerateStream(ctx, prompt, history)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrProvider, err)
	}
	t.stream = stream
	return nil
}

// Relay forwards every chunk to emit as soon as it arrives and stores the
// reply once the stream ends. The returned result is never nil.
//
// A provider failure leaves only the user message. A cancelled ctx or a
// failing emit stores what was relayed so far as an incomplete reply. A failed
// final write hands the reply to the retry publisher and returns
// ErrModelMessageUnsaved.
func (t *Turn) Relay(ctx context.Context, emit func(chunk string) error) (*TurnResult, error) {
	result := &TurnResult{TurnID: t.ID, Status: TurnStatusFailed, UserMessage: t.UserMessage}
	if t.relayed {
		return result, errors.New("turn already relayed")
	}
	t.relayed = true
	defer t.Close()

	var acc strings.Builder
	for {
		chunk, err := t.stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return t.abandon(ctx, result, acc.String(), ctxErr)
			}
			t.logger.Error("model stream failed", "err", err, "relayed_bytes", acc.Len())
			result.Text = acc.String()
			return result, fmt.Errorf("%w: %w", ErrProvider, err)
		}
		if chunk == "" {
			continue
		}
		acc.WriteString(chunk)
		if err := emit(chunk); err != nil {
			return t.abandon(ctx, result, acc.String(), fmt.Errorf("relay chunk failed: %w", err))
		}
	}

	result.Text = acc.String()
	content := model.TextContent(result.Text)
	writeCtx := context.WithoutCancel(ctx)
	msg, err := t.svc.store.AppendMessage(writeCtx, t.CollectionID, model.RoleModel, content, t.nextSeq+1)
	if err != nil {
		t.logger.Error("store model message failed", "err", err, "sequence", t.nextSeq+1)
		result.Status = TurnStatusUnsaved
		t.queueRetry(writeCtx, err, model.Message{
			CollectionID: t.CollectionID,
			Role:         model.RoleModel,
			Content:      content,
			Sequence:     t.nextSeq + 1,
			Status:       model.StatusComplete,
		})
		return result, fmt.Errorf("%w: %w", ErrModelMessageUnsaved, err)
	}

	result.Status = TurnStatusComplete
	result.ModelMessage = msg
	t.logger.Info("turn completed", "sequence", msg.Sequence, "reply_bytes", len(result.Text))
	return result, nil
}

// abandon stores the partial reply of a turn whose client went away.
func (t *Turn) abandon(ctx context.Context, result *TurnResult, partial string, cause error) (*TurnResult, error) {
	result.Status = TurnStatusIncomplete
	result.Text = partial
	if partial == "" {
		t.logger.Info("turn cancelled before any output", "err", cause)
		return result, cause
	}

	msg, err := t.svc.store.AppendIncompleteMessage(context.WithoutCancel(ctx), t.CollectionID, model.TextContent(partial), t.nextSeq+1)
	if err != nil {
		t.logger.Error("store partial reply failed", "err", err)
		return result, cause
	}
	result.ModelMessage = msg
	t.logger.Info("turn cancelled, partial reply stored", "sequence", msg.Sequence, "reply_bytes", len(partial))
	return result, cause
}

func (t *Turn) queueRetry(ctx context.Context, cause error, msg model.Message) {
	if t.svc.publisher == nil || errors.Is(cause, ErrSequenceConflict) {
		return
	}
	if err := t.svc.publisher.Publish(ctx, t.ID, msg); err != nil {
		t.logger.Error("queue model message retry failed", "err", err)
		return
	}
	t.logger.Warn("model message queued for retry", "sequence", msg.Sequence)
}

// Close releases the model stream and the collection's turn lock. It is safe
// to call more than once and is called by Relay.
func (t *Turn) Close() {
	t.closeOnce.Do(func() {
		if t.stream != nil {
			_ = t.stream.Close()
		}
		if t.release != nil {
			if err := t.release(context.Background()); err != nil {
				t.logger.Warn("release turn lock failed", "err", err)
			}
		}
	})
}
