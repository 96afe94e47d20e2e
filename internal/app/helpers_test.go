package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gopherchat/internal/ai"
	"gopherchat/internal/blob"
	"gopherchat/internal/cache"
	"gopherchat/internal/model"
	"gopherchat/internal/repository"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "app.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&model.User{}, &model.Collection{}, &model.Message{}))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestRedis(t *testing.T) *redisv9.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

type testEnv struct {
	db      *gorm.DB
	redis   *redisv9.Client
	store   *ConversationStore
	storage *memStorage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	rdb := newTestRedis(t)
	store := NewConversationStore(
		repository.NewCollectionRepository(db),
		repository.NewMessageRepository(db),
		cache.NewHistoryCache(rdb, time.Minute, time.Second),
	)
	return &testEnv{db: db, redis: rdb, store: store, storage: newMemStorage()}
}

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
	failAt  int // 1-based Put call that fails; 0 never fails
}

func newMemStorage() *memStorage {
	return &memStorage{objects: make(map[string][]byte)}
}

func (m *memStorage) URI(key string) string { return "mem://" + key }

func (m *memStorage) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.failAt != 0 && m.puts == m.failAt {
		return "", errors.New("disk full")
	}
	m.objects[key] = append([]byte(nil), data...)
	return m.URI(key), nil
}

func (m *memStorage) Get(_ context.Context, uri string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, data := range m.objects {
		if m.URI(key) == uri {
			return data, nil
		}
	}
	return nil, fmt.Errorf("get %s: %w", uri, blob.ErrNotFound)
}

type fakeStream struct {
	chunks []string
	err    error
	pos    int
	closed bool
}

func (s *fakeStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.pos < len(s.chunks) {
		chunk := s.chunks[s.pos]
		s.pos++
		return chunk, nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeProvider struct {
	chunks  []string
	err     error
	openErr error

	calls   int
	prompt  ai.Prompt
	history []ai.Turn
	stream  *fakeStream
}

func (p *fakeProvider) GenerateStream(_ context.Context, prompt ai.Prompt, history []ai.Turn) (ai.ChunkStream, error) {
	p.calls++
	p.prompt = prompt
	p.history = history
	if p.openErr != nil {
		return nil, p.openErr
	}
	p.stream = &fakeStream{chunks: p.chunks, err: p.err}
	return p.stream, nil
}

type fakePublisher struct {
	turnIDs  []string
	messages []model.Message
	err      error
}

func (p *fakePublisher) Publish(_ context.Context, turnID string, msg model.Message) error {
	if p.err != nil {
		return p.err
	}
	p.turnIDs = append(p.turnIDs, turnID)
	p.messages = append(p.messages, msg)
	return nil
}

// modelWriteFailingStore loses every model-message write.
type modelWriteFailingStore struct {
	*ConversationStore
}

func (s modelWriteFailingStore) AppendMessage(ctx context.Context, collectionID uint, role string, content model.MessageContent, seq int) (*model.Message, error) {
	if role == model.RoleModel {
		return nil, fmt.Errorf("%w: connection reset", ErrStorage)
	}
	return s.ConversationStore.AppendMessage(ctx, collectionID, role, content, seq)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, 0, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func collector() (*[]string, func(string) error) {
	var got []string
	return &got, func(chunk string) error {
		got = append(got, chunk)
		return nil
	}
}
