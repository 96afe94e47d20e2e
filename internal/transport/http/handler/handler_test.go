package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	redisv9 "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"gopherchat/internal/ai"
	"gopherchat/internal/app"
	"gopherchat/internal/blob"
	"gopherchat/internal/cache"
	"gopherchat/internal/model"
	"gopherchat/internal/repository"
	"gopherchat/internal/transport/http/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type scriptedStream struct {
	chunks []string
	err    error
	pos    int
}

func (s *scriptedStream) Next(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.pos < len(s.chunks) {
		s.pos++
		return s.chunks[s.pos-1], nil
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error { return nil }

type scriptedProvider struct {
	chunks []string
	err    error
	prompt ai.Prompt
}

func (p *scriptedProvider) GenerateStream(_ context.Context, prompt ai.Prompt, _ []ai.Turn) (ai.ChunkStream, error) {
	p.prompt = prompt
	return &scriptedStream{chunks: p.chunks, err: p.err}, nil
}

type testServer struct {
	router   *gin.Engine
	store    *app.ConversationStore
	provider *scriptedProvider
	storage  *blob.LocalStorage
}

// newTestServer wires the chat routes with a fake identity: the X-Test-Owner
// header stands in for a verified JWT subject.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithTurnStore(t, func(store *app.ConversationStore) app.TurnStore { return store })
}

// newTestServerWithTurnStore lets a test wrap the store the relay writes through.
func newTestServerWithTurnStore(t *testing.T, wrap func(*app.ConversationStore) app.TurnStore) *testServer {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "handler.db")), &gorm.Config{
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

	mr := miniredis.RunT(t)
	rdb := redisv9.NewClient(&redisv9.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	storage, err := blob.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	store := app.NewConversationStore(
		repository.NewCollectionRepository(db),
		repository.NewMessageRepository(db),
		cache.NewHistoryCache(rdb, time.Minute, time.Second),
	)
	provider := &scriptedProvider{}
	relay := app.NewRelayService(wrap(store), storage, provider, cache.NewTurnLock(rdb, time.Minute), nil, app.RelayConfig{ImageMaxEdge: 64}, nil)

	chat := NewChatHandler(app.NewChatService(store, storage))
	turns := NewTurnHandler(relay, 5, 5<<20, nil)

	router := gin.New()
	group := router.Group("/api/v1/chat", func(c *gin.Context) {
		if owner := c.GetHeader("X-Test-Owner"); owner != "" {
			c.Set(middleware.ContextOwnerIDKey, owner)
		}
		c.Next()
	})
	group.POST("/collections", chat.CreateCollection)
	group.GET("/collections", chat.ListCollections)
	group.GET("/collections/:id/messages", chat.ListMessages)
	group.GET("/collections/:id/media/:name", chat.GetMedia)
	group.POST("/collections/:id/turns", turns.Submit)

	return &testServer{router: router, store: store, provider: provider, storage: storage}
}

func (s *testServer) do(t *testing.T, method, path, owner string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if owner != "" {
		req.Header.Set("X-Test-Owner", owner)
	}
	if body != nil && headers["Content-Type"] == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// post sends a turn over a real listener so the client sees how the
// connection ends, which a recorder cannot show.
func (s *testServer) post(t *testing.T, path, owner string, body io.Reader) *http.Response {
	t.Helper()
	srv := httptest.NewServer(s.router)
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodPost, srv.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Owner", owner)
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func (s *testServer) createCollection(t *testing.T, owner, name string) model.Collection {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/v1/chat/collections", owner, strings.NewReader(`{"name":"`+name+`"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var env struct {
		Code int              `json:"code"`
		Data model.Collection `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Data
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}
