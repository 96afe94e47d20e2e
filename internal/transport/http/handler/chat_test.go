package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"gopherchat/internal/model"
	"gopherchat/internal/transport/http/response"
)

func TestChatHandler_CollectionsAreOwnerScoped(t *testing.T) {
	s := newTestServer(t)
	first := s.createCollection(t, "u1", "first")
	second := s.createCollection(t, "u1", "second")
	s.createCollection(t, "u2", "foreign")

	rec := s.do(t, http.MethodGet, "/api/v1/chat/collections", "u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var collections []model.Collection
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rec).Data, &collections))
	require.Len(t, collections, 2)
	require.Equal(t, second.ID, collections[0].ID)
	require.Equal(t, first.ID, collections[1].ID)
}

func TestChatHandler_ListMessages(t *testing.T) {
	s := newTestServer(t)
	c := s.createCollection(t, "u1", "chat")
	path := "/api/v1/chat/collections/" + strconv.Itoa(int(c.ID)) + "/messages"

	rec := s.do(t, http.MethodGet, path, "u1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `[]`, string(decodeEnvelope(t, rec).Data))

	rec = s.do(t, http.MethodGet, path, "u2", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, response.CodeCollectionNotFound, decodeEnvelope(t, rec).Code)

	rec = s.do(t, http.MethodGet, "/api/v1/chat/collections/abc/messages", "u1", nil, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatHandler_RequiresOwner(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/api/v1/chat/collections", "", nil, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, response.CodeUnauthorized, decodeEnvelope(t, rec).Code)
}

func TestChatHandler_CreateCollectionRejectsLongName(t *testing.T) {
	s := newTestServer(t)
	long := make([]byte, 200)
	for i := range long {
		long[i] = 'x'
	}
	rec := s.do(t, http.MethodPost, "/api/v1/chat/collections", "u1", jsonBody(t, map[string]string{"name": string(long)}), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
