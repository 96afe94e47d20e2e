package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"gopherchat/internal/app"
	"gopherchat/internal/model"
	"gopherchat/internal/transport/http/response"
)

func jsonBody(t *testing.T, v interface{}) io.Reader {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(raw)
}

func turnPath(c model.Collection) string {
	return "/api/v1/chat/collections/" + strconv.Itoa(int(c.ID)) + "/turns"
}

func TestTurnHandler_StreamsPlainTextWithStatusTrailer(t *testing.T) {
	s := newTestServer(t)
	s.provider.chunks = []string{"Hi", " there"}
	c := s.createCollection(t, "u1", "C1")

	rec := s.do(t, http.MethodPost, turnPath(c), "u1", jsonBody(t, map[string]string{"prompt": "hello"}), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Hi there", rec.Body.String())
	require.True(t, rec.Flushed)

	res := rec.Result()
	require.Equal(t, "text/plain; charset=utf-8", res.Header.Get("Content-Type"))
	require.NotEmpty(t, res.Header.Get("X-Turn-Id"))
	require.Equal(t, app.TurnStatusComplete, res.Trailer.Get(TurnStatusTrailer))

	messages, err := s.store.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	require.Equal(t, "Hi there", messages[1].Content.Text)
}

func TestTurnHandler_ProviderFailureTruncatesBody(t *testing.T) {
	s := newTestServer(t)
	s.provider.chunks = []string{"partial"}
	s.provider.err = errors.New("upstream reset")
	c := s.createCollection(t, "u1", "C1")

	res := s.post(t, turnPath(c), "u1", jsonBody(t, map[string]string{"prompt": "hello"}))
	require.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, "partial", string(body))
	require.Empty(t, res.Trailer.Get(TurnStatusTrailer))

	messages, err := s.store.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, model.RoleUser, messages[0].Role)
}

type modelWriteFailingStore struct {
	*app.ConversationStore
}

func (s modelWriteFailingStore) AppendMessage(ctx context.Context, collectionID uint, role string, content model.MessageContent, seq int) (*model.Message, error) {
	if role == model.RoleModel {
		return nil, fmt.Errorf("%w: connection lost", app.ErrStorage)
	}
	return s.ConversationStore.AppendMessage(ctx, collectionID, role, content, seq)
}

func TestTurnHandler_UnsavedReplyTruncatesBody(t *testing.T) {
	s := newTestServerWithTurnStore(t, func(store *app.ConversationStore) app.TurnStore {
		return modelWriteFailingStore{store}
	})
	s.provider.chunks = []string{"Hi", " there"}
	c := s.createCollection(t, "u1", "C1")

	res := s.post(t, turnPath(c), "u1", jsonBody(t, map[string]string{"prompt": "hello"}))
	require.Equal(t, http.StatusOK, res.StatusCode)
	body, err := io.ReadAll(res.Body)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	require.Equal(t, "Hi there", string(body))
}

func TestTurnHandler_CompleteTurnEndsCleanlyOverHTTP(t *testing.T) {
	s := newTestServer(t)
	s.provider.chunks = []string{"Hi", " there"}
	c := s.createCollection(t, "u1", "C1")

	res := s.post(t, turnPath(c), "u1", jsonBody(t, map[string]string{"prompt": "hello"}))
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Equal(t, "Hi there", string(body))
	require.Equal(t, app.TurnStatusComplete, res.Trailer.Get(TurnStatusTrailer))
}

func TestTurnHandler_ServerSentEvents(t *testing.T) {
	s := newTestServer(t)
	s.provider.chunks = []string{"Hi", " there"}
	c := s.createCollection(t, "u1", "C1")

	rec := s.do(t, http.MethodPost, turnPath(c), "u1", jsonBody(t, map[string]string{"prompt": "hello"}), map[string]string{
		"Accept": "text/event-stream",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")

	var texts []string
	var events []string
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			events = append(events, strings.TrimSpace(strings.TrimPrefix(line, "event:")))
		case strings.HasPrefix(line, "data:"):
			var payload struct {
				Text string `json:"text"`
			}
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &payload))
			if payload.Text != "" {
				texts = append(texts, payload.Text)
			}
		}
	}
	require.Equal(t, []string{"Hi", " there"}, texts)
	require.Equal(t, []string{"done"}, events)
}

func TestTurnHandler_EmptyPromptRejectedWithJSON(t *testing.T) {
	s := newTestServer(t)
	c := s.createCollection(t, "u1", "C1")

	rec := s.do(t, http.MethodPost, turnPath(c), "u1", jsonBody(t, map[string]string{"prompt": "  "}), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, response.CodePromptEmpty, decodeEnvelope(t, rec).Code)

	messages, err := s.store.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Empty(t, messages)
}

func TestTurnHandler_ForeignCollection(t *testing.T) {
	s := newTestServer(t)
	c := s.createCollection(t, "u1", "C1")

	rec := s.do(t, http.MethodPost, turnPath(c), "u2", jsonBody(t, map[string]string{"prompt": "hi"}), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, response.CodeCollectionNotFound, decodeEnvelope(t, rec).Code)
}

func TestTurnHandler_MultipartAttachmentsAndMedia(t *testing.T) {
	s := newTestServer(t)
	s.provider.chunks = []string{"nice picture"}
	c := s.createCollection(t, "u1", "C1")

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 8, 8))))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("prompt", "what is this"))
	part, err := mw.CreateFormFile("attachments", "photo.png")
	require.NoError(t, err)
	_, err = part.Write(img.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := s.do(t, http.MethodPost, turnPath(c), "u1", &body, map[string]string{"Content-Type": mw.FormDataContentType()})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "nice picture", rec.Body.String())
	require.True(t, s.provider.prompt.IsMultipart())

	messages, err := s.store.ListMessages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	images := messages[0].Content.Images
	require.Len(t, images, 1)

	name := images[0][strings.LastIndex(images[0], "/")+1:]
	media := s.do(t, http.MethodGet, "/api/v1/chat/collections/"+strconv.Itoa(int(c.ID))+"/media/"+name, "u1", nil, nil)
	require.Equal(t, http.StatusOK, media.Code)
	require.Equal(t, "image/png", media.Header().Get("Content-Type"))
	require.Equal(t, img.Bytes(), media.Body.Bytes())

	foreign := s.do(t, http.MethodGet, "/api/v1/chat/collections/"+strconv.Itoa(int(c.ID))+"/media/"+name, "u2", nil, nil)
	require.Equal(t, http.StatusNotFound, foreign.Code)
}

func TestTurnHandler_RejectsUnsupportedAttachment(t *testing.T) {
	s := newTestServer(t)
	c := s.createCollection(t, "u1", "C1")

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("prompt", "read this"))
	part, err := mw.CreateFormFile("attachments", "notes.txt")
	require.NoError(t, err)
	_, err = part.Write([]byte("plain text is not accepted"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := s.do(t, http.MethodPost, turnPath(c), "u1", &body, map[string]string{"Content-Type": mw.FormDataContentType()})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, response.CodeAttachmentInvalid, decodeEnvelope(t, rec).Code)
}
