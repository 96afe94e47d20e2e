package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"gopherchat/internal/app"
	"gopherchat/internal/transport/http/middleware"
	"gopherchat/internal/transport/http/response"
)

type ChatHandler struct {
	chatService *app.ChatService
}

type CreateCollectionRequest struct {
	Name string `json:"name" binding:"max=128"`
}

func NewChatHandler(chatService *app.ChatService) *ChatHandler {
	return &ChatHandler{chatService: chatService}
}

func (h *ChatHandler) CreateCollection(c *gin.Context) {
	ownerID, ok := middleware.OwnerID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	var req CreateCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	collection, err := h.chatService.CreateCollection(c.Request.Context(), ownerID, req.Name)
	if err != nil {
		writeAppError(c, err, "create collection failed")
		return
	}

	response.OK(c, collection)
}

func (h *ChatHandler) ListCollections(c *gin.Context) {
	ownerID, ok := middleware.OwnerID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}

	collections, err := h.chatService.ListCollections(c.Request.Context(), ownerID)
	if err != nil {
		writeAppError(c, err, "list collections failed")
		return
	}

	response.OK(c, collections)
}

func (h *ChatHandler) ListMessages(c *gin.Context) {
	ownerID, ok := middleware.OwnerID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	collectionID, ok := parseCollectionID(c)
	if !ok {
		return
	}

	messages, err := h.chatService.GetHistory(c.Request.Context(), ownerID, collectionID)
	if err != nil {
		writeAppError(c, err, "list messages failed")
		return
	}

	response.OK(c, messages)
}

func (h *ChatHandler) GetMedia(c *gin.Context) {
	ownerID, ok := middleware.OwnerID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	collectionID, ok := parseCollectionID(c)
	if !ok {
		return
	}

	data, err := h.chatService.GetMedia(c.Request.Context(), ownerID, collectionID, c.Param("name"))
	if err != nil {
		writeAppError(c, err, "fetch media failed")
		return
	}

	c.Header("Cache-Control", "private, max-age=3600")
	c.Data(http.StatusOK, http.DetectContentType(data), data)
}

func parseCollectionID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid collection id")
		return 0, false
	}
	return uint(id), true
}

// writeAppError maps service errors onto the response envelope. fallback is
// the message used for unclassified failures.
func writeAppError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, app.ErrPromptEmpty):
		response.Error(c, http.StatusBadRequest, response.CodePromptEmpty, err.Error())
	case errors.Is(err, app.ErrAttachmentInvalid):
		response.Error(c, http.StatusBadRequest, response.CodeAttachmentInvalid, err.Error())
	case errors.Is(err, app.ErrInvalidInput):
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
	case errors.Is(err, app.ErrCollectionNotFound):
		response.Error(c, http.StatusNotFound, response.CodeCollectionNotFound, app.ErrCollectionNotFound.Error())
	case errors.Is(err, app.ErrMediaNotFound):
		response.Error(c, http.StatusNotFound, response.CodeMediaNotFound, app.ErrMediaNotFound.Error())
	case errors.Is(err, app.ErrTurnInProgress):
		response.Error(c, http.StatusConflict, response.CodeTurnInProgress, err.Error())
	case errors.Is(err, app.ErrSequenceConflict):
		response.Error(c, http.StatusConflict, response.CodeSequenceConflict, app.ErrSequenceConflict.Error())
	case errors.Is(err, app.ErrMediaStorage):
		response.Error(c, http.StatusBadGateway, response.CodeMediaStorage, app.ErrMediaStorage.Error())
	case errors.Is(err, app.ErrProvider):
		response.Error(c, http.StatusBadGateway, response.CodeProvider, app.ErrProvider.Error())
	case errors.Is(err, app.ErrStorage):
		response.Error(c, http.StatusInternalServerError, response.CodeStorage, app.ErrStorage.Error())
	default:
		response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, fallback)
	}
}
