package handler

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"gopherchat/internal/app"
	"gopherchat/internal/transport/http/middleware"
	"gopherchat/internal/transport/http/response"
)

// TurnStatusTrailer carries the outcome of a streamed turn. Only complete
// turns end the body cleanly; any other outcome cuts the connection after the
// last relayed chunk, so a body that ends without this trailer is a failed turn.
const TurnStatusTrailer = "X-Turn-Status"

type TurnHandler struct {
	relay        *app.RelayService
	maxFiles     int
	maxFileBytes int64
	logger       *slog.Logger
}

type SubmitTurnRequest struct {
	Prompt string `json:"prompt"`
}

func NewTurnHandler(relay *app.RelayService, maxFiles int, maxFileBytes int64, logger *slog.Logger) *TurnHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TurnHandler{
		relay:        relay,
		maxFiles:     maxFiles,
		maxFileBytes: maxFileBytes,
		logger:       logger,
	}
}

// Submit runs one turn. The request is JSON {"prompt"} or multipart with a
// "prompt" field and "attachments" files. Errors found before the model
// stream opens get a JSON error envelope; after that the reply is streamed
// as text/plain, or as server-sent events when the client accepts them.
func (h *TurnHandler) Submit(c *gin.Context) {
	ownerID, ok := middleware.OwnerID(c)
	if !ok {
		response.Error(c, http.StatusUnauthorized, response.CodeUnauthorized, "invalid token payload")
		return
	}
	collectionID, ok := parseCollectionID(c)
	if !ok {
		return
	}

	input, err := h.bindTurn(c)
	if err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		return
	}
	input.OwnerID = ownerID
	input.CollectionID = collectionID

	turn, err := h.relay.BeginTurn(c.Request.Context(), input)
	if err != nil {
		writeAppError(c, err, "submit turn failed")
		return
	}

	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		h.streamEvents(c, turn)
		return
	}
	h.streamText(c, turn)
}

func (h *TurnHandler) streamText(c *gin.Context, turn *app.Turn) {
	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Turn-Id", turn.ID)
	c.Header("Trailer", TurnStatusTrailer)
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	result, err := turn.Relay(c.Request.Context(), func(chunk string) error {
		if _, err := c.Writer.WriteString(chunk); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	c.Writer.Header().Set(TurnStatusTrailer, result.Status)
	if err != nil || result.Status != app.TurnStatusComplete {
		h.logger.Warn("turn ended abnormally", "turn_id", turn.ID, "status", result.Status, "err", err)
		abortStream(c)
	}
}

// abortStream ends a streamed body without its terminating chunk, so readers
// that cannot see trailers still observe a truncated response.
func abortStream(c *gin.Context) {
	c.Writer.Flush()
	if c.Request.ProtoMajor == 1 {
		if conn, _, err := c.Writer.Hijack(); err == nil {
			_ = conn.Close()
			return
		}
	}
	// HTTP/2 has no hijacking; the server resets the stream instead.
	panic(http.ErrAbortHandler)
}

// streamEvents sends each chunk as a JSON {"text"} event so leading spaces
// and newlines survive SSE framing.
func (h *TurnHandler) streamEvents(c *gin.Context, turn *app.Turn) {
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Header("X-Turn-Id", turn.ID)
	c.Status(http.StatusOK)

	result, err := turn.Relay(c.Request.Context(), func(chunk string) error {
		c.SSEvent("", gin.H{"text": chunk})
		if err := c.Request.Context().Err(); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err != nil {
		h.logger.Warn("turn ended abnormally", "turn_id", turn.ID, "status", result.Status, "err", err)
		if result.Status != app.TurnStatusIncomplete {
			c.SSEvent("error", gin.H{"status": result.Status, "message": publicTurnError(err)})
			c.Writer.Flush()
		}
		return
	}
	c.SSEvent("done", gin.H{"status": result.Status, "turn_id": turn.ID})
	c.Writer.Flush()
}

func publicTurnError(err error) string {
	switch {
	case errors.Is(err, app.ErrModelMessageUnsaved):
		return app.ErrModelMessageUnsaved.Error()
	case errors.Is(err, app.ErrProvider):
		return app.ErrProvider.Error()
	default:
		return "turn failed"
	}
}

func (h *TurnHandler) bindTurn(c *gin.Context) (app.TurnInput, error) {
	if c.ContentType() != "multipart/form-data" {
		var req SubmitTurnRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			return app.TurnInput{}, errors.New("invalid request payload")
		}
		return app.TurnInput{Prompt: req.Prompt}, nil
	}

	limit := int64(h.maxFiles)*h.maxFileBytes + 1<<20
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
	form, err := c.MultipartForm()
	if err != nil {
		return app.TurnInput{}, errors.New("invalid multipart payload")
	}

	input := app.TurnInput{Prompt: strings.Join(form.Value["prompt"], "\n")}
	files := form.File["attachments"]
	if len(files) > h.maxFiles {
		return app.TurnInput{}, fmt.Errorf("at most %d attachments per turn", h.maxFiles)
	}
	for _, fh := range files {
		data, err := h.readAttachment(fh)
		if err != nil {
			return app.TurnInput{}, err
		}
		input.Attachments = append(input.Attachments, app.Attachment{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return input, nil
}

func (h *TurnHandler) readAttachment(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > h.maxFileBytes {
		return nil, fmt.Errorf("attachment %q exceeds %d bytes", fh.Filename, h.maxFileBytes)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("read attachment %q failed", fh.Filename)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read attachment %q failed", fh.Filename)
	}
	if int64(len(data)) > h.maxFileBytes {
		return nil, fmt.Errorf("attachment %q exceeds %d bytes", fh.Filename, h.maxFileBytes)
	}
	return data, nil
}
