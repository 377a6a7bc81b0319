package handler

import (
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/labstack/echo/v4"

	"gamechat/internal/adapter/api/middleware"
	"gamechat/internal/usecase"
	"gamechat/pkg/errors"
	"gamechat/pkg/response"
)

const idempotencyHeader = "Idempotency-Key"

type MessageHandler struct {
	messageUseCase *usecase.MessageUseCase
	maxSize        int64
	maxCount       int
}

func NewMessageHandler(messageUseCase *usecase.MessageUseCase, maxSize int64, maxCount int) *MessageHandler {
	return &MessageHandler{
		messageUseCase: messageUseCase,
		maxSize:        maxSize,
		maxCount:       maxCount,
	}
}

type sendMessageRequest struct {
	Content       string `json:"content" form:"content"`
	IdempotencyID string `json:"idempotency_id" form:"idempotency_id"`
}

// SendMessage accepts JSON or a multipart form with files in "attachments".
// The response is the acknowledged snapshot; persistence finishes later.
func (h *MessageHandler) SendMessage(c echo.Context) error {
	input := usecase.SendMessageInput{
		ChatID:   c.Param("chatId"),
		SenderID: middleware.UserID(c),
	}

	contentType := c.Request().Header.Get(echo.HeaderContentType)
	if strings.HasPrefix(contentType, echo.MIMEMultipartForm) {
		form, err := c.MultipartForm()
		if err != nil {
			return response.Error(c, errors.BadRequest("Invalid multipart form", err))
		}
		input.Content = firstValue(form.Value, "content")
		input.IdempotencyID = firstValue(form.Value, "idempotency_id")

		files := form.File["attachments"]
		if len(files) > h.maxCount {
			return response.Error(c, errors.Validation(fmt.Sprintf("a message can carry at most %d attachments", h.maxCount)))
		}
		for _, fh := range files {
			upload, err := h.readAttachment(fh)
			if err != nil {
				return response.Error(c, err)
			}
			input.Attachments = append(input.Attachments, upload)
		}
	} else {
		var req sendMessageRequest
		if err := c.Bind(&req); err != nil {
			return response.Error(c, err)
		}
		input.Content = req.Content
		input.IdempotencyID = req.IdempotencyID
	}

	if input.IdempotencyID == "" {
		input.IdempotencyID = c.Request().Header.Get(idempotencyHeader)
	}

	snapshot, err := h.messageUseCase.SendMessage(c.Request().Context(), input)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Created(c, snapshot)
}

// readAttachment loads one uploaded file and sniffs its real content type;
// the client-declared type is ignored.
func (h *MessageHandler) readAttachment(fh *multipart.FileHeader) (usecase.AttachmentUpload, error) {
	if fh.Size > h.maxSize {
		return usecase.AttachmentUpload{}, errors.Validation(fmt.Sprintf("attachment %q exceeds %d bytes", fh.Filename, h.maxSize))
	}

	f, err := fh.Open()
	if err != nil {
		return usecase.AttachmentUpload{}, errors.BadRequest("Failed to read attachment", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, h.maxSize+1))
	if err != nil {
		return usecase.AttachmentUpload{}, errors.BadRequest("Failed to read attachment", err)
	}
	if int64(len(data)) > h.maxSize {
		return usecase.AttachmentUpload{}, errors.Validation(fmt.Sprintf("attachment %q exceeds %d bytes", fh.Filename, h.maxSize))
	}

	mtype := mimetype.Detect(data)
	mimeType := strings.TrimSpace(strings.SplitN(mtype.String(), ";", 2)[0])

	return usecase.AttachmentUpload{
		Filename: fh.Filename,
		MimeType: mimeType,
		Data:     data,
	}, nil
}

func firstValue(values map[string][]string, key string) string {
	if v := values[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// GetMessages returns the recent window of a chat, oldest first.
func (h *MessageHandler) GetMessages(c echo.Context) error {
	messages, err := h.messageUseCase.RecentMessages(c.Request().Context(), c.Param("chatId"), middleware.UserID(c))
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, messages)
}

func (h *MessageHandler) DeleteMessage(c echo.Context) error {
	err := h.messageUseCase.DeleteMessage(c.Request().Context(), c.Param("chatId"), c.Param("messageId"), middleware.UserID(c))
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, map[string]string{"message": "Message deleted"})
}
