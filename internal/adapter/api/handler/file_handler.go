package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"gamechat/internal/infrastructure/storage"
	"gamechat/pkg/errors"
	"gamechat/pkg/response"
)

// ObjectReader reads objects kept by an in-process store.
type ObjectReader interface {
	Get(key string) (storage.Object, bool)
}

// FileHandler serves attachment objects when no bucket is configured.
type FileHandler struct {
	objects ObjectReader
}

var fileHandler *FileHandler

func NewFileHandler(objects ObjectReader) *FileHandler {
	return &FileHandler{
		objects: objects,
	}
}

func SetupFileHandler(objects ObjectReader) {
	fileHandler = NewFileHandler(objects)
}

func GetFileHandler() *FileHandler {
	return fileHandler
}

func (h *FileHandler) GetFile(c echo.Context) error {
	key := strings.TrimPrefix(c.Param("*"), "/")
	if key == "" || strings.Contains(key, "..") {
		return response.Error(c, errors.BadRequest("Invalid file key", nil))
	}

	obj, ok := h.objects.Get(key)
	if !ok {
		return response.Error(c, errors.NotFound("File", nil))
	}

	c.Response().Header().Set("Cache-Control", "private, max-age=3600")
	return c.Blob(http.StatusOK, obj.ContentType, obj.Data)
}
