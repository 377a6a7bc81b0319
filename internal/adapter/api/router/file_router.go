package router

import (
	"github.com/labstack/echo/v4"

	"gamechat/internal/adapter/api/handler"
)

// SetupFileRouter exposes in-process attachments. It is a no-op when
// attachments live in a bucket.
func SetupFileRouter(e *echo.Echo, fileHandler *handler.FileHandler) {
	if fileHandler == nil {
		return
	}
	e.GET("/files/*", fileHandler.GetFile)
}
