package router

import (
	"github.com/labstack/echo/v4"

	"gamechat/internal/adapter/api/handler"
	"gamechat/internal/adapter/api/middleware"
)

func SetupMessageRouter(e *echo.Echo, messageHandler *handler.MessageHandler, authMiddleware *middleware.AuthMiddleware) {
	messageGroup := e.Group("/v1/messages")
	messageGroup.Use(authMiddleware.Authenticate)

	messageGroup.GET("/:chatId", messageHandler.GetMessages)
	messageGroup.POST("/:chatId", messageHandler.SendMessage)
	messageGroup.DELETE("/:chatId/:messageId", messageHandler.DeleteMessage)
}
