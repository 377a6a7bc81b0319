package router

import (
	"github.com/labstack/echo/v4"

	"gamechat/internal/adapter/api/handler"
	"gamechat/internal/adapter/api/middleware"
)

func Setup(e *echo.Echo, authMiddleware *middleware.AuthMiddleware, wsHandler *handler.WebSocketHandler) {
	SetupChatRouter(e, handler.GetChatHandler(), authMiddleware)
	SetupMessageRouter(e, handler.GetMessageHandler(), authMiddleware)
	SetupUserRouter(e, handler.GetUserHandler(), authMiddleware)
	SetupWebSocketRouter(e, wsHandler)
	SetupFileRouter(e, handler.GetFileHandler())
	SetupHealthRouter(e)
}
