package router

import (
	"github.com/labstack/echo/v4"

	"gamechat/internal/adapter/api/handler"
)

// SetupWebSocketRouter registers the gateway endpoint. The handler
// authenticates the handshake itself.
func SetupWebSocketRouter(e *echo.Echo, wsHandler *handler.WebSocketHandler) {
	e.GET("/ws", wsHandler.HandleWebSocket)
}
