package handler

import (
	"net/http"

	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"gamechat/internal/adapter/api/middleware"
	ws "gamechat/internal/infrastructure/websocket"
	"gamechat/pkg/logger"
)

type WebSocketHandler struct {
	wsManager      *ws.Manager
	authMiddleware *middleware.AuthMiddleware
	upgrader       gorillaws.Upgrader
}

func NewWebSocketHandler(wsManager *ws.Manager, authMiddleware *middleware.AuthMiddleware, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		wsManager:      wsManager,
		authMiddleware: authMiddleware,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker accepts every origin when none are configured.
func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		_, ok := set[r.Header.Get("Origin")]
		return ok
	}
}

// HandleWebSocket authenticates the handshake, then hands the connection to
// the gateway. A failed handshake is still upgraded so the client receives a
// socketError frame before the close.
func (h *WebSocketHandler) HandleWebSocket(c echo.Context) error {
	userID, authErr := h.authMiddleware.Verify(c.Request())

	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Warn("WebSocket: upgrade failed: %v", err)
		return nil
	}

	if authErr != nil {
		logger.Debug("WebSocket: rejected handshake: %v", authErr)
		conn.WriteMessage(gorillaws.TextMessage, ws.ErrorFrame("Authentication failed"))
		conn.WriteMessage(gorillaws.CloseMessage, gorillaws.FormatCloseMessage(gorillaws.ClosePolicyViolation, "unauthorized"))
		conn.Close()
		return nil
	}

	client := ws.NewClient(conn, userID)
	if err := h.wsManager.Serve(client); err != nil {
		logger.Error("WebSocket Error: register %s failed: %v", userID, err)
		conn.WriteMessage(gorillaws.TextMessage, ws.ErrorFrame("Gateway unavailable"))
		conn.Close()
	}
	return nil
}
