package router

import (
	"github.com/labstack/echo/v4"

	"gamechat/internal/adapter/api/handler"
	"gamechat/internal/adapter/api/middleware"
)

func SetupUserRouter(e *echo.Echo, userHandler *handler.UserHandler, authMiddleware *middleware.AuthMiddleware) {
	users := e.Group("/v1/users")
	users.Use(authMiddleware.Authenticate)

	users.GET("/me", userHandler.GetProfile)
	users.GET("/:id", userHandler.GetUserByID)

	e.GET("/v1/chats/:id/participants", userHandler.GetChatParticipants, authMiddleware.Authenticate)
}
