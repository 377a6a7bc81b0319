package router

import (
	"github.com/labstack/echo/v4"

	"gamechat/internal/adapter/api/handler"
	"gamechat/internal/adapter/api/middleware"
)

// SetupChatRouter registers chat roster routes.
func SetupChatRouter(e *echo.Echo, chatHandler *handler.ChatHandler, authMiddleware *middleware.AuthMiddleware) {
	chatGroup := e.Group("/v1/chats")
	chatGroup.Use(authMiddleware.Authenticate)

	chatGroup.POST("", chatHandler.CreateDirectChat)
	chatGroup.POST("/group", chatHandler.CreateGroupChat)
	chatGroup.GET("", chatHandler.GetUserChats)
	chatGroup.GET("/:id", chatHandler.GetChatByID)
	chatGroup.PATCH("/:id", chatHandler.RenameChat)
	chatGroup.DELETE("/:id", chatHandler.DeleteChat)

	chatGroup.POST("/:id/participants", chatHandler.AddParticipant)
	chatGroup.DELETE("/:id/participants/:userId", chatHandler.RemoveParticipant)
	chatGroup.POST("/:id/leave", chatHandler.LeaveChat)
}
