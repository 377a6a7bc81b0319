package handler

import (
	"github.com/labstack/echo/v4"

	"gamechat/internal/adapter/api/middleware"
	"gamechat/internal/usecase"
	"gamechat/pkg/response"
)

type UserHandler struct {
	userUseCase *usecase.UserUseCase
	chatUseCase *usecase.ChatUseCase
}

func NewUserHandler(userUseCase *usecase.UserUseCase, chatUseCase *usecase.ChatUseCase) *UserHandler {
	return &UserHandler{
		userUseCase: userUseCase,
		chatUseCase: chatUseCase,
	}
}

func (h *UserHandler) GetProfile(c echo.Context) error {
	user, err := h.userUseCase.GetProfile(c.Request().Context(), middleware.UserID(c))
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, user)
}

func (h *UserHandler) GetUserByID(c echo.Context) error {
	user, err := h.userUseCase.GetProfile(c.Request().Context(), c.Param("id"))
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, user.Summary())
}

// GetChatParticipants returns sender summaries for every member of a chat
// the caller belongs to.
func (h *UserHandler) GetChatParticipants(c echo.Context) error {
	ctx := c.Request().Context()

	chat, err := h.chatUseCase.GetChat(ctx, middleware.UserID(c), c.Param("id"))
	if err != nil {
		return response.Error(c, err)
	}

	profiles, err := h.userUseCase.GetProfiles(ctx, chat.Participants)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, profiles)
}
