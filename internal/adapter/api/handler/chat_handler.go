package handler

import (
	"github.com/labstack/echo/v4"

	"gamechat/internal/adapter/api/middleware"
	"gamechat/internal/usecase"
	"gamechat/pkg/response"
	"gamechat/pkg/utils"
)

type ChatHandler struct {
	chatUseCase *usecase.ChatUseCase
}

func NewChatHandler(chatUseCase *usecase.ChatUseCase) *ChatHandler {
	return &ChatHandler{
		chatUseCase: chatUseCase,
	}
}

type createDirectChatRequest struct {
	ReceiverID string `json:"receiver_id" validate:"required"`
}

type renameChatRequest struct {
	Name string `json:"name" validate:"required,max=100"`
}

type addParticipantRequest struct {
	UserID string `json:"user_id" validate:"required"`
}

// CreateDirectChat returns the caller's direct chat with the receiver,
// creating it on first contact.
func (h *ChatHandler) CreateDirectChat(c echo.Context) error {
	var req createDirectChatRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, err)
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	chat, err := h.chatUseCase.CreateOrGetDirectChat(c.Request().Context(), middleware.UserID(c), req.ReceiverID)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, chat)
}

func (h *ChatHandler) CreateGroupChat(c echo.Context) error {
	var req usecase.CreateGroupChatInput
	if err := c.Bind(&req); err != nil {
		return response.Error(c, err)
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	chat, err := h.chatUseCase.CreateGroupChat(c.Request().Context(), middleware.UserID(c), req)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Created(c, chat)
}

// GetUserChats lists the caller's chats, most recently active first.
func (h *ChatHandler) GetUserChats(c echo.Context) error {
	page := utils.GetPaginationParams(c, 20, 100)

	chats, total, err := h.chatUseCase.ListChats(c.Request().Context(), middleware.UserID(c), page.Limit, page.Offset)
	if err != nil {
		return response.Error(c, err)
	}

	return response.SuccessPaginated(c, chats, total, page.Limit, page.Offset)
}

func (h *ChatHandler) GetChatByID(c echo.Context) error {
	chat, err := h.chatUseCase.GetChat(c.Request().Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, chat)
}

func (h *ChatHandler) RenameChat(c echo.Context) error {
	var req renameChatRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, err)
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	chat, err := h.chatUseCase.RenameGroupChat(c.Request().Context(), middleware.UserID(c), c.Param("id"), req.Name)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, chat)
}

func (h *ChatHandler) AddParticipant(c echo.Context) error {
	var req addParticipantRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, err)
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	chat, err := h.chatUseCase.AddParticipant(c.Request().Context(), middleware.UserID(c), c.Param("id"), req.UserID)
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, chat)
}

func (h *ChatHandler) RemoveParticipant(c echo.Context) error {
	chat, err := h.chatUseCase.RemoveParticipant(c.Request().Context(), middleware.UserID(c), c.Param("id"), c.Param("userId"))
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, chat)
}

func (h *ChatHandler) LeaveChat(c echo.Context) error {
	if err := h.chatUseCase.LeaveGroupChat(c.Request().Context(), middleware.UserID(c), c.Param("id")); err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, map[string]string{"message": "Left chat"})
}

// DeleteChat deletes a direct chat for any participant, or a group chat for its admin.
func (h *ChatHandler) DeleteChat(c echo.Context) error {
	ctx := c.Request().Context()
	userID := middleware.UserID(c)

	chat, err := h.chatUseCase.GetChat(ctx, userID, c.Param("id"))
	if err != nil {
		return response.Error(c, err)
	}

	if chat.IsGroup() {
		err = h.chatUseCase.DeleteGroupChat(ctx, userID, chat.ID)
	} else {
		err = h.chatUseCase.DeleteDirectChat(ctx, userID, chat.ID)
	}
	if err != nil {
		return response.Error(c, err)
	}

	return response.Success(c, map[string]string{"message": "Chat deleted"})
}
