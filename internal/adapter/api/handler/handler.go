package handler

import (
	"gamechat/internal/usecase"
)

var (
	chatHandler    *ChatHandler
	messageHandler *MessageHandler
	userHandler    *UserHandler
)

func Setup(
	chatUseCase *usecase.ChatUseCase,
	messageUseCase *usecase.MessageUseCase,
	userUseCase *usecase.UserUseCase,
	attachmentMaxSize int64,
	attachmentMaxCount int,
) {
	chatHandler = NewChatHandler(chatUseCase)
	messageHandler = NewMessageHandler(messageUseCase, attachmentMaxSize, attachmentMaxCount)
	userHandler = NewUserHandler(userUseCase, chatUseCase)
}

func GetChatHandler() *ChatHandler {
	return chatHandler
}

func GetMessageHandler() *MessageHandler {
	return messageHandler
}

func GetUserHandler() *UserHandler {
	return userHandler
}
