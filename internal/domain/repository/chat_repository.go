package repository

import (
	"context"
	"time"

	"gamechat/internal/domain/entity"
)

// ChatRepository is the authoritative roster store.
type ChatRepository interface {
	Create(ctx context.Context, chat *entity.Chat) error
	GetByID(ctx context.Context, id string) (*entity.Chat, error)
	FindDirect(ctx context.Context, userA, userB string) (*entity.Chat, error)
	ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*entity.Chat, int64, error)
	// Update persists name, participants and admin.
	Update(ctx context.Context, chat *entity.Chat) error
	Delete(ctx context.Context, id string) error

	// AdvanceLastMessage points the chat at messageID unless the current
	// pointer already references a message created after at.
	AdvanceLastMessage(ctx context.Context, chatID, messageID string, at time.Time) error
	// ReplaceLastMessage swaps the pointer only while it still equals
	// expectedID. An empty messageID clears it.
	ReplaceLastMessage(ctx context.Context, chatID, expectedID, messageID string, at time.Time) error
}
