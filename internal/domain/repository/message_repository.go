package repository

import (
	"context"
	"time"

	"gamechat/internal/domain/entity"
)

// MessageRepository is the append-only durable message store.
type MessageRepository interface {
	// Save is an upsert keyed by message id, so retries never duplicate.
	// Message ids are unique across chats: saving an id that belongs to
	// another chat fails with CONFLICT where the store can enforce it.
	Save(ctx context.Context, message *entity.Message) error
	GetByID(ctx context.Context, chatID, messageID string) (*entity.Message, error)
	// FindByID looks a message up by id in any chat.
	FindByID(ctx context.Context, messageID string) (*entity.Message, error)
	// ListBefore returns up to limit messages of the chat created strictly
	// before the cutoff, newest first.
	ListBefore(ctx context.Context, chatID string, before time.Time, limit int) ([]*entity.Message, error)
	// Latest returns the most recent message of the chat or NOT_FOUND.
	Latest(ctx context.Context, chatID string) (*entity.Message, error)
	UpdateAttachments(ctx context.Context, chatID, messageID string, attachments []entity.Attachment, status entity.AttachmentStatus) error
	Delete(ctx context.Context, chatID, messageID string) error
	// DeleteByChat removes every message of the chat and returns them so
	// callers can release attachment objects.
	DeleteByChat(ctx context.Context, chatID string) ([]*entity.Message, error)
}
