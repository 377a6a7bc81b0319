package repository

import (
	"context"
	"time"

	"gamechat/internal/domain/entity"
)

// ParticipantCache is the fast roster cache in front of ChatRepository.
type ParticipantCache interface {
	// Get reports ok=false on a miss. A non-nil error means the cache itself failed.
	Get(ctx context.Context, chatID string) (participants []string, ok bool, err error)
	// Set and Invalidate follow a roster mutation and advance the chat's
	// roster version.
	Set(ctx context.Context, chatID string, participants []string, ttl time.Duration) error
	Invalidate(ctx context.Context, chatID string) error
	Version(ctx context.Context, chatID string) (int64, error)
	// Fill caches a roster read from the store only while the version is
	// unchanged, and reports whether it was written.
	Fill(ctx context.Context, chatID string, participants []string, ttl time.Duration, version int64) (bool, error)
	Ping(ctx context.Context) error
}

// HotBuffer holds the newest message snapshots of each chat, newest first,
// bounded in size and expiring after a fixed window. It is never authoritative.
type HotBuffer interface {
	Push(ctx context.Context, snapshot *entity.MessageSnapshot) error
	Range(ctx context.Context, chatID string) ([]*entity.MessageSnapshot, error)
	Get(ctx context.Context, chatID, messageID string) (*entity.MessageSnapshot, error)
	// Update replaces a buffered snapshot in place and reports whether it was present.
	Update(ctx context.Context, snapshot *entity.MessageSnapshot) (bool, error)
	// Remove drops a deleted message and keeps a tombstone for it until the
	// buffer window passes.
	Remove(ctx context.Context, chatID, messageID string) error
	Deleted(ctx context.Context, chatID, messageID string) (bool, error)
	// Evict drops snapshots that are known to be durable. No tombstone is kept.
	Evict(ctx context.Context, chatID string, messageIDs []string) error
	Clear(ctx context.Context, chatID string) error
}
