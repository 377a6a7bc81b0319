package usecase

import (
	"context"
	"time"

	"gamechat/internal/domain/repository"
	"gamechat/internal/infrastructure/telemetry"
	"gamechat/pkg/errors"
	"gamechat/pkg/logger"
)

// MembershipUseCase answers "who is in this chat" from the participant cache,
// falling back to the roster store when the cache misses or is down.
type MembershipUseCase struct {
	chatRepo repository.ChatRepository
	cache    repository.ParticipantCache
	ttl      time.Duration
	metrics  *telemetry.Metrics
}

func NewMembershipUseCase(
	chatRepo repository.ChatRepository,
	cache repository.ParticipantCache,
	ttl time.Duration,
	metrics *telemetry.Metrics,
) *MembershipUseCase {
	return &MembershipUseCase{
		chatRepo: chatRepo,
		cache:    cache,
		ttl:      ttl,
		metrics:  metrics,
	}
}

// ParticipantsOf returns the chat's participants or NOT_FOUND. A roster
// loaded on a miss is cached only if no mutation advanced the roster
// version while it was being read.
func (uc *MembershipUseCase) ParticipantsOf(ctx context.Context, chatID string) ([]string, error) {
	participants, ok, err := uc.cache.Get(ctx, chatID)
	if err == nil && ok {
		return participants, nil
	}

	var version int64
	if err == nil {
		version, err = uc.cache.Version(ctx, chatID)
	}
	cacheDown := err != nil
	if cacheDown {
		logger.Warn("ParticipantsOf: cache unavailable for chat %s, reading roster store: %v", chatID, err)
		uc.metrics.CacheFallback(ctx, "membership")
	}

	chat, err := uc.chatRepo.GetByID(ctx, chatID)
	if err != nil {
		return nil, err
	}

	if !cacheDown {
		written, err := uc.cache.Fill(ctx, chatID, chat.Participants, uc.ttl, version)
		if err != nil {
			logger.Warn("ParticipantsOf: failed to cache roster for chat %s: %v", chatID, err)
		} else if !written {
			logger.Debug("ParticipantsOf: roster of chat %s changed while loading, not cached", chatID)
		}
	}
	return chat.Participants, nil
}

func (uc *MembershipUseCase) IsParticipant(ctx context.Context, chatID, userID string) (bool, error) {
	participants, err := uc.ParticipantsOf(ctx, chatID)
	if err != nil {
		return false, err
	}
	for _, p := range participants {
		if p == userID {
			return true, nil
		}
	}
	return false, nil
}

// RequireParticipant fails with FORBIDDEN unless userID belongs to the chat.
func (uc *MembershipUseCase) RequireParticipant(ctx context.Context, chatID, userID string) error {
	ok, err := uc.IsParticipant(ctx, chatID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Forbidden("User is not a participant in this chat", nil)
	}
	return nil
}

// Set stores the post-mutation roster. If the write fails the entry is
// invalidated so a stale roster cannot outlive the mutation.
func (uc *MembershipUseCase) Set(ctx context.Context, chatID string, participants []string) {
	err := uc.cache.Set(ctx, chatID, participants, uc.ttl)
	if err == nil {
		return
	}
	logger.Error("Membership Set Error: chat %s: %v", chatID, err)
	uc.Invalidate(ctx, chatID)
}

func (uc *MembershipUseCase) Invalidate(ctx context.Context, chatID string) {
	if err := uc.cache.Invalidate(ctx, chatID); err != nil {
		logger.Error("Membership Invalidate Error: chat %s: %v", chatID, err)
		uc.metrics.CacheFallback(ctx, "membership")
	}
}
