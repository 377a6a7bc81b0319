package usecase

import (
	"context"
	"sync"
	"time"

	"gamechat/internal/domain/repository"
	"gamechat/pkg/errors"
	"gamechat/pkg/logger"
)

// ReconcileUseCase keeps the durable store a superset of the hot buffer:
// any buffered snapshot missing from the store is written back by id.
type ReconcileUseCase struct {
	hotBuffer   repository.HotBuffer
	messageRepo repository.MessageRepository
	chatRepo    repository.ChatRepository
	clearOnIdle bool
	timeout     time.Duration

	jobs sync.WaitGroup
}

func NewReconcileUseCase(
	hotBuffer repository.HotBuffer,
	messageRepo repository.MessageRepository,
	chatRepo repository.ChatRepository,
	clearOnIdle bool,
) *ReconcileUseCase {
	return &ReconcileUseCase{
		hotBuffer:   hotBuffer,
		messageRepo: messageRepo,
		chatRepo:    chatRepo,
		clearOnIdle: clearOnIdle,
		timeout:     30 * time.Second,
	}
}

// ReconcileChat returns the ids it had to write to the durable store.
func (uc *ReconcileUseCase) ReconcileChat(ctx context.Context, chatID string) ([]string, error) {
	repaired, _, err := uc.reconcile(ctx, chatID)
	return repaired, err
}

// reconcile also returns every buffered id confirmed durable, repaired or not.
// Deleted messages are skipped: their tombstone is checked before the write
// and again after it, since a delete may run in between.
func (uc *ReconcileUseCase) reconcile(ctx context.Context, chatID string) (repaired, durable []string, err error) {
	snapshots, err := uc.hotBuffer.Range(ctx, chatID)
	if err != nil {
		return nil, nil, errors.Unavailable("hot buffer", err)
	}

	repaired = make([]string, 0)
	durable = make([]string, 0, len(snapshots))
	for _, snap := range snapshots {
		_, err := uc.messageRepo.GetByID(ctx, chatID, snap.ID)
		if err == nil {
			durable = append(durable, snap.ID)
			continue
		}
		if !errors.Is(err, errors.CodeNotFound) {
			return repaired, durable, err
		}

		deleted, err := uc.hotBuffer.Deleted(ctx, chatID, snap.ID)
		if err != nil {
			return repaired, durable, errors.Unavailable("hot buffer", err)
		}
		if deleted {
			continue
		}

		message := snap.Message
		if err := uc.messageRepo.Save(ctx, &message); err != nil {
			return repaired, durable, err
		}

		deleted, err = uc.hotBuffer.Deleted(ctx, chatID, snap.ID)
		if err != nil {
			logger.Error("Reconcile Error: cannot confirm message %s of chat %s is still live: %v", message.ID, chatID, err)
			return repaired, durable, errors.Unavailable("hot buffer", err)
		}
		if deleted {
			logger.Info("Reconcile: message %s of chat %s was deleted during repair, removing it again", message.ID, chatID)
			if err := uc.messageRepo.Delete(ctx, chatID, message.ID); err != nil {
				return repaired, durable, err
			}
			continue
		}

		if err := uc.chatRepo.AdvanceLastMessage(ctx, chatID, message.ID, message.CreatedAt); err != nil && !errors.Is(err, errors.CodeNotFound) {
			logger.Warn("Reconcile: last message of chat %s not advanced: %v", chatID, err)
		}
		repaired = append(repaired, message.ID)
		durable = append(durable, message.ID)
	}

	if len(repaired) > 0 {
		logger.Warn("Reconcile: wrote %d buffered messages missing from the durable store for chat %s: %v", len(repaired), chatID, repaired)
	}
	return repaired, durable, nil
}

// HandleRoomIdle runs when the last local connection leaves a chat room.
// The chat's hot buffer is reconciled and the snapshots confirmed durable
// are evicted. Anything pushed after the reconcile read stays buffered, and
// if reconciliation fails the buffer is left to expire on its own.
func (uc *ReconcileUseCase) HandleRoomIdle(chatID string) {
	if !uc.clearOnIdle {
		return
	}

	uc.jobs.Add(1)
	go func() {
		defer uc.jobs.Done()

		ctx, cancel := context.WithTimeout(context.Background(), uc.timeout)
		defer cancel()

		_, durable, err := uc.reconcile(ctx, chatID)
		if err != nil {
			logger.Warn("Reconcile: chat %s left buffered: %v", chatID, err)
			return
		}
		if err := uc.hotBuffer.Evict(ctx, chatID, durable); err != nil {
			logger.Warn("Reconcile: failed to evict hot buffer of chat %s: %v", chatID, err)
		}
	}()
}

func (uc *ReconcileUseCase) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		uc.jobs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
