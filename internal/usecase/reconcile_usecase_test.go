package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamechat/internal/domain/entity"
	"gamechat/pkg/errors"
)

func bufferedSnapshot(chatID, id string, at time.Time) *entity.MessageSnapshot {
	return entity.NewSnapshot(&entity.Message{
		ID:        id,
		ChatID:    chatID,
		SenderID:  "alice",
		Content:   "buffered " + id,
		CreatedAt: at,
		UpdatedAt: at,
	}, entity.SenderSummary{ID: "alice", Username: "alice"})
}

func TestReconcileChat_WritesMissingMessages(t *testing.T) {
	h := newHarness(t)
	chat := h.directChat("alice", "bob")
	ctx := context.Background()

	_, err := h.messageUC.SendMessage(ctx, SendMessageInput{ChatID: chat.ID, SenderID: "alice", Content: "durable", IdempotencyID: "ok-1"})
	require.NoError(t, err)
	h.drain()

	at := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, h.hot.Push(ctx, bufferedSnapshot(chat.ID, "lost-1", at)))
	require.NoError(t, h.hot.Push(ctx, bufferedSnapshot(chat.ID, "lost-2", at.Add(time.Millisecond))))

	repaired, err := h.reconcile.ReconcileChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"lost-1", "lost-2"}, repaired)

	stored, err := h.messages.GetByID(ctx, chat.ID, "lost-2")
	require.NoError(t, err)
	assert.Equal(t, "buffered lost-2", stored.Content)

	got, err := h.chats.GetByID(ctx, chat.ID)
	require.NoError(t, err)
	assert.Equal(t, "lost-2", got.LastMessageID)

	repaired, err = h.reconcile.ReconcileChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, repaired)
}

func TestReconcileChat_HotBufferDown(t *testing.T) {
	h := newHarness(t)
	chat := h.directChat("alice", "bob")

	h.redis.Close()
	_, err := h.reconcile.ReconcileChat(context.Background(), chat.ID)
	assert.True(t, errors.Is(err, errors.CodeUnavailable))
}

func TestReconcileChat_SkipsMessageDeletedAfterRead(t *testing.T) {
	h := newHarness(t)
	chat := h.directChat("alice", "bob")
	ctx := context.Background()

	_, err := h.messageUC.SendMessage(ctx, SendMessageInput{ChatID: chat.ID, SenderID: "alice", Content: "oops", IdempotencyID: "gone"})
	require.NoError(t, err)
	h.drain()

	// The buffered copy is read first, then the sender deletes the message.
	repo := &hookedMessageRepo{MessageRepository: h.messages}
	repo.beforeGet = func(id string) {
		repo.beforeGet = nil
		require.NoError(t, h.messageUC.DeleteMessage(ctx, chat.ID, id, "alice"))
	}
	uc := NewReconcileUseCase(h.hot, repo, h.chats, true)

	repaired, err := uc.ReconcileChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, repaired)

	_, err = h.messages.GetByID(ctx, chat.ID, "gone")
	assert.True(t, errors.Is(err, errors.CodeNotFound))
}

func TestReconcileChat_UndoesRepairOfMessageDeletedDuringWrite(t *testing.T) {
	h := newHarness(t)
	chat := h.directChat("alice", "bob")
	ctx := context.Background()

	require.NoError(t, h.hot.Push(ctx, bufferedSnapshot(chat.ID, "race-1", time.Now().UTC().Truncate(time.Microsecond))))

	repo := &hookedMessageRepo{MessageRepository: h.messages}
	repo.beforeSave = func(id string) {
		require.NoError(t, h.hot.Remove(ctx, chat.ID, id))
	}
	uc := NewReconcileUseCase(h.hot, repo, h.chats, true)

	repaired, err := uc.ReconcileChat(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, repaired)

	_, err = h.messages.GetByID(ctx, chat.ID, "race-1")
	assert.True(t, errors.Is(err, errors.CodeNotFound))

	got, err := h.chats.GetByID(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, got.LastMessageID)
}

func TestHandleRoomIdle_ReconcilesThenClears(t *testing.T) {
	h := newHarness(t)
	chat := h.directChat("alice", "bob")
	ctx := context.Background()

	require.NoError(t, h.hot.Push(ctx, bufferedSnapshot(chat.ID, "idle-1", time.Now().UTC().Truncate(time.Microsecond))))

	h.reconcile.HandleRoomIdle(chat.ID)

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.reconcile.Drain(drainCtx))

	hot, err := h.hot.Range(ctx, chat.ID)
	require.NoError(t, err)
	assert.Empty(t, hot)

	_, err = h.messages.GetByID(ctx, chat.ID, "idle-1")
	require.NoError(t, err)

	recent, err := h.messageUC.RecentMessages(ctx, chat.ID, "bob")
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "idle-1", recent[0].ID)
}

func TestHandleRoomIdle_KeepsSnapshotsPushedAfterRead(t *testing.T) {
	h := newHarness(t)
	chat := h.directChat("alice", "bob")
	ctx := context.Background()
	at := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, h.hot.Push(ctx, bufferedSnapshot(chat.ID, "idle-1", at)))

	// A send lands in the buffer after the reconcile read; its durable write is still pending.
	repo := &hookedMessageRepo{MessageRepository: h.messages}
	repo.beforeGet = func(string) {
		repo.beforeGet = nil
		assert.NoError(t, h.hot.Push(ctx, bufferedSnapshot(chat.ID, "late-1", at.Add(time.Millisecond))))
	}
	uc := NewReconcileUseCase(h.hot, repo, h.chats, true)

	uc.HandleRoomIdle(chat.ID)
	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, uc.Drain(drainCtx))

	hot, err := h.hot.Range(ctx, chat.ID)
	require.NoError(t, err)
	require.Len(t, hot, 1)
	assert.Equal(t, "late-1", hot[0].ID)

	recent, err := h.messageUC.RecentMessages(ctx, chat.ID, "bob")
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "idle-1", recent[0].ID)
	assert.Equal(t, "late-1", recent[1].ID)
}

func TestHandleRoomIdle_DisabledKeepsBuffer(t *testing.T) {
	h := newHarness(t)
	chat := h.directChat("alice", "bob")
	ctx := context.Background()

	require.NoError(t, h.hot.Push(ctx, bufferedSnapshot(chat.ID, "keep-1", time.Now().UTC().Truncate(time.Microsecond))))

	uc := NewReconcileUseCase(h.hot, h.messages, h.chats, false)
	uc.HandleRoomIdle(chat.ID)
	require.NoError(t, uc.Drain(ctx))

	hot, err := h.hot.Range(ctx, chat.ID)
	require.NoError(t, err)
	assert.Len(t, hot, 1)
}
