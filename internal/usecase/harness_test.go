package usecase

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	adapter "gamechat/internal/adapter/repository"
	"gamechat/internal/domain/entity"
	"gamechat/internal/domain/repository"
	"gamechat/internal/domain/service"
	"gamechat/internal/infrastructure/cache"
	"gamechat/internal/infrastructure/pubsub"
	"gamechat/internal/infrastructure/ratelimit"
	"gamechat/internal/infrastructure/storage"
	"gamechat/internal/infrastructure/telemetry"
)

type harness struct {
	t         *testing.T
	redis     *miniredis.Miniredis
	chats     repository.ChatRepository
	messages  repository.MessageRepository
	users     *adapter.GormUserRepository
	hot       repository.HotBuffer
	cache     repository.ParticipantCache
	bus       *pubsub.LocalBus
	storage   *storage.MemoryStorage
	members   *MembershipUseCase
	chatUC    *ChatUseCase
	messageUC *MessageUseCase
	reconcile *ReconcileUseCase

	statesMu sync.Mutex
	states   map[string][]entity.DeliveryState
}

type harnessOption func(*harnessDeps)

type harnessDeps struct {
	messages repository.MessageRepository
	hot      repository.HotBuffer
	storage  service.ObjectStorage
}

func withMessageRepo(wrap func(repository.MessageRepository) repository.MessageRepository) harnessOption {
	return func(d *harnessDeps) { d.messages = wrap(d.messages) }
}

func withHotBuffer(wrap func(repository.HotBuffer) repository.HotBuffer) harnessOption {
	return func(d *harnessDeps) { d.hot = wrap(d.hot) }
}

func withStorage(s *failingStorage) harnessOption {
	return func(d *harnessDeps) { d.storage = s }
}

func testPolicies() map[string]ratelimit.Policy {
	generous := ratelimit.Policy{Burst: 1000, Every: time.Millisecond}
	return map[string]ratelimit.Policy{
		ratelimit.ActionSendMessage: generous,
		ratelimit.ActionCreateChat:  generous,
		ratelimit.ActionTyping:      generous,
		ratelimit.ActionDefault:     generous,
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	db, err := adapter.OpenSQLite(fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String()))
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	mem := storage.NewMemoryStorage("https://objects.test")
	deps := &harnessDeps{
		messages: adapter.NewGormMessageRepository(db),
		hot:      cache.NewHotBuffer(client, 50, time.Hour),
		storage:  mem,
	}
	for _, opt := range opts {
		opt(deps)
	}

	h := &harness{
		t:        t,
		redis:    mr,
		chats:    adapter.NewGormChatRepository(db),
		messages: deps.messages,
		users:    adapter.NewGormUserRepository(db),
		hot:      deps.hot,
		cache:    cache.NewParticipantCache(client),
		bus:      pubsub.NewLocalBus(),
		storage:  mem,
		states:   make(map[string][]entity.DeliveryState),
	}

	metrics := telemetry.NoopMetrics()
	limiter := ratelimit.NewRateLimiterWithPolicies(testPolicies())

	h.members = NewMembershipUseCase(h.chats, h.cache, time.Hour, metrics)
	h.chatUC = NewChatUseCase(h.chats, h.messages, h.users, h.members, h.hot, deps.storage, h.bus, limiter, metrics)
	h.messageUC = NewMessageUseCase(h.messages, h.chats, h.users, h.members, h.hot, deps.storage, h.bus, limiter, metrics, MessageConfig{
		HistoryPageSize:    50,
		PersistMaxRetries:  2,
		AttachmentMaxCount: 5,
		AttachmentMaxSize:  5 << 20,
		RetryInterval:      time.Millisecond,
	})
	h.messageUC.OnStateChange = func(id string, state entity.DeliveryState) {
		h.statesMu.Lock()
		defer h.statesMu.Unlock()
		h.states[id] = append(h.states[id], state)
	}
	h.reconcile = NewReconcileUseCase(h.hot, h.messages, h.chats, true)
	return h
}

func (h *harness) seedUsers(ids ...string) {
	h.t.Helper()
	for _, id := range ids {
		require.NoError(h.t, h.users.Upsert(context.Background(), &entity.User{
			ID:       id,
			Username: id,
			Email:    id + "@example.com",
		}))
	}
}

func (h *harness) directChat(a, b string) *entity.Chat {
	h.t.Helper()
	h.seedUsers(a, b)
	chat, err := h.chatUC.CreateOrGetDirectChat(context.Background(), a, b)
	require.NoError(h.t, err)
	return chat
}

func (h *harness) groupChat(admin string, others ...string) *entity.Chat {
	h.t.Helper()
	h.seedUsers(append([]string{admin}, others...)...)
	chat, err := h.chatUC.CreateGroupChat(context.Background(), admin, CreateGroupChatInput{
		Name:         "squad",
		Participants: others,
	})
	require.NoError(h.t, err)
	return chat
}

func (h *harness) drain() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(h.t, h.messageUC.Drain(ctx))
}

func (h *harness) statesOf(id string) []entity.DeliveryState {
	h.statesMu.Lock()
	defer h.statesMu.Unlock()
	return append([]entity.DeliveryState(nil), h.states[id]...)
}

// recorder captures events published on one channel.
type recorder struct {
	mu     sync.Mutex
	events []*entity.Event
}

func (h *harness) listen(channel string) *recorder {
	h.t.Helper()
	r := &recorder{}
	sub, err := h.bus.Subscribe(channel, func(_ string, ev *entity.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { sub.Unsubscribe() })
	return r
}

func (r *recorder) named(name string) []*entity.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.Event
	for _, ev := range r.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// gatedMessageRepo blocks Save until the gate is opened.
type gatedMessageRepo struct {
	repository.MessageRepository
	gate chan struct{}
}

func (g *gatedMessageRepo) Save(ctx context.Context, m *entity.Message) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.MessageRepository.Save(ctx, m)
}

// brokenSaveRepo fails every Save.
type brokenSaveRepo struct {
	repository.MessageRepository
	mu    sync.Mutex
	calls int
}

func (b *brokenSaveRepo) Save(context.Context, *entity.Message) error {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	return fmt.Errorf("durable store down")
}

// failingStorage stores the first okUploads objects and fails afterwards.
type failingStorage struct {
	*storage.MemoryStorage
	mu        sync.Mutex
	okUploads int
	uploads   int
}

func (f *failingStorage) Upload(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	f.mu.Lock()
	f.uploads++
	n := f.uploads
	f.mu.Unlock()
	if n > f.okUploads {
		return "", fmt.Errorf("object store unavailable")
	}
	return f.MemoryStorage.Upload(ctx, key, r, contentType)
}

// hookedMessageRepo runs a hook before GetByID or Save reaches the store.
type hookedMessageRepo struct {
	repository.MessageRepository
	beforeGet  func(messageID string)
	beforeSave func(messageID string)
}

func (r *hookedMessageRepo) GetByID(ctx context.Context, chatID, messageID string) (*entity.Message, error) {
	if r.beforeGet != nil {
		r.beforeGet(messageID)
	}
	return r.MessageRepository.GetByID(ctx, chatID, messageID)
}

func (r *hookedMessageRepo) Save(ctx context.Context, m *entity.Message) error {
	if r.beforeSave != nil {
		r.beforeSave(m.ID)
	}
	return r.MessageRepository.Save(ctx, m)
}

// flakyHotBuffer fails Remove while broken is set.
type flakyHotBuffer struct {
	repository.HotBuffer
	mu     sync.Mutex
	broken bool
}

func (f *flakyHotBuffer) setBroken(broken bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.broken = broken
}

func (f *flakyHotBuffer) Remove(ctx context.Context, chatID, messageID string) error {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return fmt.Errorf("hot buffer unavailable")
	}
	return f.HotBuffer.Remove(ctx, chatID, messageID)
}

// gatedChatRepo parks GetByID after the roster is read until release closes.
type gatedChatRepo struct {
	repository.ChatRepository
	loaded  chan struct{}
	release chan struct{}
}

func (g *gatedChatRepo) GetByID(ctx context.Context, id string) (*entity.Chat, error) {
	chat, err := g.ChatRepository.GetByID(ctx, id)
	g.loaded <- struct{}{}
	<-g.release
	return chat, err
}
