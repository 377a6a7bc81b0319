package usecase

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"gamechat/internal/domain/entity"
	"gamechat/internal/domain/repository"
	"gamechat/internal/domain/service"
	"gamechat/internal/infrastructure/ratelimit"
	"gamechat/internal/infrastructure/telemetry"
	"gamechat/pkg/errors"
	"gamechat/pkg/logger"
)

var idempotencyIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

var AllowedAttachmentTypes = map[string]bool{
	"image/jpeg":      true,
	"image/png":       true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
}

type MessageConfig struct {
	HistoryPageSize    int
	PersistMaxRetries  int
	AttachmentMaxCount int
	AttachmentMaxSize  int64
	// RetryInterval is the first backoff interval for background writes.
	RetryInterval time.Duration
}

type MessageUseCase struct {
	messageRepo repository.MessageRepository
	chatRepo    repository.ChatRepository
	userRepo    repository.UserRepository
	membership  *MembershipUseCase
	hotBuffer   repository.HotBuffer
	storage     service.ObjectStorage
	events      *eventPublisher
	rateLimiter *ratelimit.RateLimiter
	metrics     *telemetry.Metrics
	cfg         MessageConfig

	jobs sync.WaitGroup

	// OnStateChange, when set, observes every delivery state transition.
	OnStateChange func(messageID string, state entity.DeliveryState)
}

func NewMessageUseCase(
	messageRepo repository.MessageRepository,
	chatRepo repository.ChatRepository,
	userRepo repository.UserRepository,
	membership *MembershipUseCase,
	hotBuffer repository.HotBuffer,
	storage service.ObjectStorage,
	bus service.EventBus,
	rateLimiter *ratelimit.RateLimiter,
	metrics *telemetry.Metrics,
	cfg MessageConfig,
) *MessageUseCase {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}
	return &MessageUseCase{
		messageRepo: messageRepo,
		chatRepo:    chatRepo,
		userRepo:    userRepo,
		membership:  membership,
		hotBuffer:   hotBuffer,
		storage:     storage,
		events:      &eventPublisher{bus: bus, metrics: metrics},
		rateLimiter: rateLimiter,
		metrics:     metrics,
		cfg:         cfg,
	}
}

type AttachmentUpload struct {
	Filename string
	MimeType string
	Data     []byte
}

type SendMessageInput struct {
	ChatID        string
	SenderID      string
	Content       string
	IdempotencyID string
	Attachments   []AttachmentUpload
}

func (uc *MessageUseCase) transition(messageID string, state entity.DeliveryState) {
	logger.Debug("Delivery: message %s -> %s", messageID, state)
	if uc.OnStateChange != nil {
		uc.OnStateChange(messageID, state)
	}
}

func (uc *MessageUseCase) validate(input SendMessageInput) error {
	if strings.TrimSpace(input.Content) == "" && len(input.Attachments) == 0 {
		return errors.Validation("message must have content or at least one attachment")
	}
	if len(input.Attachments) > uc.cfg.AttachmentMaxCount {
		return errors.Validation(fmt.Sprintf("a message can carry at most %d attachments", uc.cfg.AttachmentMaxCount))
	}
	for _, a := range input.Attachments {
		if len(a.Data) == 0 {
			return errors.Validation(fmt.Sprintf("attachment %q is empty", a.Filename))
		}
		if int64(len(a.Data)) > uc.cfg.AttachmentMaxSize {
			return errors.Validation(fmt.Sprintf("attachment %q exceeds %d bytes", a.Filename, uc.cfg.AttachmentMaxSize))
		}
		if !AllowedAttachmentTypes[a.MimeType] {
			return errors.Validation(fmt.Sprintf("attachment type %s is not allowed", a.MimeType))
		}
	}
	if input.IdempotencyID != "" && !idempotencyIDPattern.MatchString(input.IdempotencyID) {
		return errors.Validation("idempotency id must be 1-128 characters of letters, digits, '-' or '_'")
	}
	return nil
}

// SendMessage acknowledges a message before it is durable. The returned
// snapshot is already in the hot buffer and published on the chat channel;
// persistence and attachment uploads continue in the background.
func (uc *MessageUseCase) SendMessage(ctx context.Context, input SendMessageInput) (*entity.MessageSnapshot, error) {
	if allowed, waitTime := uc.rateLimiter.Allow(input.SenderID, ratelimit.ActionSendMessage); !allowed {
		logger.Warn("SendMessage Rate Limited: User %s must wait %v", input.SenderID, waitTime)
		return nil, errors.TooManyRequests("Rate limit exceeded. Please wait before sending another message")
	}

	if err := uc.validate(input); err != nil {
		return nil, err
	}

	if err := uc.membership.RequireParticipant(ctx, input.ChatID, input.SenderID); err != nil {
		logger.Warn("SendMessage Error: User %s rejected for chat %s: %v", input.SenderID, input.ChatID, err)
		return nil, err
	}

	if input.IdempotencyID != "" {
		existing, err := uc.findExisting(ctx, input.ChatID, input.IdempotencyID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.ChatID != input.ChatID || existing.SenderID != input.SenderID {
				return nil, errors.Conflict("idempotency id is already used by another message")
			}
			logger.Info("SendMessage: Replaying message %s in chat %s", existing.ID, input.ChatID)
			return existing, nil
		}
	}

	id := input.IdempotencyID
	if id == "" {
		id = uuid.New().String()
	}
	uc.transition(id, entity.DeliveryReceived)

	now := time.Now().UTC().Truncate(time.Microsecond)
	message := &entity.Message{
		ID:          id,
		ChatID:      input.ChatID,
		SenderID:    input.SenderID,
		Content:     input.Content,
		Attachments: make([]entity.Attachment, 0, len(input.Attachments)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, a := range input.Attachments {
		message.Attachments = append(message.Attachments, entity.Attachment{
			Filename: a.Filename,
			MimeType: a.MimeType,
			Size:     int64(len(a.Data)),
		})
	}
	if len(input.Attachments) > 0 {
		message.AttachmentStatus = entity.AttachmentStatusPending
	}

	snapshot := entity.NewSnapshot(message, uc.senderSummary(ctx, input.SenderID))

	// A caller that went away before this point gets nothing written or published.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	uc.transition(id, entity.DeliveryAcknowledged)
	uc.metrics.MessageAcknowledged(ctx)

	detached := context.WithoutCancel(ctx)

	if err := uc.hotBuffer.Push(detached, snapshot); err != nil {
		logger.Warn("SendMessage: hot buffer push failed for message %s: %v", id, err)
		uc.metrics.CacheFallback(detached, "hot_buffer")
	}

	if uc.events.toChat(detached, input.ChatID, entity.EventMessageReceived, snapshot, input.SenderID) {
		uc.transition(id, entity.DeliveryFannedOut)
	}

	uploads := input.Attachments
	persisted := *message
	uc.jobs.Add(1)
	go func() {
		defer uc.jobs.Done()
		uc.persist(detached, &persisted, snapshot, uploads)
	}()

	return snapshot, nil
}

// findExisting looks an id up in the chat's hot buffer, then in the durable
// store across all chats, since message ids are unique system-wide.
func (uc *MessageUseCase) findExisting(ctx context.Context, chatID, messageID string) (*entity.MessageSnapshot, error) {
	if snap, err := uc.hotBuffer.Get(ctx, chatID, messageID); err == nil && snap != nil {
		return snap, nil
	}

	m, err := uc.messageRepo.FindByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return entity.NewSnapshot(m, uc.senderSummary(ctx, m.SenderID)), nil
}

func (uc *MessageUseCase) senderSummary(ctx context.Context, userID string) entity.SenderSummary {
	user, err := uc.userRepo.GetByID(ctx, userID)
	if err != nil {
		logger.Warn("Sender summary unavailable for %s: %v", userID, err)
		return entity.SenderSummary{ID: userID}
	}
	return user.Summary()
}

func (uc *MessageUseCase) retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = uc.cfg.RetryInterval
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(uc.cfg.PersistMaxRetries)), ctx)
}

func (uc *MessageUseCase) retry(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errors.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, uc.retryPolicy(ctx))
}

func (uc *MessageUseCase) persist(ctx context.Context, message *entity.Message, snapshot *entity.MessageSnapshot, uploads []AttachmentUpload) {
	err := uc.retry(ctx, func() error {
		return uc.messageRepo.Save(ctx, message)
	})
	if err != nil {
		logger.IntegrityRisk(message.ChatID, message.ID, "persist", err)
		uc.metrics.IntegrityRisk(ctx, "persist")
		uc.transition(message.ID, entity.DeliveryFailed)
		if len(uploads) > 0 {
			uc.publishAttachments(ctx, snapshot, failedDescriptors(message.Attachments), entity.AttachmentStatusFailed)
		}
		return
	}

	err = uc.retry(ctx, func() error {
		return uc.chatRepo.AdvanceLastMessage(ctx, message.ChatID, message.ID, message.CreatedAt)
	})
	if err != nil {
		logger.IntegrityRisk(message.ChatID, message.ID, "last_message", err)
		uc.metrics.IntegrityRisk(ctx, "last_message")
	}

	uc.metrics.MessagePersisted(ctx)
	uc.transition(message.ID, entity.DeliveryPersisted)

	if len(uploads) > 0 {
		uc.finalizeAttachments(ctx, message, snapshot, uploads)
	}
}

func attachmentKey(chatID, messageID string, index int, filename string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, filepath.Base(filename))
	return fmt.Sprintf("chats/%s/messages/%s/%d-%s", chatID, messageID, index, name)
}

func failedDescriptors(attachments []entity.Attachment) []entity.Attachment {
	out := make([]entity.Attachment, len(attachments))
	for i, a := range attachments {
		out[i] = entity.Attachment{Filename: a.Filename, MimeType: a.MimeType, Size: a.Size}
	}
	return out
}

// finalizeAttachments uploads every file in parallel. Either all uploads land
// and the message is marked ready, or the uploaded objects are removed and it
// is marked failed.
func (uc *MessageUseCase) finalizeAttachments(ctx context.Context, message *entity.Message, snapshot *entity.MessageSnapshot, uploads []AttachmentUpload) {
	descriptors := make([]entity.Attachment, len(uploads))
	for i, u := range uploads {
		descriptors[i] = entity.Attachment{
			Key:      attachmentKey(message.ChatID, message.ID, i, u.Filename),
			Filename: u.Filename,
			MimeType: u.MimeType,
			Size:     int64(len(u.Data)),
		}
	}

	var mu sync.Mutex
	uploaded := make([]string, 0, len(uploads))

	g, gctx := errgroup.WithContext(ctx)
	for i := range uploads {
		i := i
		g.Go(func() error {
			var url string
			err := backoff.Retry(func() error {
				var err error
				url, err = uc.storage.Upload(gctx, descriptors[i].Key, bytes.NewReader(uploads[i].Data), uploads[i].MimeType)
				return err
			}, uc.retryPolicy(gctx))
			if err != nil {
				return fmt.Errorf("upload %s: %w", descriptors[i].Filename, err)
			}

			descriptors[i].URL = url
			mu.Lock()
			uploaded = append(uploaded, descriptors[i].Key)
			mu.Unlock()
			return nil
		})
	}

	status := entity.AttachmentStatusReady
	uploadErr := g.Wait()
	if uploadErr == nil {
		uploadErr = uc.retry(ctx, func() error {
			return uc.messageRepo.UpdateAttachments(ctx, message.ChatID, message.ID, descriptors, entity.AttachmentStatusReady)
		})
	}

	if uploadErr != nil {
		logger.IntegrityRisk(message.ChatID, message.ID, "attachments", uploadErr)
		uc.metrics.IntegrityRisk(ctx, "attachments")

		for _, key := range uploaded {
			if err := uc.storage.Delete(ctx, key); err != nil {
				logger.Warn("Attachments: failed to remove object %s: %v", key, err)
			}
		}

		status = entity.AttachmentStatusFailed
		descriptors = failedDescriptors(descriptors)
		if err := uc.messageRepo.UpdateAttachments(ctx, message.ChatID, message.ID, descriptors, status); err != nil {
			logger.Error("Attachments Error: could not mark message %s failed: %v", message.ID, err)
		}
	}

	uc.publishAttachments(ctx, snapshot, descriptors, status)

	if status == entity.AttachmentStatusReady {
		uc.transition(message.ID, entity.DeliveryAttachmentsFinalized)
	} else {
		uc.transition(message.ID, entity.DeliveryFailed)
	}
}

// publishAttachments patches the hot buffer copy and tells every participant,
// the sender included, about the new attachment state.
func (uc *MessageUseCase) publishAttachments(ctx context.Context, snapshot *entity.MessageSnapshot, attachments []entity.Attachment, status entity.AttachmentStatus) {
	updated := *snapshot
	updated.Attachments = attachments
	updated.AttachmentStatus = status
	updated.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	if _, err := uc.hotBuffer.Update(ctx, &updated); err != nil {
		logger.Warn("Attachments: hot buffer update failed for message %s: %v", snapshot.ID, err)
	}

	uc.events.toChat(ctx, snapshot.ChatID, entity.EventMessageAttachmentsUpdated, entity.AttachmentsUpdatedPayload{
		MessageID:   snapshot.ID,
		ChatID:      snapshot.ChatID,
		Attachments: attachments,
		Status:      status,
	}, "")
}

// RecentMessages merges the hot buffer with the durable store. Durable rows
// are read strictly older than the oldest buffered snapshot, so the window
// has no gaps; overlap is removed by id. The result is oldest first.
func (uc *MessageUseCase) RecentMessages(ctx context.Context, chatID, userID string) ([]*entity.MessageSnapshot, error) {
	if err := uc.membership.RequireParticipant(ctx, chatID, userID); err != nil {
		return nil, err
	}

	hot, err := uc.hotBuffer.Range(ctx, chatID)
	if err != nil {
		logger.Warn("RecentMessages: hot buffer unavailable for chat %s, reading durable store only: %v", chatID, err)
		uc.metrics.CacheFallback(ctx, "hot_buffer")
		hot = nil
	}

	cutoff := time.Now().UTC()
	for _, s := range hot {
		if s.CreatedAt.Before(cutoff) {
			cutoff = s.CreatedAt
		}
	}

	durable, err := uc.messageRepo.ListBefore(ctx, chatID, cutoff, uc.cfg.HistoryPageSize)
	if err != nil {
		logger.Error("RecentMessages Error: durable read failed for chat %s: %v", chatID, err)
		if errors.Is(err, errors.CodeUnavailable) {
			return nil, err
		}
		return nil, errors.Unavailable("message store", err)
	}

	byID := make(map[string]*entity.MessageSnapshot, len(hot)+len(durable))
	for _, s := range hot {
		keepNewer(byID, s)
	}

	senders := make(map[string]entity.SenderSummary)
	for _, m := range durable {
		if existing, ok := byID[m.ID]; ok && !m.UpdatedAt.After(existing.UpdatedAt) {
			continue
		}
		sender, ok := senders[m.SenderID]
		if !ok {
			sender = uc.senderSummary(ctx, m.SenderID)
			senders[m.SenderID] = sender
		}
		byID[m.ID] = entity.NewSnapshot(m, sender)
	}

	return SortSnapshots(byID), nil
}

func keepNewer(byID map[string]*entity.MessageSnapshot, s *entity.MessageSnapshot) {
	if existing, ok := byID[s.ID]; ok && !s.UpdatedAt.After(existing.UpdatedAt) {
		return
	}
	byID[s.ID] = s
}

// SortSnapshots orders by creation time, ties broken by id.
func SortSnapshots(byID map[string]*entity.MessageSnapshot) []*entity.MessageSnapshot {
	out := make([]*entity.MessageSnapshot, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DeleteMessage removes a message the caller sent, its objects and its hot
// buffer copy, and re-points the chat's last message when needed.
func (uc *MessageUseCase) DeleteMessage(ctx context.Context, chatID, messageID, userID string) error {
	if err := uc.membership.RequireParticipant(ctx, chatID, userID); err != nil {
		return err
	}

	message, err := uc.messageRepo.GetByID(ctx, chatID, messageID)
	if err != nil {
		if !errors.Is(err, errors.CodeNotFound) {
			return err
		}
		if snap, hotErr := uc.hotBuffer.Get(ctx, chatID, messageID); hotErr == nil && snap != nil {
			if snap.SenderID != userID {
				return errors.Forbidden("Only the sender can delete this message", nil)
			}
			return errors.Conflict("Message is not persisted yet, retry shortly")
		}
		return err
	}

	if message.SenderID != userID {
		return errors.Forbidden("Only the sender can delete this message", nil)
	}

	// The tombstone must exist before the durable row goes, or a reconcile
	// holding the buffered copy would write it back.
	if err := uc.hotBuffer.Remove(ctx, chatID, messageID); err != nil {
		logger.Error("DeleteMessage Error: hot buffer remove failed for %s: %v", messageID, err)
		return errors.Unavailable("hot buffer", err)
	}

	if err := uc.messageRepo.Delete(ctx, chatID, messageID); err != nil {
		logger.Error("DeleteMessage Error: Failed to delete message %s: %v", messageID, err)
		return err
	}

	for _, a := range message.Attachments {
		if a.Key == "" {
			continue
		}
		if err := uc.storage.Delete(ctx, a.Key); err != nil {
			logger.Warn("DeleteMessage: failed to delete object %s: %v", a.Key, err)
		}
	}

	if err := uc.repointLastMessage(ctx, chatID, messageID); err != nil {
		logger.Error("DeleteMessage Error: last message of chat %s not updated: %v", chatID, err)
	}

	uc.events.toChat(ctx, chatID, entity.EventMessageDeleted, entity.MessageDeletedPayload{
		MessageID: messageID,
		ChatID:    chatID,
	}, userID)

	logger.Info("DeleteMessage: %s deleted message %s in chat %s", userID, messageID, chatID)
	return nil
}

func (uc *MessageUseCase) repointLastMessage(ctx context.Context, chatID, deletedID string) error {
	chat, err := uc.chatRepo.GetByID(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.LastMessageID != deletedID {
		return nil
	}

	latest, err := uc.messageRepo.Latest(ctx, chatID)
	if err != nil {
		if errors.Is(err, errors.CodeNotFound) {
			return uc.chatRepo.ReplaceLastMessage(ctx, chatID, deletedID, "", time.Time{})
		}
		return err
	}
	return uc.chatRepo.ReplaceLastMessage(ctx, chatID, deletedID, latest.ID, latest.CreatedAt)
}

// Drain waits for background persistence and attachment jobs.
func (uc *MessageUseCase) Drain(ctx context.Context) error {
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
