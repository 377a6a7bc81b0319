package usecase

import (
	"context"
	"strings"

	"gamechat/internal/domain/entity"
	"gamechat/internal/domain/repository"
	"gamechat/internal/domain/service"
	"gamechat/internal/infrastructure/ratelimit"
	"gamechat/internal/infrastructure/telemetry"
	"gamechat/pkg/errors"
	"gamechat/pkg/logger"
)

type ChatUseCase struct {
	chatRepo    repository.ChatRepository
	messageRepo repository.MessageRepository
	userRepo    repository.UserRepository
	membership  *MembershipUseCase
	hotBuffer   repository.HotBuffer
	storage     service.ObjectStorage
	events      *eventPublisher
	rateLimiter *ratelimit.RateLimiter
}

func NewChatUseCase(
	chatRepo repository.ChatRepository,
	messageRepo repository.MessageRepository,
	userRepo repository.UserRepository,
	membership *MembershipUseCase,
	hotBuffer repository.HotBuffer,
	storage service.ObjectStorage,
	bus service.EventBus,
	rateLimiter *ratelimit.RateLimiter,
	metrics *telemetry.Metrics,
) *ChatUseCase {
	return &ChatUseCase{
		chatRepo:    chatRepo,
		messageRepo: messageRepo,
		userRepo:    userRepo,
		membership:  membership,
		hotBuffer:   hotBuffer,
		storage:     storage,
		events:      &eventPublisher{bus: bus, metrics: metrics},
		rateLimiter: rateLimiter,
	}
}

type CreateGroupChatInput struct {
	Name         string   `json:"name" validate:"required,max=100"`
	Participants []string `json:"participants" validate:"required,min=2,dive,required"`
}

func (uc *ChatUseCase) allow(userID, action string) error {
	allowed, waitTime := uc.rateLimiter.Allow(userID, action)
	if !allowed {
		logger.Warn("%s Rate Limited: User %s must wait %v", action, userID, waitTime)
		return errors.TooManyRequests("Rate limit exceeded. Please wait before trying again")
	}
	return nil
}

// CreateOrGetDirectChat returns the direct chat between the two users,
// creating it on first contact.
func (uc *ChatUseCase) CreateOrGetDirectChat(ctx context.Context, userID, receiverID string) (*entity.Chat, error) {
	if receiverID == "" {
		return nil, errors.Validation("receiver id is required")
	}
	if userID == receiverID {
		return nil, errors.BadRequest("You cannot create a chat with yourself", nil)
	}

	if _, err := uc.userRepo.GetByID(ctx, receiverID); err != nil {
		logger.Warn("CreateOrGetDirectChat Error: Receiver %s not found: %v", receiverID, err)
		return nil, err
	}

	existing, err := uc.chatRepo.FindDirect(ctx, userID, receiverID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, errors.CodeNotFound) {
		return nil, err
	}

	if err := uc.allow(userID, ratelimit.ActionCreateChat); err != nil {
		return nil, err
	}

	chat := &entity.Chat{
		Type:         entity.ChatTypeDirect,
		Participants: []string{userID, receiverID},
	}
	if err := chat.Validate(); err != nil {
		return nil, errors.Validation(err.Error())
	}
	if err := uc.chatRepo.Create(ctx, chat); err != nil {
		logger.Error("CreateOrGetDirectChat Error: Failed to create chat: %v", err)
		return nil, err
	}

	uc.membership.Set(ctx, chat.ID, chat.Participants)
	uc.events.toUsers(ctx, []string{receiverID}, chat.ID, entity.EventNewChat, chat)

	logger.Info("CreateOrGetDirectChat: Created direct chat %s between %s and %s", chat.ID, userID, receiverID)
	return chat, nil
}

// CreateGroupChat creates a group with the caller as admin. The caller must
// not be listed in participants.
func (uc *ChatUseCase) CreateGroupChat(ctx context.Context, userID string, input CreateGroupChatInput) (*entity.Chat, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, errors.Validation("group name is required")
	}

	members := []string{userID}
	seen := map[string]struct{}{userID: {}}
	for _, p := range input.Participants {
		if p == userID {
			return nil, errors.Validation("participants must not include the group creator")
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		members = append(members, p)
	}

	if len(members) < entity.MinGroupMembers {
		return nil, errors.Validation("a group chat needs at least 3 unique members including the creator")
	}
	if len(members) > entity.MaxGroupMembers {
		return nil, errors.Validation("a group chat cannot have more than 100 members")
	}

	for _, p := range members[1:] {
		if _, err := uc.userRepo.GetByID(ctx, p); err != nil {
			logger.Warn("CreateGroupChat Error: Participant %s not found: %v", p, err)
			return nil, err
		}
	}

	if err := uc.allow(userID, ratelimit.ActionCreateChat); err != nil {
		return nil, err
	}

	chat := &entity.Chat{
		Name:         name,
		Type:         entity.ChatTypeGroup,
		Participants: members,
		AdminID:      userID,
	}
	if err := uc.chatRepo.Create(ctx, chat); err != nil {
		logger.Error("CreateGroupChat Error: Failed to create chat: %v", err)
		return nil, err
	}

	uc.membership.Set(ctx, chat.ID, chat.Participants)
	uc.events.toUsers(ctx, chat.OtherParticipants(userID), chat.ID, entity.EventNewChat, chat)

	logger.Info("CreateGroupChat: User %s created group %s with %d members", userID, chat.ID, len(members))
	return chat, nil
}

func (uc *ChatUseCase) GetChat(ctx context.Context, userID, chatID string) (*entity.Chat, error) {
	chat, err := uc.chatRepo.GetByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.HasParticipant(userID) {
		return nil, errors.Forbidden("User is not a participant in this chat", nil)
	}
	return chat, nil
}

func (uc *ChatUseCase) ListChats(ctx context.Context, userID string, limit, offset int) ([]*entity.Chat, int64, error) {
	return uc.chatRepo.ListByUserID(ctx, userID, limit, offset)
}

// loadGroupAsAdmin fetches a group chat and checks userID administers it.
func (uc *ChatUseCase) loadGroupAsAdmin(ctx context.Context, userID, chatID string) (*entity.Chat, error) {
	chat, err := uc.chatRepo.GetByID(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !chat.IsGroup() {
		return nil, errors.BadRequest("This operation is only valid for group chats", nil)
	}
	if chat.AdminID != userID {
		return nil, errors.Forbidden("Only the group admin can do this", nil)
	}
	return chat, nil
}

func (uc *ChatUseCase) RenameGroupChat(ctx context.Context, userID, chatID, name string) (*entity.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.Validation("group name is required")
	}

	chat, err := uc.loadGroupAsAdmin(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}

	chat.Name = name
	if err := uc.chatRepo.Update(ctx, chat); err != nil {
		return nil, err
	}

	uc.events.toChat(ctx, chat.ID, entity.EventChatNameUpdated, chat, "")
	uc.events.toUsers(ctx, chat.Participants, chat.ID, entity.EventChatNameUpdated, chat)
	return chat, nil
}

func (uc *ChatUseCase) AddParticipant(ctx context.Context, userID, chatID, participantID string) (*entity.Chat, error) {
	if participantID == "" {
		return nil, errors.Validation("participant id is required")
	}

	chat, err := uc.loadGroupAsAdmin(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	if chat.HasParticipant(participantID) {
		return nil, errors.Conflict("User is already a participant in this chat")
	}
	if len(chat.Participants) >= entity.MaxGroupMembers {
		return nil, errors.Validation("a group chat cannot have more than 100 members")
	}
	if _, err := uc.userRepo.GetByID(ctx, participantID); err != nil {
		return nil, err
	}

	chat.Participants = append(chat.Participants, participantID)
	if err := uc.chatRepo.Update(ctx, chat); err != nil {
		return nil, err
	}

	uc.membership.Set(ctx, chat.ID, chat.Participants)
	uc.events.toUsers(ctx, []string{participantID}, chat.ID, entity.EventNewChat, chat)

	logger.Info("AddParticipant: %s added %s to chat %s", userID, participantID, chat.ID)
	return chat, nil
}

func (uc *ChatUseCase) RemoveParticipant(ctx context.Context, userID, chatID, participantID string) (*entity.Chat, error) {
	chat, err := uc.loadGroupAsAdmin(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	if participantID == userID {
		return nil, errors.BadRequest("The admin cannot remove themselves; leave the group instead", nil)
	}
	if !chat.HasParticipant(participantID) {
		return nil, errors.BadRequest("User is not a participant in this chat", nil)
	}

	chat.Participants = chat.WithoutParticipant(participantID)
	if err := uc.chatRepo.Update(ctx, chat); err != nil {
		return nil, err
	}

	// The roster cache must reflect the removal before anyone is notified.
	uc.membership.Set(ctx, chat.ID, chat.Participants)

	payload := entity.ParticipantPayload{Chat: chat, UserID: participantID}
	uc.events.toUsers(ctx, []string{participantID}, chat.ID, entity.EventParticipantRemoved, payload)
	uc.events.toChat(ctx, chat.ID, entity.EventParticipantLeft, payload, "")

	logger.Info("RemoveParticipant: %s removed %s from chat %s", userID, participantID, chat.ID)
	return chat, nil
}

// LeaveGroupChat removes the caller. An admin who leaves hands the role to
// the longest-standing remaining member.
func (uc *ChatUseCase) LeaveGroupChat(ctx context.Context, userID, chatID string) error {
	chat, err := uc.chatRepo.GetByID(ctx, chatID)
	if err != nil {
		return err
	}
	if !chat.IsGroup() {
		return errors.BadRequest("This operation is only valid for group chats", nil)
	}
	if !chat.HasParticipant(userID) {
		return errors.Forbidden("User is not a participant in this chat", nil)
	}

	remaining := chat.WithoutParticipant(userID)
	if len(remaining) == 0 {
		return uc.deleteChat(ctx, chat, userID)
	}

	chat.Participants = remaining
	if chat.AdminID == userID {
		chat.AdminID = remaining[0]
	}
	if err := uc.chatRepo.Update(ctx, chat); err != nil {
		return err
	}

	uc.membership.Set(ctx, chat.ID, chat.Participants)
	uc.events.toChat(ctx, chat.ID, entity.EventParticipantLeft, entity.ParticipantPayload{Chat: chat, UserID: userID}, "")

	logger.Info("LeaveGroupChat: %s left chat %s", userID, chat.ID)
	return nil
}

func (uc *ChatUseCase) DeleteGroupChat(ctx context.Context, userID, chatID string) error {
	chat, err := uc.loadGroupAsAdmin(ctx, userID, chatID)
	if err != nil {
		return err
	}
	return uc.deleteChat(ctx, chat, userID)
}

func (uc *ChatUseCase) DeleteDirectChat(ctx context.Context, userID, chatID string) error {
	chat, err := uc.chatRepo.GetByID(ctx, chatID)
	if err != nil {
		return err
	}
	if chat.IsGroup() {
		return errors.BadRequest("Use the group delete operation for group chats", nil)
	}
	if !chat.HasParticipant(userID) {
		return errors.Forbidden("User is not a participant in this chat", nil)
	}
	return uc.deleteChat(ctx, chat, userID)
}

// deleteChat cascades: messages, their attachment objects, the hot buffer,
// then the chat itself.
func (uc *ChatUseCase) deleteChat(ctx context.Context, chat *entity.Chat, userID string) error {
	messages, err := uc.messageRepo.DeleteByChat(ctx, chat.ID)
	if err != nil {
		logger.Error("DeleteChat Error: Failed to delete messages of chat %s: %v", chat.ID, err)
		return err
	}

	if err := uc.chatRepo.Delete(ctx, chat.ID); err != nil {
		logger.Error("DeleteChat Error: Failed to delete chat %s: %v", chat.ID, err)
		return err
	}

	uc.membership.Invalidate(ctx, chat.ID)

	if err := uc.hotBuffer.Clear(ctx, chat.ID); err != nil {
		logger.Warn("DeleteChat: failed to clear hot buffer of chat %s: %v", chat.ID, err)
	}

	for _, m := range messages {
		for _, a := range m.Attachments {
			if a.Key == "" {
				continue
			}
			if err := uc.storage.Delete(ctx, a.Key); err != nil {
				logger.Warn("DeleteChat: failed to delete object %s: %v", a.Key, err)
			}
		}
	}

	for _, p := range chat.OtherParticipants(userID) {
		uc.events.toUsers(ctx, []string{p}, chat.ID, entity.EventParticipantRemoved, entity.ParticipantPayload{Chat: chat, UserID: p})
	}

	logger.Info("DeleteChat: %s deleted chat %s with %d messages", userID, chat.ID, len(messages))
	return nil
}
