package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"gamechat/internal/domain/entity"
	"gamechat/internal/domain/repository"
	"gamechat/pkg/errors"
	"gamechat/pkg/logger"
)

const chatsCollection = "chats"

type firestoreChatRepository struct {
	client *firestore.Client
}

func NewFirestoreChatRepository(client *firestore.Client) repository.ChatRepository {
	return &firestoreChatRepository{
		client: client,
	}
}

func (r *firestoreChatRepository) Create(ctx context.Context, chat *entity.Chat) error {
	if chat.ID == "" {
		chat.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	chat.CreatedAt = now
	chat.UpdatedAt = now

	_, err := r.client.Collection(chatsCollection).Doc(chat.ID).Create(ctx, chat)
	if err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return errors.Conflict("chat already exists")
		}
		return errors.Unavailable("chat store", err)
	}

	return nil
}

func (r *firestoreChatRepository) GetByID(ctx context.Context, id string) (*entity.Chat, error) {
	doc, err := r.client.Collection(chatsCollection).Doc(id).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.NotFound("Chat", nil)
		}
		return nil, errors.Unavailable("chat store", err)
	}

	var chat entity.Chat
	if err := doc.DataTo(&chat); err != nil {
		return nil, errors.Internal("Failed to parse chat data", err)
	}
	chat.ID = doc.Ref.ID

	return &chat, nil
}

func (r *firestoreChatRepository) FindDirect(ctx context.Context, userA, userB string) (*entity.Chat, error) {
	query := r.client.Collection(chatsCollection).
		Where("type", "==", string(entity.ChatTypeDirect)).
		Where("participants", "array-contains", userA)

	docs, err := query.Documents(ctx).GetAll()
	if err != nil {
		return nil, errors.Unavailable("chat store", err)
	}

	for _, doc := range docs {
		var chat entity.Chat
		if err := doc.DataTo(&chat); err != nil {
			continue
		}
		if chat.HasParticipant(userB) {
			chat.ID = doc.Ref.ID
			return &chat, nil
		}
	}

	return nil, errors.NotFound("Chat", nil)
}

func (r *firestoreChatRepository) ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*entity.Chat, int64, error) {
	query := r.client.Collection(chatsCollection).Where("participants", "array-contains", userID).OrderBy("updatedAt", firestore.Desc)

	allDocs, err := query.Documents(ctx).GetAll()
	if err != nil {
		logger.Warn("Firestore error while fetching chats for user %s: %v", userID, err)
		return nil, 0, errors.Unavailable("chat store", err)
	}

	total := int64(len(allDocs))

	// Pagination is applied in memory to avoid a second count query.
	start := offset
	end := len(allDocs)
	if limit > 0 {
		end = start + limit
		if end > len(allDocs) {
			end = len(allDocs)
		}
	}
	if start > len(allDocs) {
		start = len(allDocs)
	}

	chats := make([]*entity.Chat, 0, end-start)
	for i := start; i < end; i++ {
		var chat entity.Chat
		if err := allDocs[i].DataTo(&chat); err != nil {
			logger.Warn("Error parsing chat data for user %s: %v", userID, err)
			continue
		}
		chat.ID = allDocs[i].Ref.ID
		chats = append(chats, &chat)
	}

	return chats, total, nil
}

func (r *firestoreChatRepository) Update(ctx context.Context, chat *entity.Chat) error {
	chat.UpdatedAt = time.Now().UTC()

	_, err := r.client.Collection(chatsCollection).Doc(chat.ID).Update(ctx, []firestore.Update{
		{Path: "name", Value: chat.Name},
		{Path: "participants", Value: chat.Participants},
		{Path: "adminId", Value: chat.AdminID},
		{Path: "updatedAt", Value: chat.UpdatedAt},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return errors.NotFound("Chat", nil)
		}
		return errors.Unavailable("chat store", err)
	}

	return nil
}

func (r *firestoreChatRepository) Delete(ctx context.Context, id string) error {
	_, err := r.client.Collection(chatsCollection).Doc(id).Delete(ctx)
	if err != nil {
		return errors.Unavailable("chat store", err)
	}

	return nil
}

func (r *firestoreChatRepository) AdvanceLastMessage(ctx context.Context, chatID, messageID string, at time.Time) error {
	ref := r.client.Collection(chatsCollection).Doc(chatID)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			return err
		}

		var chat entity.Chat
		if err := doc.DataTo(&chat); err != nil {
			return err
		}
		if !chat.LastMessageAt.IsZero() && chat.LastMessageAt.After(at) {
			return nil
		}

		return tx.Update(ref, []firestore.Update{
			{Path: "lastMessageId", Value: messageID},
			{Path: "lastMessageAt", Value: at},
			{Path: "updatedAt", Value: time.Now().UTC()},
		})
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return errors.NotFound("Chat", nil)
		}
		return errors.Unavailable("chat store", err)
	}

	return nil
}

func (r *firestoreChatRepository) ReplaceLastMessage(ctx context.Context, chatID, expectedID, messageID string, at time.Time) error {
	ref := r.client.Collection(chatsCollection).Doc(chatID)

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := tx.Get(ref)
		if err != nil {
			return err
		}

		var chat entity.Chat
		if err := doc.DataTo(&chat); err != nil {
			return err
		}
		if chat.LastMessageID != expectedID {
			return nil
		}

		updates := []firestore.Update{{Path: "updatedAt", Value: time.Now().UTC()}}
		if messageID == "" {
			updates = append(updates,
				firestore.Update{Path: "lastMessageId", Value: firestore.Delete},
				firestore.Update{Path: "lastMessageAt", Value: firestore.Delete},
			)
		} else {
			updates = append(updates,
				firestore.Update{Path: "lastMessageId", Value: messageID},
				firestore.Update{Path: "lastMessageAt", Value: at},
			)
		}
		return tx.Update(ref, updates)
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return errors.NotFound("Chat", nil)
		}
		return errors.Unavailable("chat store", err)
	}

	return nil
}
