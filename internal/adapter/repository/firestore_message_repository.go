package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"gamechat/internal/domain/entity"
	"gamechat/internal/domain/repository"
	"gamechat/pkg/errors"
)

const messagesCollection = "messages"

// firestoreMessageRepository stores messages under chats/{chatID}/messages.
type firestoreMessageRepository struct {
	client *firestore.Client
}

func NewFirestoreMessageRepository(client *firestore.Client) repository.MessageRepository {
	return &firestoreMessageRepository{
		client: client,
	}
}

func (r *firestoreMessageRepository) messages(chatID string) *firestore.CollectionRef {
	return r.client.Collection(chatsCollection).Doc(chatID).Collection(messagesCollection)
}

func (r *firestoreMessageRepository) Save(ctx context.Context, message *entity.Message) error {
	_, err := r.messages(message.ChatID).Doc(message.ID).Set(ctx, message)
	if err != nil {
		return errors.Unavailable("message store", err)
	}
	return nil
}

func (r *firestoreMessageRepository) GetByID(ctx context.Context, chatID, messageID string) (*entity.Message, error) {
	doc, err := r.messages(chatID).Doc(messageID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, errors.NotFound("Message", err)
		}
		return nil, errors.Unavailable("message store", err)
	}

	var message entity.Message
	if err := doc.DataTo(&message); err != nil {
		return nil, errors.Internal("Failed to parse message data", err)
	}
	return &message, nil
}

// FindByID searches every chat's messages subcollection by the stored id field.
func (r *firestoreMessageRepository) FindByID(ctx context.Context, messageID string) (*entity.Message, error) {
	messages, err := r.collect(r.client.CollectionGroup(messagesCollection).Where("id", "==", messageID).Limit(1).Documents(ctx))
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, errors.NotFound("Message", nil)
	}
	return messages[0], nil
}

func (r *firestoreMessageRepository) ListBefore(ctx context.Context, chatID string, before time.Time, limit int) ([]*entity.Message, error) {
	query := r.messages(chatID).
		Where("createdAt", "<", before).
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(limit)

	return r.collect(query.Documents(ctx))
}

func (r *firestoreMessageRepository) Latest(ctx context.Context, chatID string) (*entity.Message, error) {
	messages, err := r.collect(r.messages(chatID).
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(1).
		Documents(ctx))
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, errors.NotFound("Message", nil)
	}
	return messages[0], nil
}

func (r *firestoreMessageRepository) UpdateAttachments(ctx context.Context, chatID, messageID string, attachments []entity.Attachment, attachmentStatus entity.AttachmentStatus) error {
	_, err := r.messages(chatID).Doc(messageID).Update(ctx, []firestore.Update{
		{Path: "attachments", Value: attachments},
		{Path: "attachmentStatus", Value: string(attachmentStatus)},
		{Path: "updatedAt", Value: time.Now().UTC().Truncate(time.Microsecond)},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return errors.NotFound("Message", err)
		}
		return errors.Unavailable("message store", err)
	}
	return nil
}

func (r *firestoreMessageRepository) Delete(ctx context.Context, chatID, messageID string) error {
	_, err := r.messages(chatID).Doc(messageID).Delete(ctx)
	if err != nil {
		return errors.Unavailable("message store", err)
	}
	return nil
}

func (r *firestoreMessageRepository) DeleteByChat(ctx context.Context, chatID string) ([]*entity.Message, error) {
	messages, err := r.collect(r.messages(chatID).Documents(ctx))
	if err != nil {
		return nil, err
	}

	bulk := r.client.BulkWriter(ctx)
	for _, m := range messages {
		if _, err := bulk.Delete(r.messages(chatID).Doc(m.ID)); err != nil {
			bulk.End()
			return nil, errors.Unavailable("message store", err)
		}
	}
	bulk.End()

	return messages, nil
}

func (r *firestoreMessageRepository) collect(iter *firestore.DocumentIterator) ([]*entity.Message, error) {
	defer iter.Stop()

	messages := make([]*entity.Message, 0)
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, errors.Unavailable("message store", err)
		}

		var message entity.Message
		if err := doc.DataTo(&message); err != nil {
			return nil, errors.Internal("Failed to parse message data", err)
		}
		messages = append(messages, &message)
	}
	return messages, nil
}
