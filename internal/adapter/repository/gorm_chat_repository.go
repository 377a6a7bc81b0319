package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"gamechat/internal/domain/entity"
	"gamechat/internal/domain/repository"
	"gamechat/pkg/errors"
)

type gormChatRepository struct {
	db *gorm.DB
}

func NewGormChatRepository(db *gorm.DB) repository.ChatRepository {
	return &gormChatRepository{db: db}
}

func preloadParticipants(db *gorm.DB) *gorm.DB {
	return db.Order("position")
}

func (r *gormChatRepository) Create(ctx context.Context, chat *entity.Chat) error {
	if chat.ID == "" {
		chat.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	chat.CreatedAt = now
	chat.UpdatedAt = now

	return storeError("Chat", r.db.WithContext(ctx).Create(newChatRecord(chat)).Error)
}

func (r *gormChatRepository) GetByID(ctx context.Context, id string) (*entity.Chat, error) {
	var rec chatRecord
	err := r.db.WithContext(ctx).
		Preload("Participants", preloadParticipants).
		First(&rec, "id = ?", id).Error
	if err != nil {
		return nil, storeError("Chat", err)
	}
	return rec.toEntity(), nil
}

func (r *gormChatRepository) FindDirect(ctx context.Context, userA, userB string) (*entity.Chat, error) {
	var rec chatRecord
	err := r.db.WithContext(ctx).
		Preload("Participants", preloadParticipants).
		Joins("JOIN chat_participants pa ON pa.chat_id = chats.id AND pa.user_id = ?", userA).
		Joins("JOIN chat_participants pb ON pb.chat_id = chats.id AND pb.user_id = ?", userB).
		Where("chats.type = ?", string(entity.ChatTypeDirect)).
		First(&rec).Error
	if err != nil {
		return nil, storeError("Chat", err)
	}
	return rec.toEntity(), nil
}

func (r *gormChatRepository) ListByUserID(ctx context.Context, userID string, limit, offset int) ([]*entity.Chat, int64, error) {
	memberOf := r.db.Model(&participantRecord{}).Select("chat_id").Where("user_id = ?", userID)

	var total int64
	if err := r.db.WithContext(ctx).Model(&chatRecord{}).Where("id IN (?)", memberOf).Count(&total).Error; err != nil {
		return nil, 0, storeError("Chat", err)
	}

	query := r.db.WithContext(ctx).
		Preload("Participants", preloadParticipants).
		Where("id IN (?)", memberOf).
		Order("updated_at DESC").
		Offset(offset)
	if limit > 0 {
		query = query.Limit(limit)
	}

	var recs []chatRecord
	if err := query.Find(&recs).Error; err != nil {
		return nil, 0, storeError("Chat", err)
	}

	chats := make([]*entity.Chat, 0, len(recs))
	for i := range recs {
		chats = append(chats, recs[i].toEntity())
	}
	return chats, total, nil
}

func (r *gormChatRepository) Update(ctx context.Context, chat *entity.Chat) error {
	chat.UpdatedAt = time.Now().UTC()

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&chatRecord{}).Where("id = ?", chat.ID).Updates(map[string]interface{}{
			"name":       chat.Name,
			"admin_id":   chat.AdminID,
			"updated_at": chat.UpdatedAt,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		if err := tx.Where("chat_id = ?", chat.ID).Delete(&participantRecord{}).Error; err != nil {
			return err
		}
		return tx.Create(participantRecords(chat.ID, chat.Participants)).Error
	})
	return storeError("Chat", err)
}

func (r *gormChatRepository) Delete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", id).Delete(&participantRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&chatRecord{}).Error
	})
	return storeError("Chat", err)
}

func (r *gormChatRepository) AdvanceLastMessage(ctx context.Context, chatID, messageID string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&chatRecord{}).
		Where("id = ? AND last_message_at <= ?", chatID, toNanos(at)).
		Updates(map[string]interface{}{
			"last_message_id": messageID,
			"last_message_at": toNanos(at),
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return storeError("Chat", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.exists(ctx, chatID)
	}
	return nil
}

func (r *gormChatRepository) ReplaceLastMessage(ctx context.Context, chatID, expectedID, messageID string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&chatRecord{}).
		Where("id = ? AND last_message_id = ?", chatID, expectedID).
		Updates(map[string]interface{}{
			"last_message_id": messageID,
			"last_message_at": toNanos(at),
			"updated_at":      time.Now().UTC(),
		})
	if res.Error != nil {
		return storeError("Chat", res.Error)
	}
	if res.RowsAffected == 0 {
		return r.exists(ctx, chatID)
	}
	return nil
}

func (r *gormChatRepository) exists(ctx context.Context, chatID string) error {
	var count int64
	if err := r.db.WithContext(ctx).Model(&chatRecord{}).Where("id = ?", chatID).Count(&count).Error; err != nil {
		return storeError("Chat", err)
	}
	if count == 0 {
		return errors.NotFound("Chat", nil)
	}
	return nil
}
