package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gamechat/internal/domain/entity"
	"gamechat/internal/domain/repository"
	"gamechat/pkg/errors"
)

type gormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) repository.MessageRepository {
	return &gormMessageRepository{db: db}
}

// Save only overwrites a row of the same chat; an id taken by another chat
// leaves the row untouched and reports CONFLICT.
func (r *gormMessageRepository) Save(ctx context.Context, message *entity.Message) error {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"sender_id", "content", "attachments", "attachment_status", "created_at", "updated_at",
			}),
			Where: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "messages.chat_id = excluded.chat_id"},
			}},
		}).
		Create(newMessageRecord(message))
	if res.Error != nil {
		return storeError("Message", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.Conflict(fmt.Sprintf("message id %s is used by another chat", message.ID))
	}
	return nil
}

func (r *gormMessageRepository) GetByID(ctx context.Context, chatID, messageID string) (*entity.Message, error) {
	var rec messageRecord
	err := r.db.WithContext(ctx).First(&rec, "chat_id = ? AND id = ?", chatID, messageID).Error
	if err != nil {
		return nil, storeError("Message", err)
	}
	return rec.toEntity(), nil
}

func (r *gormMessageRepository) FindByID(ctx context.Context, messageID string) (*entity.Message, error) {
	var rec messageRecord
	err := r.db.WithContext(ctx).First(&rec, "id = ?", messageID).Error
	if err != nil {
		return nil, storeError("Message", err)
	}
	return rec.toEntity(), nil
}

func (r *gormMessageRepository) ListBefore(ctx context.Context, chatID string, before time.Time, limit int) ([]*entity.Message, error) {
	var recs []messageRecord
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND created_at < ?", chatID, toNanos(before)).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, storeError("Message", err)
	}
	return toMessages(recs), nil
}

func (r *gormMessageRepository) Latest(ctx context.Context, chatID string) (*entity.Message, error) {
	var rec messageRecord
	err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at DESC").
		Order("id DESC").
		First(&rec).Error
	if err != nil {
		return nil, storeError("Message", err)
	}
	return rec.toEntity(), nil
}

func (r *gormMessageRepository) UpdateAttachments(ctx context.Context, chatID, messageID string, attachments []entity.Attachment, status entity.AttachmentStatus) error {
	res := r.db.WithContext(ctx).Model(&messageRecord{}).
		Where("chat_id = ? AND id = ?", chatID, messageID).
		Select("Attachments", "AttachmentStatus", "UpdatedUnixNano").
		Updates(&messageRecord{
			Attachments:      attachments,
			AttachmentStatus: string(status),
			UpdatedUnixNano:  time.Now().UTC().Truncate(time.Microsecond).UnixNano(),
		})
	if res.Error != nil {
		return storeError("Message", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.NotFound("Message", nil)
	}
	return nil
}

func (r *gormMessageRepository) Delete(ctx context.Context, chatID, messageID string) error {
	err := r.db.WithContext(ctx).
		Where("chat_id = ? AND id = ?", chatID, messageID).
		Delete(&messageRecord{}).Error
	return storeError("Message", err)
}

func (r *gormMessageRepository) DeleteByChat(ctx context.Context, chatID string) ([]*entity.Message, error) {
	var recs []messageRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chat_id = ?", chatID).Find(&recs).Error; err != nil {
			return err
		}
		return tx.Where("chat_id = ?", chatID).Delete(&messageRecord{}).Error
	})
	if err != nil {
		return nil, storeError("Message", err)
	}
	return toMessages(recs), nil
}

func toMessages(recs []messageRecord) []*entity.Message {
	out := make([]*entity.Message, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toEntity())
	}
	return out
}
