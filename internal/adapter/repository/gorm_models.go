package repository

import (
	stderrors "errors"
	"fmt"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"gamechat/internal/domain/entity"
	"gamechat/pkg/errors"
)

// Timestamps that take part in ordering are stored as unix nanoseconds so
// comparisons stay exact in SQLite.

type chatRecord struct {
	ID            string `gorm:"primaryKey"`
	Name          string
	Type          string `gorm:"index;not null"`
	AdminID       string
	LastMessageID string
	LastMessageAt int64 `gorm:"not null;default:0"`
	CreatedAt     time.Time
	UpdatedAt     time.Time `gorm:"index"`

	Participants []participantRecord `gorm:"foreignKey:ChatID;references:ID"`
}

func (chatRecord) TableName() string { return "chats" }

type participantRecord struct {
	ChatID   string `gorm:"primaryKey"`
	UserID   string `gorm:"primaryKey;index"`
	Position int    `gorm:"not null"`
}

func (participantRecord) TableName() string { return "chat_participants" }

type messageRecord struct {
	ID               string `gorm:"primaryKey"`
	ChatID           string `gorm:"not null;index:idx_messages_chat_created,priority:1"`
	SenderID         string `gorm:"not null"`
	Content          string
	Attachments      []entity.Attachment `gorm:"serializer:json"`
	AttachmentStatus string
	CreatedUnixNano  int64 `gorm:"column:created_at;not null;index:idx_messages_chat_created,priority:2"`
	UpdatedUnixNano  int64 `gorm:"column:updated_at;not null"`
}

func (messageRecord) TableName() string { return "messages" }

type userRecord struct {
	ID        string `gorm:"primaryKey"`
	Email     string `gorm:"index"`
	Username  string
	AvatarURL string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (userRecord) TableName() string { return "users" }

// OpenSQLite opens the database at dsn and migrates the schema. SQLite
// serializes writers, so the pool is limited to one connection.
func OpenSQLite(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dsn, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&chatRecord{}, &participantRecord{}, &messageRecord{}, &userRecord{}); err != nil {
		return nil, fmt.Errorf("migrate sqlite schema: %w", err)
	}
	return db, nil
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func newChatRecord(chat *entity.Chat) *chatRecord {
	rec := &chatRecord{
		ID:            chat.ID,
		Name:          chat.Name,
		Type:          string(chat.Type),
		AdminID:       chat.AdminID,
		LastMessageID: chat.LastMessageID,
		LastMessageAt: toNanos(chat.LastMessageAt),
		CreatedAt:     chat.CreatedAt,
		UpdatedAt:     chat.UpdatedAt,
	}
	rec.Participants = participantRecords(chat.ID, chat.Participants)
	return rec
}

func participantRecords(chatID string, participants []string) []participantRecord {
	out := make([]participantRecord, 0, len(participants))
	for i, p := range participants {
		out = append(out, participantRecord{ChatID: chatID, UserID: p, Position: i})
	}
	return out
}

func (r *chatRecord) toEntity() *entity.Chat {
	participants := make([]string, len(r.Participants))
	for _, p := range r.Participants {
		if p.Position >= 0 && p.Position < len(participants) {
			participants[p.Position] = p.UserID
		}
	}
	return &entity.Chat{
		ID:            r.ID,
		Name:          r.Name,
		Type:          entity.ChatType(r.Type),
		Participants:  participants,
		AdminID:       r.AdminID,
		LastMessageID: r.LastMessageID,
		LastMessageAt: fromNanos(r.LastMessageAt),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func newMessageRecord(m *entity.Message) *messageRecord {
	return &messageRecord{
		ID:               m.ID,
		ChatID:           m.ChatID,
		SenderID:         m.SenderID,
		Content:          m.Content,
		Attachments:      m.Attachments,
		AttachmentStatus: string(m.AttachmentStatus),
		CreatedUnixNano:  toNanos(m.CreatedAt),
		UpdatedUnixNano:  toNanos(m.UpdatedAt),
	}
}

func (r *messageRecord) toEntity() *entity.Message {
	attachments := r.Attachments
	if attachments == nil {
		attachments = []entity.Attachment{}
	}
	return &entity.Message{
		ID:               r.ID,
		ChatID:           r.ChatID,
		SenderID:         r.SenderID,
		Content:          r.Content,
		Attachments:      attachments,
		AttachmentStatus: entity.AttachmentStatus(r.AttachmentStatus),
		CreatedAt:        fromNanos(r.CreatedUnixNano),
		UpdatedAt:        fromNanos(r.UpdatedUnixNano),
	}
}

// storeError maps gorm failures onto application errors.
func storeError(resource string, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		return errors.NotFound(resource, err)
	}
	if stderrors.Is(err, gorm.ErrDuplicatedKey) {
		return errors.Conflict(fmt.Sprintf("%s already exists", resource))
	}
	return errors.Unavailable(resource+" store", err)
}
