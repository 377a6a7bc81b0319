package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gamechat/internal/domain/entity"
)

type GormUserRepository struct {
	db *gorm.DB
}

func NewGormUserRepository(db *gorm.DB) *GormUserRepository {
	return &GormUserRepository{db: db}
}

func (r *GormUserRepository) GetByID(ctx context.Context, id string) (*entity.User, error) {
	var rec userRecord
	if err := r.db.WithContext(ctx).First(&rec, "id = ?", id).Error; err != nil {
		return nil, storeError("User", err)
	}
	return &entity.User{
		ID:        rec.ID,
		Email:     rec.Email,
		Username:  rec.Username,
		AvatarURL: rec.AvatarURL,
		CreatedAt: rec.CreatedAt.UTC(),
		UpdatedAt: rec.UpdatedAt.UTC(),
	}, nil
}

// Upsert stores a user profile. Profiles are owned by the identity provider;
// this keeps a local copy for sender summaries.
func (r *GormUserRepository) Upsert(ctx context.Context, user *entity.User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&userRecord{
		ID:        user.ID,
		Email:     user.Email,
		Username:  user.Username,
		AvatarURL: user.AvatarURL,
		CreatedAt: user.CreatedAt,
		UpdatedAt: user.UpdatedAt,
	}).Error
	return storeError("User", err)
}
