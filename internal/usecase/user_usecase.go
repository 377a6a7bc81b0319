package usecase

import (
	"context"

	"gamechat/internal/domain/entity"
	"gamechat/internal/domain/repository"
	"gamechat/pkg/errors"
	"gamechat/pkg/logger"
)

type UserUseCase struct {
	userRepo repository.UserRepository
}

func NewUserUseCase(userRepo repository.UserRepository) *UserUseCase {
	return &UserUseCase{
		userRepo: userRepo,
	}
}

// GetProfile returns the public profile of a user.
func (uc *UserUseCase) GetProfile(ctx context.Context, userID string) (*entity.User, error) {
	if userID == "" {
		return nil, errors.BadRequest("User id is required", nil)
	}

	user, err := uc.userRepo.GetByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, errors.CodeNotFound) {
			logger.Error("GetProfile Error: load user %s: %v", userID, err)
		}
		return nil, err
	}
	return user, nil
}

// GetProfiles resolves a batch of ids, skipping users that no longer exist.
func (uc *UserUseCase) GetProfiles(ctx context.Context, userIDs []string) ([]entity.SenderSummary, error) {
	profiles := make([]entity.SenderSummary, 0, len(userIDs))
	for _, id := range userIDs {
		user, err := uc.userRepo.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, errors.CodeNotFound) {
				continue
			}
			return nil, err
		}
		profiles = append(profiles, user.Summary())
	}
	return profiles, nil
}
