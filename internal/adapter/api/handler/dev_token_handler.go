package handler

import (
	"time"

	"github.com/labstack/echo/v4"

	"gamechat/internal/domain/repository"
	"gamechat/internal/infrastructure/auth"
	"gamechat/pkg/errors"
	"gamechat/pkg/logger"
	"gamechat/pkg/response"
)

const devTokenTTL = 24 * time.Hour

// DevTokenHandler mints HS256 tokens for known users. It is only routed in
// development with a shared JWT secret.
type DevTokenHandler struct {
	secret   string
	userRepo repository.UserRepository
}

var devTokenHandler *DevTokenHandler

func NewDevTokenHandler(secret string, userRepo repository.UserRepository) *DevTokenHandler {
	return &DevTokenHandler{
		secret:   secret,
		userRepo: userRepo,
	}
}

func SetupDevTokenHandler(secret string, userRepo repository.UserRepository) {
	devTokenHandler = NewDevTokenHandler(secret, userRepo)
}

func GetDevTokenHandler() *DevTokenHandler {
	return devTokenHandler
}

func (h *DevTokenHandler) GenerateUserToken(c echo.Context) error {
	user, err := h.userRepo.GetByID(c.Request().Context(), c.Param("userId"))
	if err != nil {
		return response.Error(c, err)
	}

	token, err := auth.IssueHMACToken(h.secret, user.ID, devTokenTTL)
	if err != nil {
		logger.Error("GenerateUserToken Error: %v", err)
		return response.Error(c, errors.Internal("Failed to sign token", err))
	}

	return response.Success(c, map[string]interface{}{
		"token":      token,
		"expires_in": int(devTokenTTL.Seconds()),
		"user":       user,
	})
}
