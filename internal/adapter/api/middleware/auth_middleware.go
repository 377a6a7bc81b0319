package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"gamechat/internal/domain/service"
	"gamechat/pkg/errors"
	"gamechat/pkg/logger"
	"gamechat/pkg/response"
)

const (
	// UserIDKey is the echo.Context key holding the authenticated user id.
	UserIDKey = "uid"

	accessTokenCookie = "accessToken"
	tokenQueryParam   = "token"
)

type AuthMiddleware struct {
	verifier service.TokenVerifier
}

func NewAuthMiddleware(verifier service.TokenVerifier) *AuthMiddleware {
	return &AuthMiddleware{
		verifier: verifier,
	}
}

// TokenFromRequest finds a bearer credential in the Authorization header,
// the accessToken cookie, or the token query parameter, in that order.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if cookie, err := r.Cookie(accessTokenCookie); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get(tokenQueryParam)
}

func (m *AuthMiddleware) Authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := TokenFromRequest(c.Request())
		if token == "" {
			return response.Error(c, errors.Unauthorized("Authorization token is required", nil))
		}

		userID, err := m.verifier.VerifyToken(c.Request().Context(), token)
		if err != nil {
			logger.Debug("Authenticate: token rejected: %v", err)
			return response.Error(c, errors.Unauthorized("Invalid or expired token", err))
		}

		c.Set(UserIDKey, userID)
		return next(c)
	}
}

// Verify exposes the verifier to handlers that authenticate outside the
// middleware chain, such as the websocket handshake.
func (m *AuthMiddleware) Verify(r *http.Request) (string, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return "", errors.Unauthorized("Authorization token is required", nil)
	}
	userID, err := m.verifier.VerifyToken(r.Context(), token)
	if err != nil {
		return "", errors.Unauthorized("Invalid or expired token", err)
	}
	return userID, nil
}

// UserID returns the id set by Authenticate.
func UserID(c echo.Context) string {
	id, _ := c.Get(UserIDKey).(string)
	return id
}
