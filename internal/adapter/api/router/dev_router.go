package router

import (
	"github.com/labstack/echo/v4"

	"gamechat/internal/adapter/api/handler"
)

// SetupDevRouter exposes token minting outside production builds only.
func SetupDevRouter(e *echo.Echo, environment string, devTokenHandler *handler.DevTokenHandler) {
	if environment != "development" || devTokenHandler == nil {
		return
	}

	e.GET("/_dev/token/:userId", devTokenHandler.GenerateUserToken)
}
