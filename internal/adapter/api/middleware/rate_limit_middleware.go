package middleware

import (
	"math"
	"strconv"

	"github.com/labstack/echo/v4"

	"gamechat/internal/infrastructure/ratelimit"
	"gamechat/pkg/errors"
	"gamechat/pkg/logger"
	"gamechat/pkg/response"
)

// RateLimit throttles requests per client IP with the limiter's default policy.
func RateLimit(limiter *ratelimit.RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()

			allowed, wait := limiter.Allow("ip:"+ip, ratelimit.ActionDefault)
			if !allowed {
				logger.Warn("RATE LIMIT: Blocked request from IP %s (retry in %v)", ip, wait)

				retryAfter := int(math.Ceil(wait.Seconds()))
				if retryAfter < 1 {
					retryAfter = 1
				}
				c.Response().Header().Set("Retry-After", strconv.Itoa(retryAfter))
				return response.Error(c, errors.TooManyRequests("Rate limit exceeded"))
			}

			return next(c)
		}
	}
}
