package middlewares

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	logger "github.com/Gopher0727/InviteTracker/middleware/log"
	"github.com/Gopher0727/InviteTracker/utils/ratelimit"
)

// RateLimitMiddleware 按客户端 IP 限流
// rule.Limit <= 0 时不限流
func RateLimitMiddleware(limiter ratelimit.Limiter, scope string, rule ratelimit.Rule, log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil || rule.Limit <= 0 {
			c.Next()
			return
		}

		key := ratelimit.Key(scope, c.ClientIP())
		allowed, err := limiter.Allow(c.Request.Context(), key, rule.Limit, rule.Window)
		if err != nil {
			log.ErrorContext(c.Request.Context(), "rate limiter unavailable", zap.String("key", key), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "rate limiter unavailable"})
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(rule.Window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rule.Limit))
		// 剩余额度只作提示，查询失败不影响本次请求
		if remaining, err := limiter.GetRemaining(c.Request.Context(), key, rule.Limit, rule.Window); err == nil {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		}
		c.Next()
	}
}
