package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/InviteTracker/internal/services"
	logger "github.com/Gopher0727/InviteTracker/middleware/log"
)

// RetryAfterSeconds 平台不可用时建议客户端等待的秒数
const RetryAfterSeconds = 5

// respondError 把服务层错误映射为 HTTP 状态码
// 预期内的错误（令牌不存在、超出限额等）不记录错误日志
func respondError(c *gin.Context, log *logger.Logger, err error) {
	ctx := c.Request.Context()

	if denied, ok := services.IsDenied(err); ok {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error":     denied.Error(),
			"used":      denied.Used,
			"remaining": denied.Remaining,
			"limit":     denied.Limit,
		})
		return
	}

	switch {
	case errors.Is(err, services.ErrTokenNotFound),
		errors.Is(err, services.ErrNoAttribution),
		errors.Is(err, services.ErrGuildNotConfigured):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrNoEligibleRole),
		errors.Is(err, services.ErrMemberTooNew):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrExternalUnavailable):
		c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": services.ErrExternalUnavailable.Error()})
	default:
		log.ErrorContext(ctx, "request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
