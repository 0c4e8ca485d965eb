package middlewares

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/InviteTracker/middleware/jwt"
)

const (
	OperatorIDKey = "operator_id"
	ClaimsKey     = "claims"
)

// AuthMiddleware JWT 认证中间件，保护管理接口
func AuthMiddleware(tm *jwt.TokenManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := tm.ParseToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}

		c.Set(OperatorIDKey, claims.OperatorID)
		c.Set(ClaimsKey, claims)
		c.Next()
	}
}

// GuildScope 校验令牌是否有权操作路径中的 :guild_id
// 必须挂在 AuthMiddleware 之后
func GuildScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := c.Get(ClaimsKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		if !claims.(*jwt.Claims).CanAccessGuild(c.Param("guild_id")) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "guild not in token scope"})
			return
		}
		c.Next()
	}
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
