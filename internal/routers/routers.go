package routers

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/InviteTracker/internal/handlers"
	"github.com/Gopher0727/InviteTracker/internal/middlewares"
	"github.com/Gopher0727/InviteTracker/internal/utils"
	"github.com/Gopher0727/InviteTracker/middleware/jwt"
	logger "github.com/Gopher0727/InviteTracker/middleware/log"
	"github.com/Gopher0727/InviteTracker/utils/ratelimit"
)

// Deps 路由依赖
type Deps struct {
	Redirect *handlers.RedirectHandler
	Admin    *handlers.AdminHandler
	Health   *handlers.HealthHandler
	Tokens   *jwt.TokenManager
	Limiter  ratelimit.Limiter
	Rule     ratelimit.Rule // 跳转链接按 IP 的限流规则
	Pool     *utils.WorkerPool
	Log      *logger.Logger
}

// SetupRoutes 设置所有路由
func SetupRoutes(r *gin.Engine, d Deps) {
	r.Use(logger.Recovery(d.Log), logger.GinMiddleware(d.Log))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", "Authorization", logger.RequestIDHeader}
	corsConfig.ExposeHeaders = []string{logger.RequestIDHeader, "Retry-After"}
	r.Use(cors.New(corsConfig))

	r.GET("/health", d.Health.Health)

	RegisterRedirectRoutes(r, d)
	RegisterAdminRoutes(r, d)
}

// RegisterRedirectRoutes 对外分享的跳转链接
// 先按 IP 限流，再进入协程池排队，限制同时在途的平台调用
func RegisterRedirectRoutes(r *gin.Engine, d Deps) {
	r.GET("/invite/:id",
		middlewares.RateLimitMiddleware(d.Limiter, ratelimit.ScopeRedirect, d.Rule, d.Log),
		middlewares.AsyncMiddleware(d.Pool),
		d.Redirect.Redirect,
	)
}

// RegisterAdminRoutes 管理接口
func RegisterAdminRoutes(r *gin.Engine, d Deps) {
	r.POST("/api/v1/token/refresh", d.Admin.RefreshToken)

	api := r.Group("/api/v1")
	api.Use(middlewares.AuthMiddleware(d.Tokens))
	{
		api.GET("/config", d.Admin.Config) // 当前配置（隐藏凭据）
	}

	guild := api.Group("/guilds/:guild_id")
	guild.Use(middlewares.GuildScope())
	{
		guild.POST("/tokens", d.Admin.IssueToken)                 // 代成员生成邀请令牌
		guild.GET("/leaderboard", d.Admin.Leaderboard)            // 邀请排行
		guild.GET("/members/:member_id/inviter", d.Admin.Inviter) // 成员的邀请人
		guild.GET("/members/:member_id/usage", d.Admin.Usage)     // 成员窗口内已使用的邀请数
		guild.POST("/arrivals", d.Admin.Arrival)                  // 手动触发归属计算
	}
}
