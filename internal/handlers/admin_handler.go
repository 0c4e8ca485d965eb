package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/Gopher0727/InviteTracker/config"
	"github.com/Gopher0727/InviteTracker/internal/repositories"
	"github.com/Gopher0727/InviteTracker/internal/services"
	"github.com/Gopher0727/InviteTracker/middleware/jwt"
	logger "github.com/Gopher0727/InviteTracker/middleware/log"
)

// AdminHandler 管理接口，全部挂在 JWT 认证之后
type AdminHandler struct {
	Issuer     *services.InviteService
	Query      *services.QueryService
	Reconciler *services.Reconciler
	Tokens     *jwt.TokenManager
	cfg        *config.Config
	log        *logger.Logger
}

func NewAdminHandler(
	issuer *services.InviteService,
	query *services.QueryService,
	reconciler *services.Reconciler,
	tokens *jwt.TokenManager,
	cfg *config.Config,
	log *logger.Logger,
) *AdminHandler {
	return &AdminHandler{
		Issuer:     issuer,
		Query:      query,
		Reconciler: reconciler,
		Tokens:     tokens,
		cfg:        cfg,
		log:        log,
	}
}

type LeaderboardResponse struct {
	GuildID string                          `json:"guild_id"`
	Days    int                             `json:"days"`
	Limit   int                             `json:"limit"`
	Entries []repositories.LeaderboardEntry `json:"entries"`
}

type ArrivalRequest struct {
	MemberID string `json:"member_id" binding:"required"`
}

type ArrivalResponse struct {
	Attributed  bool                  `json:"attributed"`
	Attribution *services.Attribution `json:"attribution,omitempty"`
}

type UsageResponse struct {
	CreatorID string `json:"creator_id"`
	Days      int    `json:"days"`
	Used      int64  `json:"used"`
}

// IssueToken 代成员生成邀请令牌，角色与入服时间由调用方提供
func (h *AdminHandler) IssueToken(c *gin.Context) {
	var req services.IssueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	req.GuildID = c.Param("guild_id")

	res, err := h.Issuer.IssueForMember(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// Leaderboard 查询邀请排行，支持 ?days=30&limit=5，limit 超过 25 返回 400
func (h *AdminHandler) Leaderboard(c *gin.Context) {
	days, ok := queryInt(c, "days", services.DefaultLeaderboardDays)
	if !ok {
		return
	}
	limit, ok := queryInt(c, "limit", services.DefaultLeaderboardLimit)
	if !ok {
		return
	}
	if limit > services.MaxLeaderboardLimit {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":     "limit too large",
			"max_limit": services.MaxLeaderboardLimit,
		})
		return
	}

	guildID := c.Param("guild_id")
	entries, err := h.Query.Leaderboard(c.Request.Context(), guildID, days, limit)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	if entries == nil {
		entries = []repositories.LeaderboardEntry{}
	}
	c.JSON(http.StatusOK, LeaderboardResponse{GuildID: guildID, Days: days, Limit: limit, Entries: entries})
}

// Inviter 查询成员最近一次是被谁邀请的
func (h *AdminHandler) Inviter(c *gin.Context) {
	history, err := h.Query.HistoryFor(c.Request.Context(), c.Param("guild_id"), c.Param("member_id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, history)
}

// Usage 查询成员在窗口内已被使用的邀请数
func (h *AdminHandler) Usage(c *gin.Context) {
	days, ok := queryInt(c, "days", services.DefaultLeaderboardDays)
	if !ok {
		return
	}
	creatorID := c.Param("member_id")
	used, err := h.Query.Usage(c.Request.Context(), creatorID, c.Param("guild_id"), days)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, UsageResponse{CreatorID: creatorID, Days: days, Used: used})
}

// Arrival 手动触发一次成员加入的归属计算，用于补偿错过的网关事件
func (h *AdminHandler) Arrival(c *gin.Context) {
	var req ArrivalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "member_id is required"})
		return
	}

	attribution, err := h.Reconciler.OnArrival(c.Request.Context(), c.Param("guild_id"), req.MemberID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, ArrivalResponse{Attributed: attribution != nil, Attribution: attribution})
}

// Config 返回隐藏了凭据的当前配置
func (h *AdminHandler) Config(c *gin.Context) {
	c.JSON(http.StatusOK, h.cfg.Redacted())
}

// RefreshToken 在刷新窗口内换发新的管理令牌
func (h *AdminHandler) RefreshToken(c *gin.Context) {
	var req struct {
		Token string `json:"token" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "token is required"})
		return
	}

	token, err := h.Tokens.RefreshToken(req.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// queryInt 读取可选的正整数查询参数，格式错误时直接返回 400
func queryInt(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return v, true
}
