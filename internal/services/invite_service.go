package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Gopher0727/InviteTracker/config"
	"github.com/Gopher0727/InviteTracker/internal/models"
	"github.com/Gopher0727/InviteTracker/internal/repositories"
	logger "github.com/Gopher0727/InviteTracker/middleware/log"
)

// IssueRequest 成员发起的邀请请求，由聊天命令或管理接口构造
type IssueRequest struct {
	GuildID   string    `json:"guild_id"`
	CreatorID string    `json:"creator_id" binding:"required"`
	RoleIDs   []string  `json:"role_ids"`
	JoinedAt  time.Time `json:"joined_at"`
}

// IssueResult 生成成功的邀请令牌
type IssueResult struct {
	TokenID   string    `json:"token_id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	Decision  Decision  `json:"decision"`
}

type InviteService struct {
	store   repositories.InviteStore
	limiter *RateLimiter
	cfg     *config.Config
	now     Clock
	newID   func() string
	log     *logger.Logger
}

func NewInviteService(store repositories.InviteStore, limiter *RateLimiter, cfg *config.Config, now Clock, log *logger.Logger) *InviteService {
	if now == nil {
		now = SystemClock
	}
	return &InviteService{
		store:   store,
		limiter: limiter,
		cfg:     cfg,
		now:     now,
		newID:   func() string { return uuid.NewString() },
		log:     log,
	}
}

// IssueForMember 校验服务器、入服时长和角色后生成邀请
// 实现逻辑：服务器需在允许列表中；入服时间早于 min_member_age；从成员角色中取出配置的限额后交给 IssueToken
func (s *InviteService) IssueForMember(ctx context.Context, req IssueRequest) (*IssueResult, error) {
	guild, ok := s.cfg.Guild(req.GuildID)
	if !ok {
		return nil, ErrGuildNotConfigured
	}

	minAge := guild.MinMemberAgeOr(s.cfg.Bot.DefaultMinMemberAge)
	if minAge > 0 && (req.JoinedAt.IsZero() || s.now().Sub(req.JoinedAt) < minAge) {
		return nil, ErrMemberTooNew
	}

	limits := RoleLimitsFrom(guild.RoleLimitsFor(req.RoleIDs))
	if len(limits) == 0 {
		return nil, ErrNoEligibleRole
	}
	return s.IssueToken(ctx, req.GuildID, req.CreatorID, limits)
}

// IssueToken 限流检查通过后创建一条 Pending 令牌
// 实现逻辑：超出限额返回 *DeniedError；令牌 ID 为 UUID，出现在对外跳转链接中
func (s *InviteService) IssueToken(ctx context.Context, guildID, creatorID string, limits []RoleLimit) (*IssueResult, error) {
	if _, ok := s.cfg.Guild(guildID); !ok {
		return nil, ErrGuildNotConfigured
	}

	decision, err := s.limiter.Check(ctx, creatorID, guildID, limits)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		s.log.DebugContext(ctx, "invite denied by role limit",
			zap.String("guild_id", guildID),
			zap.String("creator_id", creatorID),
			zap.Int64("used", decision.Used),
		)
		return nil, &DeniedError{Limit: decision.Limit, Used: decision.Used, Remaining: decision.Remaining}
	}

	token := &models.InviteToken{
		ID:        s.newID(),
		GuildID:   guildID,
		CreatorID: creatorID,
		CreatedAt: s.now(),
	}
	if err := s.store.Create(ctx, token); err != nil {
		return nil, err
	}

	s.log.InfoContext(ctx, "invite token issued",
		zap.String("token_id", token.ID),
		zap.String("guild_id", guildID),
		zap.String("creator_id", creatorID),
	)
	return &IssueResult{
		TokenID:   token.ID,
		URL:       RedirectURL(s.cfg.Server.ExternalURL, token.ID),
		CreatedAt: token.CreatedAt,
		Decision:  decision,
	}, nil
}

// RedirectURL 对外分享的跳转链接
func RedirectURL(externalURL, tokenID string) string {
	return strings.TrimRight(externalURL, "/") + "/invite/" + tokenID
}

// InviteURL 平台邀请链接
func InviteURL(baseURL, code string) string {
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL + code
}
