package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/InviteTracker/config"
	"github.com/Gopher0727/InviteTracker/internal/models"
	"github.com/Gopher0727/InviteTracker/internal/platform"
	"github.com/Gopher0727/InviteTracker/internal/repositories"
	logger "github.com/Gopher0727/InviteTracker/middleware/log"
)

// InviteMaxUses 每个平台邀请码允许两次使用：一次预留给探测，一次给真正加入的成员
const InviteMaxUses = 2

// Materializer 在第一次访问跳转链接时生成平台邀请码
type Materializer struct {
	store    repositories.InviteStore
	platform platform.Platform
	cfg      *config.Config
	timeout  time.Duration
	log      *logger.Logger
}

func NewMaterializer(store repositories.InviteStore, p platform.Platform, cfg *config.Config, log *logger.Logger) *Materializer {
	timeout := cfg.Bot.PlatformTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Materializer{store: store, platform: p, cfg: cfg, timeout: timeout, log: log}
}

// Materialize 返回令牌对应的平台邀请链接
// 实现逻辑：
//  1. 令牌不存在或已使用返回 ErrTokenNotFound
//  2. 按令牌状态分支：Materialized 直接返回已有邀请码，重复点击不会生成第二个；Redeemed 视为不存在
//  3. 否则在平台创建 max_uses=2 的邀请码，并以条件更新写回；写回失败的邀请码成为孤儿，只记录日志不重试
//  4. 并发访问时只有第一次写入生效，落败方读回已保存的邀请码并撤销自己创建的那个
func (m *Materializer) Materialize(ctx context.Context, tokenID string) (string, error) {
	token, err := m.store.GetUnused(ctx, tokenID)
	if errors.Is(err, repositories.ErrNotFound) {
		m.log.DebugContext(ctx, "materialize: token not found", zap.String("token_id", tokenID))
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", err
	}
	switch token.State() {
	case models.StateRedeemed:
		return "", ErrTokenNotFound
	case models.StateMaterialized:
		return m.url(token.Code()), nil
	}

	guild, ok := m.cfg.Guild(token.GuildID)
	if !ok {
		return "", ErrGuildNotConfigured
	}

	code, err := m.create(ctx, guild)
	if err != nil {
		m.log.WarnContext(ctx, "materialize: create invite failed",
			zap.String("token_id", tokenID),
			zap.String("guild_id", token.GuildID),
			zap.Error(err),
		)
		return "", err
	}

	// 平台上已存在邀请码，客户端断开也要尽量写回
	persistCtx := context.WithoutCancel(ctx)
	won, err := m.store.SetExternalCode(persistCtx, tokenID, code)
	if err != nil {
		m.log.ErrorContext(ctx, "materialize: orphaned invite code",
			zap.String("token_id", tokenID),
			zap.String("guild_id", token.GuildID),
			zap.String("orphan_code", code),
			zap.Error(err),
		)
		return "", err
	}
	if won {
		if err := token.Materialize(code); err != nil {
			return "", err
		}
		m.log.InfoContext(ctx, "invite materialized",
			zap.String("token_id", tokenID),
			zap.String("code", code),
		)
		return m.url(token.Code()), nil
	}

	return m.resolveLostRace(persistCtx, tokenID, code)
}

func (m *Materializer) create(ctx context.Context, guild config.GuildConfig) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	maxAge := guild.InviteMaxAge(m.cfg.Bot.DefaultInviteMaxAge)
	code, err := m.platform.CreateInvite(ctx, guild.InviteChannel, maxAge, InviteMaxUses)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrExternalUnavailable, err)
	}
	return code, nil
}

// resolveLostRace 另一个请求已写入邀请码，返回它并撤销本次创建的邀请码
func (m *Materializer) resolveLostRace(ctx context.Context, tokenID, ownCode string) (string, error) {
	defer m.revoke(ctx, ownCode)

	token, err := m.store.GetUnused(ctx, tokenID)
	if errors.Is(err, repositories.ErrNotFound) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", err
	}
	if token.Code() == "" {
		return "", ErrTokenNotFound
	}
	m.log.DebugContext(ctx, "materialize: lost race, using stored code",
		zap.String("token_id", tokenID),
		zap.String("code", token.Code()),
		zap.String("discarded_code", ownCode),
	)
	return m.url(token.Code()), nil
}

func (m *Materializer) revoke(ctx context.Context, code string) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.platform.DeleteInvite(ctx, code); err != nil && !errors.Is(err, platform.ErrUnknownInvite) {
		m.log.WarnContext(ctx, "materialize: revoke discarded code failed", zap.String("code", code), zap.Error(err))
	}
}

func (m *Materializer) url(code string) string {
	return InviteURL(m.cfg.Server.InviteBaseURL, code)
}
