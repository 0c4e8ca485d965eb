package services

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	retry "github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/Gopher0727/InviteTracker/config"
	"github.com/Gopher0727/InviteTracker/internal/events"
	"github.com/Gopher0727/InviteTracker/internal/platform"
	"github.com/Gopher0727/InviteTracker/internal/repositories"
	logger "github.com/Gopher0727/InviteTracker/middleware/log"
)

// Attribution 一次成功的归属记录
type Attribution struct {
	TokenID      string    `json:"token_id"`
	GuildID      string    `json:"guild_id"`
	CreatorID    string    `json:"creator_id"`
	MemberID     string    `json:"member_id"`
	ExternalCode string    `json:"external_code"`
	RedeemedAt   time.Time `json:"redeemed_at"`
}

// Reconciler 新成员加入时，将其与一个已生成邀请码的令牌对应起来
type Reconciler struct {
	store     repositories.InviteStore
	platform  platform.Platform
	publisher events.Publisher
	cfg       *config.Config
	now       Clock
	timeout   time.Duration
	log       *logger.Logger

	// 撤销邀请码的重试策略
	RevokeAttempts uint
	RevokeDelay    time.Duration
}

func NewReconciler(store repositories.InviteStore, p platform.Platform, publisher events.Publisher, cfg *config.Config, now Clock, log *logger.Logger) *Reconciler {
	if now == nil {
		now = SystemClock
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	timeout := cfg.Bot.PlatformTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reconciler{
		store:          store,
		platform:       p,
		publisher:      publisher,
		cfg:            cfg,
		now:            now,
		timeout:        timeout,
		log:            log,
		RevokeAttempts: 3,
		RevokeDelay:    200 * time.Millisecond,
	}
}

// Candidates 筛选出由本服务生成、且恰好被使用一次的邀请码，最新创建的排在前面
// 实现逻辑：max_uses == 2 且 uses == 1；创建时间相同按邀请码升序，保证顺序确定
func Candidates(invites []platform.Invite) []platform.Invite {
	var out []platform.Invite
	for _, inv := range invites {
		if inv.MaxUses == InviteMaxUses && inv.Uses == 1 {
			out = append(out, inv)
		}
	}
	slices.SortFunc(out, func(a, b platform.Invite) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Code, b.Code)
	})
	return out
}

// OnArrival 处理一次成员加入
// 实现逻辑：
//  1. 列出邀请频道当前的邀请码（可能滞后），筛选候选
//  2. 依次反查未使用的令牌并执行条件更新，更新失败说明被并发的加入抢先，继续下一个候选
//  3. 成功后尽力撤销邀请码并发布事件，两者失败都只记录日志
//  4. 没有匹配时返回 nil, nil，未归属是正常结果
func (r *Reconciler) OnArrival(ctx context.Context, guildID, memberID string) (*Attribution, error) {
	guild, ok := r.cfg.Guild(guildID)
	if !ok {
		return nil, ErrGuildNotConfigured
	}

	invites, err := r.list(ctx, guild.InviteChannel)
	if err != nil {
		r.log.WarnContext(ctx, "reconcile: list invites failed",
			zap.String("guild_id", guildID),
			zap.String("member_id", memberID),
			zap.Error(err),
		)
		return nil, err
	}

	for _, inv := range Candidates(invites) {
		tokenID, err := r.store.FindByExternalCode(ctx, guildID, inv.Code)
		if errors.Is(err, repositories.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		token, err := r.store.Get(ctx, tokenID)
		if errors.Is(err, repositories.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		// 先在内存中校验状态迁移，已被使用的令牌不再尝试写入
		at := r.now()
		if err := token.Redeem(memberID, at); err != nil {
			r.log.DebugContext(ctx, "reconcile: candidate no longer redeemable",
				zap.String("token_id", tokenID),
				zap.String("state", token.State().String()),
			)
			continue
		}

		won, err := r.store.MarkUsed(ctx, tokenID, memberID, at)
		if err != nil {
			return nil, err
		}
		if !won {
			r.log.DebugContext(ctx, "reconcile: candidate claimed concurrently",
				zap.String("token_id", tokenID),
				zap.String("code", inv.Code),
			)
			continue
		}

		attribution := &Attribution{
			TokenID:      tokenID,
			GuildID:      guildID,
			CreatorID:    token.CreatorID,
			MemberID:     memberID,
			ExternalCode: inv.Code,
			RedeemedAt:   at,
		}

		r.log.InfoContext(ctx, "arrival attributed",
			zap.String("guild_id", guildID),
			zap.String("member_id", memberID),
			zap.String("creator_id", attribution.CreatorID),
			zap.String("token_id", tokenID),
		)
		r.revoke(ctx, inv.Code)
		r.publish(ctx, attribution)
		return attribution, nil
	}

	r.log.DebugContext(ctx, "reconcile: arrival not attributed",
		zap.String("guild_id", guildID),
		zap.String("member_id", memberID),
	)
	return nil, nil
}

func (r *Reconciler) list(ctx context.Context, channelID string) ([]platform.Invite, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	invites, err := r.platform.ListInvites(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExternalUnavailable, err)
	}
	return invites, nil
}

// revoke 删除已使用的邀请码，防止第二个无关成员再次使用
func (r *Reconciler) revoke(ctx context.Context, code string) {
	err := retry.Do(
		func() error {
			attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			return r.platform.DeleteInvite(attemptCtx, code)
		},
		retry.Context(ctx),
		retry.Attempts(max(r.RevokeAttempts, 1)),
		retry.Delay(r.RevokeDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, platform.ErrUnknownInvite)
		}),
	)
	if err != nil && !errors.Is(err, platform.ErrUnknownInvite) {
		r.log.WarnContext(ctx, "reconcile: revoke invite failed", zap.String("code", code), zap.Error(err))
	}
}

func (r *Reconciler) publish(ctx context.Context, a *Attribution) {
	err := r.publisher.PublishRedeemed(ctx, events.RedeemedEvent{
		TokenID:      a.TokenID,
		GuildID:      a.GuildID,
		CreatorID:    a.CreatorID,
		MemberID:     a.MemberID,
		ExternalCode: a.ExternalCode,
		RedeemedAt:   a.RedeemedAt,
	})
	if err != nil {
		r.log.WarnContext(ctx, "reconcile: publish redeemed event failed", zap.String("token_id", a.TokenID), zap.Error(err))
	}
}
