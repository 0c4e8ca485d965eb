package services

import (
	"context"
	"strings"

	"github.com/Gopher0727/InviteTracker/config"
	"github.com/Gopher0727/InviteTracker/internal/repositories"
)

// RoleLimit 某个角色在 Days 天内最多可被使用 Count 个邀请
type RoleLimit struct {
	RoleID string `json:"role_id"`
	Count  int    `json:"count"`
	Days   int    `json:"days"`
}

// RoleLimitsFrom 将配置中的角色限额转换为限流器输入
func RoleLimitsFrom(roles []config.AllowedRole) []RoleLimit {
	out := make([]RoleLimit, 0, len(roles))
	for _, r := range roles {
		out = append(out, RoleLimit{RoleID: r.ID, Count: r.InviteLimit.Count, Days: r.InviteLimit.Days})
	}
	return out
}

// LimitUsage 某个角色限额及其窗口内已用数量
type LimitUsage struct {
	Limit RoleLimit
	Used  int64
}

// Remaining 剩余额度，不小于 0
func (u LimitUsage) Remaining() int64 {
	return max(int64(u.Limit.Count)-u.Used, 0)
}

// Decision 限流判定结果
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Limit     RoleLimit `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
}

// SelectLimit 在多个角色限额中选出剩余额度最大的一个
// 实现逻辑：剩余额度大者优先；相同则 Count 大者优先，再 Days 小者优先，最后按 RoleID 升序，结果只取决于输入
func SelectLimit(usages []LimitUsage) (LimitUsage, bool) {
	if len(usages) == 0 {
		return LimitUsage{}, false
	}
	best := usages[0]
	for _, u := range usages[1:] {
		if better(u, best) {
			best = u
		}
	}
	return best, true
}

func better(a, b LimitUsage) bool {
	if ra, rb := a.Remaining(), b.Remaining(); ra != rb {
		return ra > rb
	}
	if a.Limit.Count != b.Limit.Count {
		return a.Limit.Count > b.Limit.Count
	}
	if a.Limit.Days != b.Limit.Days {
		return a.Limit.Days < b.Limit.Days
	}
	return strings.Compare(a.Limit.RoleID, b.Limit.RoleID) < 0
}

// RateLimiter 根据已被使用的邀请数判断成员能否再生成邀请
type RateLimiter struct {
	store repositories.InviteStore
	now   Clock
}

func NewRateLimiter(store repositories.InviteStore, now Clock) *RateLimiter {
	if now == nil {
		now = SystemClock
	}
	return &RateLimiter{store: store, now: now}
}

// Check 计算各角色窗口内的已用数量并选出最宽松的限额
// 实现逻辑：used = CountRedeemed(now - days)，used >= count 时拒绝；相同窗口只查询一次
func (l *RateLimiter) Check(ctx context.Context, creatorID, guildID string, limits []RoleLimit) (Decision, error) {
	if len(limits) == 0 {
		return Decision{}, ErrNoEligibleRole
	}

	now := l.now()
	usedByDays := make(map[int]int64, len(limits))
	usages := make([]LimitUsage, 0, len(limits))
	for _, limit := range limits {
		used, ok := usedByDays[limit.Days]
		if !ok {
			var err error
			used, err = l.store.CountRedeemed(ctx, creatorID, guildID, now.Add(-daysDuration(limit.Days)))
			if err != nil {
				return Decision{}, err
			}
			usedByDays[limit.Days] = used
		}
		usages = append(usages, LimitUsage{Limit: limit, Used: used})
	}

	best, _ := SelectLimit(usages)
	return Decision{
		Allowed:   best.Used < int64(best.Limit.Count),
		Limit:     best.Limit,
		Used:      best.Used,
		Remaining: best.Remaining(),
	}, nil
}
