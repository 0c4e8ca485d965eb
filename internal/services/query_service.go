package services

import (
	"context"
	"errors"
	"time"

	"github.com/Gopher0727/InviteTracker/internal/repositories"
)

const (
	DefaultLeaderboardDays  = 30
	DefaultLeaderboardLimit = 5
	MaxLeaderboardLimit     = 25
)

// History 成员的邀请来源
type History struct {
	CreatorID    string    `json:"creator_id"`
	UsedAt       time.Time `json:"used_at"`
	ExternalCode string    `json:"external_code,omitempty"`
}

// QueryService 只读的统计查询
type QueryService struct {
	store repositories.InviteStore
	now   Clock
}

func NewQueryService(store repositories.InviteStore, now Clock) *QueryService {
	if now == nil {
		now = SystemClock
	}
	return &QueryService{store: store, now: now}
}

// Leaderboard 最近 days 天内邀请成功次数排行
// days、limit 不合法时使用默认值
// limit 超过 MaxLeaderboardLimit 时截断，HTTP 接口在进入这里之前就会拒绝
func (s *QueryService) Leaderboard(ctx context.Context, guildID string, days, limit int) ([]repositories.LeaderboardEntry, error) {
	if days <= 0 {
		days = DefaultLeaderboardDays
	}
	if limit <= 0 {
		limit = DefaultLeaderboardLimit
	}
	limit = min(limit, MaxLeaderboardLimit)
	return s.store.Leaderboard(ctx, guildID, s.now().Add(-daysDuration(days)), limit)
}

// HistoryFor 查询成员最近一次是被谁邀请的
func (s *QueryService) HistoryFor(ctx context.Context, guildID, memberID string) (*History, error) {
	token, err := s.store.LatestRedemption(ctx, guildID, memberID)
	if errors.Is(err, repositories.ErrNotFound) {
		return nil, ErrNoAttribution
	}
	if err != nil {
		return nil, err
	}
	return &History{
		CreatorID:    token.CreatorID,
		UsedAt:       *token.UsedAt,
		ExternalCode: token.Code(),
	}, nil
}

// Usage 成员在窗口内已被使用的邀请数
func (s *QueryService) Usage(ctx context.Context, creatorID, guildID string, days int) (int64, error) {
	return s.store.CountRedeemed(ctx, creatorID, guildID, s.now().Add(-daysDuration(days)))
}
