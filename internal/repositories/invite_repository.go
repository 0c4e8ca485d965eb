package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/Gopher0727/InviteTracker/internal/models"
)

var (
	// ErrNotFound 令牌不存在或已被使用
	ErrNotFound = errors.New("invite token not found")
	// ErrStorage 底层存储读写失败
	ErrStorage = errors.New("storage error")
)

// LeaderboardEntry 排行榜中的一行
type LeaderboardEntry struct {
	CreatorID   string `json:"creator_id"`
	InviteCount int64  `json:"invite_count"`
}

// InviteStore 邀请令牌的持久化接口
// MarkUsed 与 SetExternalCode 都是单条条件更新语句，并发调用时只有一个能成功
type InviteStore interface {
	Create(ctx context.Context, token *models.InviteToken) error
	Get(ctx context.Context, id string) (*models.InviteToken, error)
	GetUnused(ctx context.Context, id string) (*models.InviteToken, error)
	SetExternalCode(ctx context.Context, id, code string) (bool, error)
	MarkUsed(ctx context.Context, id, memberID string, at time.Time) (bool, error)
	FindByExternalCode(ctx context.Context, guildID, code string) (string, error)
	CountRedeemed(ctx context.Context, creatorID, guildID string, since time.Time) (int64, error)
	Leaderboard(ctx context.Context, guildID string, since time.Time, limit int) ([]LeaderboardEntry, error)
	LatestRedemption(ctx context.Context, guildID, memberID string) (*models.InviteToken, error)
}

type InviteRepository struct {
	db *gorm.DB
}

func NewInviteRepository(db *gorm.DB) *InviteRepository {
	return &InviteRepository{db: db}
}

var _ InviteStore = (*InviteRepository)(nil)

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Create 插入一条 Pending 状态的令牌
// 实现逻辑：直接 INSERT，主键冲突等错误原样上抛，不在本层重试
func (r *InviteRepository) Create(ctx context.Context, token *models.InviteToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		return storageErr("create invite", err)
	}
	return nil
}

// Get 按主键查询令牌，不论状态
func (r *InviteRepository) Get(ctx context.Context, id string) (*models.InviteToken, error) {
	var token models.InviteToken
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get invite", err)
	}
	return &token, nil
}

// GetUnused 查询尚未被使用的令牌
// 实现逻辑：WHERE id = ? AND used_at IS NULL，已生成的邀请码一并返回，保证重复访问幂等
func (r *InviteRepository) GetUnused(ctx context.Context, id string) (*models.InviteToken, error) {
	var token models.InviteToken
	err := r.db.WithContext(ctx).
		Where("id = ? AND used_at IS NULL", id).
		Take(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get unused invite", err)
	}
	return &token, nil
}

// SetExternalCode 记录平台邀请码，仅第一次写入生效
// 实现逻辑：条件 UPDATE，external_code 与 used_at 均为空时才写入，返回是否由本次调用写入
func (r *InviteRepository) SetExternalCode(ctx context.Context, id, code string) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.InviteToken{}).
		Where("id = ? AND external_code IS NULL AND used_at IS NULL", id).
		Update("external_code", code)
	if res.Error != nil {
		return false, storageErr("set external code", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// MarkUsed 标记令牌已被使用
// 实现逻辑：单条 UPDATE ... WHERE used_at IS NULL，影响行数为 1 表示本次调用赢得归属
func (r *InviteRepository) MarkUsed(ctx context.Context, id, memberID string, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.InviteToken{}).
		Where("id = ? AND used_at IS NULL", id).
		Updates(map[string]any{"used_at": at.UTC(), "used_by": memberID})
	if res.Error != nil {
		return false, storageErr("mark invite used", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// FindByExternalCode 根据平台邀请码反查未使用的令牌
func (r *InviteRepository) FindByExternalCode(ctx context.Context, guildID, code string) (string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.InviteToken{}).
		Where("guild_id = ? AND external_code = ? AND used_at IS NULL", guildID, code).
		Limit(1).
		Pluck("id", &ids).Error
	if err != nil {
		return "", storageErr("find invite by code", err)
	}
	if len(ids) == 0 {
		return "", ErrNotFound
	}
	return ids[0], nil
}

// CountRedeemed 统计创建者在时间窗口内已被使用的令牌数
// 实现逻辑：命中 (guild_id, creator_id, created_at) 联合索引，未使用的令牌不计入
func (r *InviteRepository) CountRedeemed(ctx context.Context, creatorID, guildID string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.InviteToken{}).
		Where("guild_id = ? AND creator_id = ? AND created_at > ? AND used_at IS NOT NULL", guildID, creatorID, since.UTC()).
		Count(&count).Error
	if err != nil {
		return 0, storageErr("count redeemed invites", err)
	}
	return count, nil
}

// Leaderboard 按已使用令牌数降序排列，数量相同时按 creator_id 升序
func (r *InviteRepository) Leaderboard(ctx context.Context, guildID string, since time.Time, limit int) ([]LeaderboardEntry, error) {
	var entries []LeaderboardEntry
	err := r.db.WithContext(ctx).
		Model(&models.InviteToken{}).
		Select("creator_id, COUNT(*) AS invite_count").
		Where("guild_id = ? AND created_at > ? AND used_at IS NOT NULL", guildID, since.UTC()).
		Group("creator_id").
		Order("invite_count DESC, creator_id ASC").
		Limit(limit).
		Scan(&entries).Error
	if err != nil {
		return nil, storageErr("leaderboard", err)
	}
	return entries, nil
}

// LatestRedemption 查询成员最近一次通过邀请加入的记录
// guildID 为空时不限定服务器
func (r *InviteRepository) LatestRedemption(ctx context.Context, guildID, memberID string) (*models.InviteToken, error) {
	q := r.db.WithContext(ctx).Where("used_by = ? AND used_at IS NOT NULL", memberID)
	if guildID != "" {
		q = q.Where("guild_id = ?", guildID)
	}

	var token models.InviteToken
	err := q.Order("used_at DESC").Take(&token).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("latest redemption", err)
	}
	return &token, nil
}
