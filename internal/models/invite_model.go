package models

import (
	"errors"
	"time"
)

// ErrIllegalTransition 非法的令牌状态迁移
var ErrIllegalTransition = errors.New("illegal invite token state transition")

// TokenState 令牌生命周期状态，由可空字段推导而来，不单独存储
type TokenState int

const (
	StatePending      TokenState = iota // 尚未生成平台邀请码
	StateMaterialized                   // 已生成邀请码，尚未被使用
	StateRedeemed                       // 已被新成员使用，终态
)

func (s TokenState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateMaterialized:
		return "materialized"
	case StateRedeemed:
		return "redeemed"
	default:
		return "unknown"
	}
}

// CanTransition 状态只能前进，Redeemed 之后不再变化
func CanTransition(from, to TokenState) bool {
	switch from {
	case StatePending:
		return to == StateMaterialized || to == StateRedeemed
	case StateMaterialized:
		return to == StateRedeemed
	default:
		return false
	}
}

// InviteToken 邀请令牌模型
type InviteToken struct {
	ID           string     `gorm:"primaryKey;size:36" json:"id"`
	GuildID      string     `gorm:"not null;size:32;index:idx_invites_rate,priority:1" json:"guild_id"`
	CreatorID    string     `gorm:"not null;size:32;index:idx_invites_rate,priority:2" json:"creator_id"`
	CreatedAt    time.Time  `gorm:"not null;index:idx_invites_rate,priority:3" json:"created_at"`
	ExternalCode *string    `gorm:"size:32;index" json:"external_code,omitempty"`
	UsedAt       *time.Time `json:"used_at,omitempty"`
	UsedBy       *string    `gorm:"size:32;index" json:"used_by,omitempty"`
}

func (InviteToken) TableName() string {
	return "invites"
}

// State 根据 external_code / used_at 推导当前状态
func (t *InviteToken) State() TokenState {
	switch {
	case t.UsedAt != nil:
		return StateRedeemed
	case t.ExternalCode != nil:
		return StateMaterialized
	default:
		return StatePending
	}
}

// Code 返回已生成的邀请码，未生成时为空串
func (t *InviteToken) Code() string {
	if t.ExternalCode == nil {
		return ""
	}
	return *t.ExternalCode
}

// Materialize 在内存中记录邀请码，持久化由仓储层的条件更新完成
func (t *InviteToken) Materialize(code string) error {
	if !CanTransition(t.State(), StateMaterialized) {
		return ErrIllegalTransition
	}
	t.ExternalCode = &code
	return nil
}

// Redeem 在内存中记录使用者与使用时间
func (t *InviteToken) Redeem(memberID string, at time.Time) error {
	if !CanTransition(t.State(), StateRedeemed) {
		return ErrIllegalTransition
	}
	t.UsedAt = &at
	t.UsedBy = &memberID
	return nil
}
