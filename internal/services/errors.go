package services

import (
	"errors"
	"fmt"

	"github.com/Gopher0727/InviteTracker/internal/repositories"
)

var (
	// ErrStorage 存储层错误，原样向调用方传播
	ErrStorage = repositories.ErrStorage

	ErrTokenNotFound       = errors.New("invite token not found or already used")
	ErrExternalUnavailable = errors.New("invite platform unavailable, retry later")
	ErrGuildNotConfigured  = errors.New("guild is not allowed to use invites")
	ErrNoEligibleRole      = errors.New("member holds no role that may create invites")
	ErrMemberTooNew        = errors.New("member joined too recently to create invites")
	ErrNoAttribution       = errors.New("member has no recorded inviter")
)

// DeniedError 限流拒绝，属于预期结果而非故障
type DeniedError struct {
	Limit     RoleLimit
	Used      int64
	Remaining int64
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("invite limit reached: %d of %d used in the last %d days", e.Used, e.Limit.Count, e.Limit.Days)
}

// IsDenied 判断错误是否为限流拒绝
func IsDenied(err error) (*DeniedError, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied, true
	}
	return nil, false
}
