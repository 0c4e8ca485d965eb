// Package platform wraps the chat platform's invite API.
//
// Services only see the Platform interface; Discord is the production
// implementation and Memory backs tests and local runs without a bot token.
package platform

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownInvite is returned when deleting a code the platform no longer knows.
var ErrUnknownInvite = errors.New("unknown invite")

// Invite is one active invite code as reported by the platform.
type Invite struct {
	Code      string
	MaxUses   int
	Uses      int
	MaxAge    time.Duration // zero means the invite never expires
	CreatedAt time.Time
}

// Platform is the subset of the platform API the attribution engine needs.
// Listings are eventually consistent and may lag behind creates and deletes.
type Platform interface {
	CreateInvite(ctx context.Context, channelID string, maxAge time.Duration, maxUses int) (string, error)
	ListInvites(ctx context.Context, channelID string) ([]Invite, error)
	DeleteInvite(ctx context.Context, code string) error
}
