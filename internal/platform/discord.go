package platform

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Discord implements Platform over a discordgo REST session.
type Discord struct {
	session *discordgo.Session
}

func NewDiscord(session *discordgo.Session) *Discord {
	return &Discord{session: session}
}

// CreateInvite creates a unique, non-temporary invite on channelID.
func (d *Discord) CreateInvite(ctx context.Context, channelID string, maxAge time.Duration, maxUses int) (string, error) {
	inv, err := d.session.ChannelInviteCreate(channelID, discordgo.Invite{
		MaxAge:    int(maxAge / time.Second),
		MaxUses:   maxUses,
		Temporary: false,
		Unique:    true,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("create invite on channel %s: %w", channelID, err)
	}
	return inv.Code, nil
}

func (d *Discord) ListInvites(ctx context.Context, channelID string) ([]Invite, error) {
	invites, err := d.session.ChannelInvites(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("list invites of channel %s: %w", channelID, err)
	}
	out := make([]Invite, 0, len(invites))
	for _, inv := range invites {
		out = append(out, Invite{
			Code:      inv.Code,
			MaxUses:   inv.MaxUses,
			Uses:      inv.Uses,
			MaxAge:    time.Duration(inv.MaxAge) * time.Second,
			CreatedAt: inv.CreatedAt,
		})
	}
	return out, nil
}

func (d *Discord) DeleteInvite(ctx context.Context, code string) error {
	_, err := d.session.InviteDelete(code, discordgo.WithContext(ctx))
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil && restErr.Response.StatusCode == http.StatusNotFound {
		return ErrUnknownInvite
	}
	return fmt.Errorf("delete invite %s: %w", code, err)
}
