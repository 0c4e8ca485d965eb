package bot

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/Gopher0727/InviteTracker/internal/services"
	"github.com/Gopher0727/InviteTracker/utils/ratelimit"
)

const (
	CommandInvites     = "invites"
	CommandInviter     = "inviter"
	CommandLeaderboard = "invites_leaderboard"
	CommandPing        = "ping"

	optionUser = "user"
	optionDays = "days"
)

// Commands returns the slash commands installed in each configured guild.
func Commands() []*discordgo.ApplicationCommand {
	minDays := 1.0
	return []*discordgo.ApplicationCommand{
		{
			Name:        CommandInvites,
			Description: "Create a single-use invite link",
		},
		{
			Name:        CommandInviter,
			Description: "Show who invited a member",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionUser,
				Name:        optionUser,
				Description: "Member to look up",
				Required:    true,
			}},
		},
		{
			Name:        CommandLeaderboard,
			Description: "Members whose invites were used the most",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        optionDays,
				Description: "Look back this many days (default 30)",
				MinValue:    &minDays,
				MaxValue:    365,
			}},
		},
		{
			Name:        CommandPing,
			Description: "Check if the bot is alive",
		},
	}
}

// commandRequest is the part of an interaction the command handlers read.
type commandRequest struct {
	Name    string
	GuildID string
	Member  *discordgo.Member
	Options map[string]*discordgo.ApplicationCommandInteractionDataOption
}

func requestFrom(i *discordgo.Interaction) commandRequest {
	data := i.ApplicationCommandData()
	opts := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(data.Options))
	for _, o := range data.Options {
		opts[o.Name] = o
	}
	return commandRequest{Name: data.Name, GuildID: i.GuildID, Member: i.Member, Options: opts}
}

func (r commandRequest) stringOption(name string) string {
	if o, ok := r.Options[name]; ok {
		if v, ok := o.Value.(string); ok {
			return v
		}
	}
	return ""
}

func (r commandRequest) intOption(name string, def int) int {
	if o, ok := r.Options[name]; ok {
		if v, ok := o.Value.(float64); ok && v > 0 {
			return int(v)
		}
	}
	return def
}

// runCommand answers one slash command. A nil result means the command is
// not ours and no response should be sent.
func (b *Bot) runCommand(ctx context.Context, req commandRequest) *discordgo.InteractionResponseData {
	switch req.Name {
	case CommandInvites, CommandInviter, CommandLeaderboard, CommandPing:
	default:
		return nil
	}
	if req.GuildID == "" || req.Member == nil || req.Member.User == nil {
		return ephemeral(msgGuildOnly)
	}

	if ok, reply := b.allowCommand(ctx, req.Member.User.ID); !ok {
		return reply
	}

	switch req.Name {
	case CommandInvites:
		return b.issue(ctx, req)
	case CommandInviter:
		return b.inviter(ctx, req)
	case CommandPing:
		return b.ping()
	default:
		return b.leaderboard(ctx, req)
	}
}

// allowCommand applies the per-member command rate limit.
func (b *Bot) allowCommand(ctx context.Context, memberID string) (bool, *discordgo.InteractionResponseData) {
	if b.limiter == nil || b.rule.Limit <= 0 {
		return true, nil
	}
	allowed, err := b.limiter.Allow(ctx, ratelimit.Key(ratelimit.ScopeCommand, memberID), b.rule.Limit, b.rule.Window)
	if err != nil {
		b.log.ErrorContext(ctx, "command rate limiter unavailable", zap.String("member_id", memberID), zap.Error(err))
		return false, ephemeral(msgInternal)
	}
	if !allowed {
		return false, ephemeral(msgSlowDown)
	}
	return true, nil
}

func (b *Bot) issue(ctx context.Context, req commandRequest) *discordgo.InteractionResponseData {
	res, err := b.issuer.IssueForMember(ctx, services.IssueRequest{
		GuildID:   req.GuildID,
		CreatorID: req.Member.User.ID,
		RoleIDs:   req.Member.Roles,
		JoinedAt:  req.Member.JoinedAt,
	})
	if err != nil {
		return b.errorReply(ctx, CommandInvites, err)
	}
	return &discordgo.InteractionResponseData{
		Embeds: []*discordgo.MessageEmbed{issueEmbed(res)},
		Flags:  discordgo.MessageFlagsEphemeral,
	}
}

func (b *Bot) inviter(ctx context.Context, req commandRequest) *discordgo.InteractionResponseData {
	memberID := req.stringOption(optionUser)
	if memberID == "" {
		return ephemeral(msgMissingUser)
	}

	history, err := b.queries.HistoryFor(ctx, req.GuildID, memberID)
	if errors.Is(err, services.ErrNoAttribution) {
		return ephemeral(noInviterMessage(memberID))
	}
	if err != nil {
		return b.errorReply(ctx, CommandInviter, err)
	}
	return &discordgo.InteractionResponseData{
		Embeds:          []*discordgo.MessageEmbed{inviterEmbed(memberID, history)},
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
}

func (b *Bot) leaderboard(ctx context.Context, req commandRequest) *discordgo.InteractionResponseData {
	days := req.intOption(optionDays, services.DefaultLeaderboardDays)
	entries, err := b.queries.Leaderboard(ctx, req.GuildID, days, services.DefaultLeaderboardLimit)
	if err != nil {
		return b.errorReply(ctx, CommandLeaderboard, err)
	}
	return &discordgo.InteractionResponseData{
		Embeds:          []*discordgo.MessageEmbed{leaderboardEmbed(entries, days)},
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	}
}

func (b *Bot) ping() *discordgo.InteractionResponseData {
	var latency time.Duration
	if b.session != nil {
		latency = b.session.HeartbeatLatency()
	}
	return &discordgo.InteractionResponseData{
		Embeds: []*discordgo.MessageEmbed{pingEmbed(latency)},
	}
}

// errorReply turns a service error into a user-facing message.
// Only unexpected errors are logged.
func (b *Bot) errorReply(ctx context.Context, command string, err error) *discordgo.InteractionResponseData {
	if denied, ok := services.IsDenied(err); ok {
		return ephemeral(deniedMessage(denied))
	}
	switch {
	case errors.Is(err, services.ErrGuildNotConfigured):
		return ephemeral(msgGuildDisabled)
	case errors.Is(err, services.ErrNoEligibleRole):
		return ephemeral(msgNoRole)
	case errors.Is(err, services.ErrMemberTooNew):
		return ephemeral(msgTooNew)
	}
	b.log.ErrorContext(ctx, "command failed", zap.String("command", command), zap.Error(err))
	return ephemeral(msgInternal)
}
