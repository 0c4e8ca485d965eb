package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/Gopher0727/InviteTracker/internal/repositories"
	"github.com/Gopher0727/InviteTracker/internal/services"
)

const (
	colorSuccess = 0x57F287
	colorInfo    = 0x5865F2
	colorPing    = 0x4CACEE
)

const (
	msgGuildOnly     = "This command only works inside a server."
	msgGuildDisabled = "Invites are not enabled in this server."
	msgNoRole        = "You don't have a role that can create invites."
	msgTooNew        = "You joined this server too recently to create invites."
	msgSlowDown      = "You're using commands too quickly. Try again in a minute."
	msgMissingUser   = "Pick a member to look up."
	msgInternal      = "Something went wrong. Please try again later."
)

func ephemeral(content string) *discordgo.InteractionResponseData {
	return &discordgo.InteractionResponseData{
		Content: content,
		Flags:   discordgo.MessageFlagsEphemeral,
	}
}

func mention(userID string) string {
	return "<@" + userID + ">"
}

func plural(n int64, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

func deniedMessage(d *services.DeniedError) string {
	return fmt.Sprintf("You've reached your invite limit: %d of %d used in the last %d days.",
		d.Used, d.Limit.Count, d.Limit.Days)
}

func noInviterMessage(memberID string) string {
	return "No recorded inviter for " + mention(memberID) + "."
}

func issueEmbed(res *services.IssueResult) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Your invite link",
		Description: res.URL,
		Color:       colorSuccess,
		Fields: []*discordgo.MessageEmbedField{
			{
				Name:   "Remaining",
				Value:  fmt.Sprintf("%d of %d", res.Decision.Remaining, res.Decision.Limit.Count),
				Inline: true,
			},
			{
				Name:   "Window",
				Value:  plural(int64(res.Decision.Limit.Days), "day"),
				Inline: true,
			},
		},
		Footer:    &discordgo.MessageEmbedFooter{Text: "Works for one person. Only used links count toward your limit."},
		Timestamp: res.CreatedAt.Format(time.RFC3339),
	}
}

// pingEmbed reports the gateway heartbeat latency when one has been measured.
func pingEmbed(latency time.Duration) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title:       "Pong!",
		Description: "The bot is online.",
		Color:       colorPing,
	}
	if latency > 0 {
		embed.Description += fmt.Sprintf(" Gateway latency: %dms.", latency.Milliseconds())
	}
	return embed
}

func inviterEmbed(memberID string, h *services.History) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "Inviter",
		Description: mention(memberID) + " was invited by " + mention(h.CreatorID),
		Color:       colorInfo,
		Timestamp:   h.UsedAt.Format(time.RFC3339),
	}
}

func leaderboardEmbed(entries []repositories.LeaderboardEntry, days int) *discordgo.MessageEmbed {
	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("Top inviters (last %s)", plural(int64(days), "day")),
		Color: colorInfo,
	}
	if len(entries) == 0 {
		embed.Description = "No invites were used in this period."
		return embed
	}

	var sb strings.Builder
	for i, e := range entries {
		fmt.Fprintf(&sb, "**%d.** %s: %s\n", i+1, mention(e.CreatorID), plural(e.InviteCount, "invite"))
	}
	embed.Description = strings.TrimSuffix(sb.String(), "\n")
	return embed
}
