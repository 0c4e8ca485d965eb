// Package bot connects the invite services to the Discord gateway.
//
// Member arrivals are reconciled on the worker pool so the gateway read loop
// never blocks on platform or database calls. Slash commands are answered
// inline since Discord expects a reply within three seconds.
package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/Gopher0727/InviteTracker/config"
	"github.com/Gopher0727/InviteTracker/internal/repositories"
	"github.com/Gopher0727/InviteTracker/internal/services"
	"github.com/Gopher0727/InviteTracker/internal/utils"
	logger "github.com/Gopher0727/InviteTracker/middleware/log"
	"github.com/Gopher0727/InviteTracker/utils/ratelimit"
)

// Arrivals attributes a member arrival to an invite token.
type Arrivals interface {
	OnArrival(ctx context.Context, guildID, memberID string) (*services.Attribution, error)
}

// Issuer creates invite tokens on behalf of a member.
type Issuer interface {
	IssueForMember(ctx context.Context, req services.IssueRequest) (*services.IssueResult, error)
}

// Queries answers leaderboard and inviter lookups.
type Queries interface {
	Leaderboard(ctx context.Context, guildID string, days, limit int) ([]repositories.LeaderboardEntry, error)
	HistoryFor(ctx context.Context, guildID, memberID string) (*services.History, error)
}

// Deps groups everything the bot needs besides the session.
type Deps struct {
	Config   *config.Config
	Arrivals Arrivals
	Issuer   Issuer
	Queries  Queries
	Pool     *utils.WorkerPool
	Limiter  ratelimit.Limiter
	Log      *logger.Logger
}

type Bot struct {
	session  *discordgo.Session
	cfg      *config.Config
	arrivals Arrivals
	issuer   Issuer
	queries  Queries
	pool     *utils.WorkerPool
	limiter  ratelimit.Limiter
	rule     ratelimit.Rule
	log      *logger.Logger
}

// arrivalTimeout bounds one reconciliation, retries of the revoke included.
const arrivalTimeout = 30 * time.Second

// New wires the bot. The session may be nil in tests that only exercise
// the event handlers.
func New(session *discordgo.Session, d Deps) *Bot {
	return &Bot{
		session:  session,
		cfg:      d.Config,
		arrivals: d.Arrivals,
		issuer:   d.Issuer,
		queries:  d.Queries,
		pool:     d.Pool,
		limiter:  d.Limiter,
		rule:     ratelimit.RuleFor(ratelimit.ScopeCommand, &d.Config.RateLimit),
		log:      d.Log.WithFields(zap.String("component", "bot")),
	}
}

// NewSession creates a gateway session with the intents the bot relies on.
// GuildMembers is privileged and must be enabled for the application.
func NewSession(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers
	return s, nil
}

// Open registers the event handlers, connects to the gateway and installs
// the slash commands in every configured guild.
func (b *Bot) Open() error {
	b.session.AddHandler(func(_ *discordgo.Session, m *discordgo.GuildMemberAdd) {
		b.onMemberAdd(m)
	})
	b.session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		b.onInteraction(s, i)
	})
	b.session.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		b.log.Info("gateway ready", zap.String("user", r.User.Username), zap.Int("guilds", len(r.Guilds)))
	})

	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open gateway: %w", err)
	}
	return b.registerCommands()
}

func (b *Bot) registerCommands() error {
	appID := b.cfg.Bot.ApplicationID
	if appID == "" {
		appID = b.session.State.User.ID
	}

	var errs []error
	for _, guild := range b.cfg.Guilds.Allowed {
		if _, err := b.session.ApplicationCommandBulkOverwrite(appID, guild.ID, Commands()); err != nil {
			errs = append(errs, fmt.Errorf("register commands in guild %s: %w", guild.ID, err))
			continue
		}
		b.log.Info("slash commands registered", zap.String("guild_id", guild.ID))
	}
	return errors.Join(errs...)
}

// Close stops receiving events. Arrivals already queued on the pool keep
// running until the pool drains.
func (b *Bot) Close() error {
	if b.session == nil {
		return nil
	}
	return b.session.Close()
}

// onMemberAdd queues reconciliation of a new member with a fresh trace id.
func (b *Bot) onMemberAdd(m *discordgo.GuildMemberAdd) {
	if m.Member == nil || m.User == nil {
		return
	}
	if _, ok := b.cfg.Guild(m.GuildID); !ok {
		return
	}
	if m.User.Bot {
		return
	}

	guildID, memberID := m.GuildID, m.User.ID
	traceID := logger.NewTraceID()
	job := func() {
		ctx, cancel := context.WithTimeout(logger.WithTraceID(context.Background(), traceID), arrivalTimeout)
		defer cancel()
		if _, err := b.arrivals.OnArrival(ctx, guildID, memberID); err != nil {
			b.log.WarnContext(ctx, "arrival reconciliation failed",
				zap.String("guild_id", guildID),
				zap.String("member_id", memberID),
				zap.Error(err),
			)
		}
	}

	if err := b.pool.TrySubmit(job); err != nil {
		b.log.Error("arrival dropped",
			zap.String("trace_id", traceID),
			zap.String("guild_id", guildID),
			zap.String("member_id", memberID),
			zap.Error(err),
		)
	}
}

func (b *Bot) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}

	ctx := logger.WithTraceID(context.Background(), logger.NewTraceID())
	data := b.runCommand(ctx, requestFrom(i.Interaction))
	if data == nil {
		return
	}
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	}, discordgo.WithContext(ctx))
	if err != nil {
		b.log.WarnContext(ctx, "interaction response failed",
			zap.String("command", i.ApplicationCommandData().Name),
			zap.Error(err),
		)
	}
}
