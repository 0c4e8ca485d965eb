package services

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/InviteTracker/internal/models"
)

func TestInviteService_IssueToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.issuer.IssueToken(ctx, testGuild, "creator", []RoleLimit{{RoleID: "member", Count: 1, Days: 7}})
	require.NoError(t, err)
	assert.Len(t, res.TokenID, 36)
	assert.Equal(t, "https://invites.example.com/invite/"+res.TokenID, res.URL)
	assert.True(t, res.Decision.Allowed)
	assert.Equal(t, int64(1), res.Decision.Remaining)

	tok := f.token(t, res.TokenID)
	assert.Equal(t, models.StatePending, tok.State())
	assert.Equal(t, "creator", tok.CreatorID)
	assert.True(t, f.clock.Now().Equal(tok.CreatedAt))

	t.Run("unknown guild", func(t *testing.T) {
		_, err := f.issuer.IssueToken(ctx, "nope", "creator", []RoleLimit{{Count: 1, Days: 7}})
		assert.ErrorIs(t, err, ErrGuildNotConfigured)
	})

	t.Run("ids are unique", func(t *testing.T) {
		other, err := f.issuer.IssueToken(ctx, testGuild, "creator", []RoleLimit{{RoleID: "member", Count: 1, Days: 7}})
		require.NoError(t, err)
		assert.NotEqual(t, res.TokenID, other.TokenID)
	})
}

func TestInviteService_Denied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	limit := []RoleLimit{{RoleID: "member", Count: 1, Days: 7}}

	tokenID, code := f.issueAndMaterialize(t, "creator")
	require.True(t, f.platform.Join(code))
	_, err := f.rec.OnArrival(ctx, testGuild, "newcomer")
	require.NoError(t, err)
	require.Equal(t, models.StateRedeemed, f.token(t, tokenID).State())

	_, err = f.issuer.IssueToken(ctx, testGuild, "creator", limit)
	denied, ok := IsDenied(err)
	require.True(t, ok)
	assert.Equal(t, int64(1), denied.Used)
	assert.Zero(t, denied.Remaining)
	assert.Contains(t, denied.Error(), "1 of 1 used in the last 7 days")

	t.Run("window slides", func(t *testing.T) {
		f.clock.Advance(8 * 24 * time.Hour)
		_, err := f.issuer.IssueToken(ctx, testGuild, "creator", limit)
		assert.NoError(t, err)
	})
}

func TestInviteService_IssueForMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	joined := f.clock.Now().Add(-48 * time.Hour)

	t.Run("configured role", func(t *testing.T) {
		res, err := f.issuer.IssueForMember(ctx, IssueRequest{
			GuildID: testGuild, CreatorID: "c1", RoleIDs: []string{"other", "vip"}, JoinedAt: joined,
		})
		require.NoError(t, err)
		assert.Equal(t, "vip", res.Decision.Limit.RoleID)
	})

	t.Run("no configured role", func(t *testing.T) {
		_, err := f.issuer.IssueForMember(ctx, IssueRequest{GuildID: testGuild, CreatorID: "c1", RoleIDs: []string{"other"}, JoinedAt: joined})
		assert.ErrorIs(t, err, ErrNoEligibleRole)
	})

	t.Run("guild not allowed", func(t *testing.T) {
		_, err := f.issuer.IssueForMember(ctx, IssueRequest{GuildID: "g9", CreatorID: "c1", RoleIDs: []string{"vip"}})
		assert.ErrorIs(t, err, ErrGuildNotConfigured)
	})

	t.Run("member too new", func(t *testing.T) {
		minAge := 72 * 3600
		f.cfg.Guilds.Allowed[0].MinMemberAge = &minAge
		t.Cleanup(func() { f.cfg.Guilds.Allowed[0].MinMemberAge = nil })

		_, err := f.issuer.IssueForMember(ctx, IssueRequest{GuildID: testGuild, CreatorID: "c1", RoleIDs: []string{"vip"}, JoinedAt: joined})
		assert.ErrorIs(t, err, ErrMemberTooNew)

		_, err = f.issuer.IssueForMember(ctx, IssueRequest{GuildID: testGuild, CreatorID: "c1", RoleIDs: []string{"vip"}, JoinedAt: joined.Add(-48 * time.Hour)})
		assert.NoError(t, err)
	})
}

func TestURLs(t *testing.T) {
	assert.Equal(t, "https://x.example/invite/abc", RedirectURL("https://x.example/", "abc"))
	assert.Equal(t, "https://x.example/invite/abc", RedirectURL("https://x.example", "abc"))
	assert.Equal(t, "https://discord.gg/code", InviteURL("https://discord.gg/", "code"))
	assert.Equal(t, "https://discord.gg/code", InviteURL("https://discord.gg", "code"))
	assert.True(t, strings.HasSuffix(InviteURL("", "code"), "/code"))
}
