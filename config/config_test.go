package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
server:
  port: 9000
  external_url: "http://localhost:9000"
bot:
  token: "test_token"
  default_invite_max_age: 300
database:
  driver: sqlite
  path: "test.db"
guilds:
  allowed:
    - id: "123"
      name: "Test Guild"
      invite_channel: "456"
      max_age: 7200
      locale: "zh-TW"
      allowed_roles:
        - id: "789"
          invite_limit: { count: 5, days: 7 }
        - id: "790"
          invite_limit: { count: 1, days: 30 }
    - id: "321"
      name: "Other Guild"
      invite_channel: "654"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "test_token", cfg.Bot.Token)
	assert.Equal(t, 300, cfg.Bot.DefaultInviteMaxAge)
	assert.Len(t, cfg.Guilds.Allowed, 2)

	t.Run("defaults are applied", func(t *testing.T) {
		assert.Equal(t, "https://discord.gg/", cfg.Server.InviteBaseURL)
		assert.Equal(t, 5*time.Second, cfg.Bot.PlatformTimeout)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, 8, cfg.WorkerPool.Size)
		assert.Equal(t, "invite.redeemed", cfg.Kafka.Topic)
	})
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("INVITEBOT_BOT_TOKEN", "from-env")

	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Bot.Token)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Run("rejects unknown driver", func(t *testing.T) {
		cfg := &Config{
			Server:   ServerConfig{ExternalURL: "http://x"},
			Database: DatabaseConfig{Driver: "mysql"},
		}
		assert.ErrorContains(t, cfg.Validate(), "unsupported database.driver")
	})

	t.Run("rejects duplicate guilds and bad limits", func(t *testing.T) {
		cfg := &Config{
			Server:   ServerConfig{ExternalURL: "http://x"},
			Database: DatabaseConfig{Driver: "sqlite", Path: "x.db"},
			Guilds: GuildsConfig{Allowed: []GuildConfig{
				{ID: "1", InviteChannel: "2"},
				{ID: "1", InviteChannel: "3", AllowedRoles: []AllowedRole{{ID: "r", InviteLimit: InviteLimit{Count: 1, Days: 0}}}},
			}},
		}
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "configured twice")
		assert.Contains(t, err.Error(), "invalid invite_limit")
	})

	t.Run("requires external url", func(t *testing.T) {
		cfg := &Config{Database: DatabaseConfig{Driver: "postgres"}}
		assert.ErrorContains(t, cfg.Validate(), "server.external_url")
	})
}

func TestGuildLookup(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	guild, ok := cfg.Guild("123")
	require.True(t, ok)
	assert.Equal(t, "456", guild.InviteChannel)
	assert.Equal(t, "zh-TW", guild.Locale)

	_, ok = cfg.Guild("unknown")
	assert.False(t, ok)
}

func TestGuildConfig_RoleLimitsFor(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	guild, _ := cfg.Guild("123")

	limits := guild.RoleLimitsFor([]string{"790", "111", "789"})
	require.Len(t, limits, 2)
	assert.Equal(t, "789", limits[0].ID)
	assert.Equal(t, InviteLimit{Count: 5, Days: 7}, limits[0].InviteLimit)
	assert.Equal(t, "790", limits[1].ID)

	assert.Empty(t, guild.RoleLimitsFor([]string{"111"}))
	assert.Empty(t, guild.RoleLimitsFor(nil))
}

func TestGuildConfig_Overrides(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	custom, _ := cfg.Guild("123")
	assert.Equal(t, 2*time.Hour, custom.InviteMaxAge(cfg.Bot.DefaultInviteMaxAge))

	plain, _ := cfg.Guild("321")
	assert.Equal(t, 5*time.Minute, plain.InviteMaxAge(cfg.Bot.DefaultInviteMaxAge))
	assert.Equal(t, 72*time.Hour, plain.MinMemberAgeOr(3*24*3600))

	minAge := 60
	plain.MinMemberAge = &minAge
	assert.Equal(t, time.Minute, plain.MinMemberAgeOr(3*24*3600))
}

func TestRedacted(t *testing.T) {
	cfg := &Config{Bot: BotConfig{Token: "secret"}}
	assert.Equal(t, "********", cfg.Redacted().Bot.Token)
	assert.Equal(t, "secret", cfg.Bot.Token)
}
