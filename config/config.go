package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server" json:"server"`
	Bot        BotConfig        `mapstructure:"bot" json:"bot"`
	Database   DatabaseConfig   `mapstructure:"database" json:"database"`
	Redis      RedisConfig      `mapstructure:"redis" json:"redis"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit" json:"ratelimit"`
	WorkerPool WorkerPoolConfig `mapstructure:"worker_pool" json:"worker_pool"`
	Kafka      KafkaConfig      `mapstructure:"kafka" json:"kafka"`
	JWT        JWTConfig        `mapstructure:"jwt" json:"-"`
	Logging    LoggingConfig    `mapstructure:"logging" json:"logging"`
	Guilds     GuildsConfig     `mapstructure:"guilds" json:"guilds"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port" json:"port"`
	Mode            string        `mapstructure:"mode" json:"mode"`
	ExternalURL     string        `mapstructure:"external_url" json:"external_url"`       // 跳转链接的对外地址
	InviteBaseURL   string        `mapstructure:"invite_base_url" json:"invite_base_url"` // 平台邀请链接前缀
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout"`
}

type BotConfig struct {
	Token               string        `mapstructure:"token" json:"token"`
	ApplicationID       string        `mapstructure:"application_id" json:"application_id"`
	DefaultInviteMaxAge int           `mapstructure:"default_invite_max_age" json:"default_invite_max_age"` // 秒
	DefaultMinMemberAge int           `mapstructure:"default_min_member_age" json:"default_min_member_age"` // 秒
	PlatformTimeout     time.Duration `mapstructure:"platform_timeout" json:"platform_timeout"`
}

type DatabaseConfig struct {
	Driver   string         `mapstructure:"driver" json:"driver"` // sqlite | postgres
	Path     string         `mapstructure:"path" json:"path"`
	Postgres PostgresConfig `mapstructure:"postgres" json:"postgres"`
}

type PostgresConfig struct {
	Host         string `mapstructure:"host" json:"host"`
	Port         string `mapstructure:"port" json:"port"`
	User         string `mapstructure:"user" json:"user"`
	Password     string `mapstructure:"password" json:"-"`
	DBName       string `mapstructure:"dbname" json:"dbname"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" json:"max_idle_conns"`
	MaxOpenConns int    `mapstructure:"max_open_conns" json:"max_open_conns"`
}

type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled" json:"enabled"`
	Host         string `mapstructure:"host" json:"host"`
	Port         string `mapstructure:"port" json:"port"`
	Password     string `mapstructure:"password" json:"-"`
	DB           int    `mapstructure:"db" json:"db"`
	PoolSize     int    `mapstructure:"pool_size" json:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns" json:"min_idle_conns"`
}

type RateLimitConfig struct {
	RedirectPerMinute int  `mapstructure:"redirect_per_minute" json:"redirect_per_minute"`
	CommandPerMinute  int  `mapstructure:"command_per_minute" json:"command_per_minute"`
	FailOpen          bool `mapstructure:"fail_open" json:"fail_open"`
}

type WorkerPoolConfig struct {
	Size      int `mapstructure:"size" json:"size"`
	QueueSize int `mapstructure:"queue_size" json:"queue_size"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled" json:"enabled"`
	Brokers []string `mapstructure:"brokers" json:"brokers"`
	Topic   string   `mapstructure:"topic" json:"topic"`
}

type JWTConfig struct {
	Secret       string `mapstructure:"secret"`
	ExpireHours  int    `mapstructure:"expire_hours"`
	RefreshHours int    `mapstructure:"refresh_hours"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" json:"level"`
	Format     string `mapstructure:"format" json:"format"`
	Output     string `mapstructure:"output" json:"output"`
	FilePath   string `mapstructure:"file_path" json:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days"`
}

type GuildsConfig struct {
	Allowed []GuildConfig `mapstructure:"allowed" json:"allowed"`
}

// GuildConfig 单个允许使用邀请功能的服务器
type GuildConfig struct {
	ID            string        `mapstructure:"id" json:"id"`
	Name          string        `mapstructure:"name" json:"name"`
	InviteChannel string        `mapstructure:"invite_channel" json:"invite_channel"`
	MaxAge        *int          `mapstructure:"max_age" json:"max_age,omitempty"`               // 秒，覆盖 bot.default_invite_max_age
	MinMemberAge  *int          `mapstructure:"min_member_age" json:"min_member_age,omitempty"` // 秒，覆盖 bot.default_min_member_age
	Locale        string        `mapstructure:"locale" json:"locale,omitempty"`
	AllowedRoles  []AllowedRole `mapstructure:"allowed_roles" json:"allowed_roles"`
}

type AllowedRole struct {
	ID          string      `mapstructure:"id" json:"id"`
	InviteLimit InviteLimit `mapstructure:"invite_limit" json:"invite_limit"`
}

// InviteLimit 在 Days 天内最多 Count 个被使用的邀请
type InviteLimit struct {
	Count int `mapstructure:"count" json:"count"`
	Days  int `mapstructure:"days" json:"days"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.invite_base_url", "https://discord.gg/")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("bot.default_invite_max_age", 300)
	v.SetDefault("bot.default_min_member_age", 0)
	v.SetDefault("bot.platform_timeout", 5*time.Second)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "invites.db")
	v.SetDefault("database.postgres.max_idle_conns", 10)
	v.SetDefault("database.postgres.max_open_conns", 50)
	v.SetDefault("ratelimit.redirect_per_minute", 30)
	v.SetDefault("ratelimit.command_per_minute", 5)
	v.SetDefault("ratelimit.fail_open", true)
	v.SetDefault("worker_pool.size", 8)
	v.SetDefault("worker_pool.queue_size", 1024)
	v.SetDefault("kafka.topic", "invite.redeemed")
	v.SetDefault("jwt.expire_hours", 24)
	v.SetDefault("jwt.refresh_hours", 168)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// LoadConfig 读取配置文件，环境变量 INVITEBOT_<SECTION>_<KEY> 可覆盖文件中的值
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("INVITEBOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate 检查启动所必需的配置项
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			errs = append(errs, errors.New("database.path is required for sqlite"))
		}
	case "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported database.driver %q", c.Database.Driver))
	}
	if c.Server.ExternalURL == "" {
		errs = append(errs, errors.New("server.external_url is required"))
	}
	if c.Bot.DefaultInviteMaxAge < 0 {
		errs = append(errs, errors.New("bot.default_invite_max_age must not be negative"))
	}
	seen := make(map[string]bool)
	for _, g := range c.Guilds.Allowed {
		if g.ID == "" || g.InviteChannel == "" {
			errs = append(errs, fmt.Errorf("guild %q: id and invite_channel are required", g.Name))
			continue
		}
		if seen[g.ID] {
			errs = append(errs, fmt.Errorf("guild %s configured twice", g.ID))
		}
		seen[g.ID] = true
		for _, r := range g.AllowedRoles {
			if r.InviteLimit.Count < 0 || r.InviteLimit.Days <= 0 {
				errs = append(errs, fmt.Errorf("guild %s role %s: invalid invite_limit %+v", g.ID, r.ID, r.InviteLimit))
			}
		}
	}
	return errors.Join(errs...)
}

// Guild 查找允许列表中的服务器配置
func (c *Config) Guild(id string) (GuildConfig, bool) {
	return c.Guilds.Guild(id)
}

func (g GuildsConfig) Guild(id string) (GuildConfig, bool) {
	for _, guild := range g.Allowed {
		if guild.ID == id {
			return guild, true
		}
	}
	return GuildConfig{}, false
}

// Redacted 返回隐藏了凭据的配置副本
func (c *Config) Redacted() Config {
	out := *c
	if out.Bot.Token != "" {
		out.Bot.Token = "********"
	}
	return out
}

// RoleLimitsFor 返回成员所持有角色对应的全部邀请限额，按配置顺序
func (g GuildConfig) RoleLimitsFor(roleIDs []string) []AllowedRole {
	var out []AllowedRole
	for _, r := range g.AllowedRoles {
		if slices.Contains(roleIDs, r.ID) {
			out = append(out, r)
		}
	}
	return out
}

func (g GuildConfig) InviteMaxAge(defaultSeconds int) time.Duration {
	if g.MaxAge != nil {
		return time.Duration(*g.MaxAge) * time.Second
	}
	return time.Duration(defaultSeconds) * time.Second
}

// MinMemberAgeOr 服务器未覆盖时使用 defaultSeconds
func (g GuildConfig) MinMemberAgeOr(defaultSeconds int) time.Duration {
	if g.MinMemberAge != nil {
		return time.Duration(*g.MinMemberAge) * time.Second
	}
	return time.Duration(defaultSeconds) * time.Second
}
