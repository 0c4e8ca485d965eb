package services

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/InviteTracker/config"
	"github.com/Gopher0727/InviteTracker/internal/models"
	"github.com/Gopher0727/InviteTracker/internal/platform"
	"github.com/Gopher0727/InviteTracker/internal/repositories"
	"github.com/Gopher0727/InviteTracker/internal/storage"
	logger "github.com/Gopher0727/InviteTracker/middleware/log"
)

const (
	testGuild   = "g1"
	testChannel = "chan-1"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() *config.Config {
	maxAge := 3600
	return &config.Config{
		Server: config.ServerConfig{
			ExternalURL:   "https://invites.example.com/",
			InviteBaseURL: "https://discord.gg/",
		},
		Bot: config.BotConfig{
			DefaultInviteMaxAge: 300,
			DefaultMinMemberAge: 0,
			PlatformTimeout:     200 * time.Millisecond,
		},
		Guilds: config.GuildsConfig{Allowed: []config.GuildConfig{{
			ID:            testGuild,
			InviteChannel: testChannel,
			MaxAge:        &maxAge,
			AllowedRoles: []config.AllowedRole{
				{ID: "member", InviteLimit: config.InviteLimit{Count: 1, Days: 7}},
				{ID: "vip", InviteLimit: config.InviteLimit{Count: 5, Days: 30}},
			},
		}}},
	}
}

type fixture struct {
	cfg      *config.Config
	clock    *fakeClock
	repo     *repositories.InviteRepository
	platform *platform.Memory
	limiter  *RateLimiter
	issuer   *InviteService
	mat      *Materializer
	rec      *Reconciler
	query    *QueryService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.InitSQLite(filepath.Join(t.TempDir(), "invites.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })

	f := &fixture{cfg: testConfig(), clock: newFakeClock(), repo: repositories.NewInviteRepository(db)}
	f.platform = platform.NewMemory(f.clock.Now)
	f.wire(f.repo)
	return f
}

// wire 用给定的 store 重新装配所有服务，便于注入故障
func (f *fixture) wire(store repositories.InviteStore) {
	log := logger.NewNop()
	f.limiter = NewRateLimiter(store, f.clock.Now)
	f.issuer = NewInviteService(store, f.limiter, f.cfg, f.clock.Now, log)
	f.mat = NewMaterializer(store, f.platform, f.cfg, log)
	f.rec = NewReconciler(store, f.platform, nil, f.cfg, f.clock.Now, log)
	f.rec.RevokeDelay = time.Millisecond
	f.query = NewQueryService(store, f.clock.Now)
}

func (f *fixture) token(t *testing.T, id string) *models.InviteToken {
	t.Helper()
	tok, err := f.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return tok
}

// issueAndMaterialize 生成令牌并模拟一次点击，返回令牌 ID 与平台邀请码
func (f *fixture) issueAndMaterialize(t *testing.T, creator string) (string, string) {
	t.Helper()
	ctx := context.Background()
	res, err := f.issuer.IssueToken(ctx, testGuild, creator, []RoleLimit{{RoleID: "vip", Count: 100, Days: 30}})
	require.NoError(t, err)
	_, err = f.mat.Materialize(ctx, res.TokenID)
	require.NoError(t, err)
	return res.TokenID, f.token(t, res.TokenID).Code()
}

// countingStore 记录写操作次数
type countingStore struct {
	repositories.InviteStore
	mu     sync.Mutex
	writes int
}

func (s *countingStore) Create(ctx context.Context, token *models.InviteToken) error {
	s.inc()
	return s.InviteStore.Create(ctx, token)
}

func (s *countingStore) SetExternalCode(ctx context.Context, id, code string) (bool, error) {
	s.inc()
	return s.InviteStore.SetExternalCode(ctx, id, code)
}

func (s *countingStore) MarkUsed(ctx context.Context, id, memberID string, at time.Time) (bool, error) {
	s.inc()
	return s.InviteStore.MarkUsed(ctx, id, memberID, at)
}

func (s *countingStore) inc() {
	s.mu.Lock()
	s.writes++
	s.mu.Unlock()
}

func (s *countingStore) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
