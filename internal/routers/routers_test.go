package routers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Gopher0727/InviteTracker/config"
	"github.com/Gopher0727/InviteTracker/internal/handlers"
	"github.com/Gopher0727/InviteTracker/internal/platform"
	"github.com/Gopher0727/InviteTracker/internal/repositories"
	"github.com/Gopher0727/InviteTracker/internal/services"
	"github.com/Gopher0727/InviteTracker/internal/storage"
	"github.com/Gopher0727/InviteTracker/internal/utils"
	"github.com/Gopher0727/InviteTracker/middleware/jwt"
	logger "github.com/Gopher0727/InviteTracker/middleware/log"
	"github.com/Gopher0727/InviteTracker/utils/ratelimit"
)

const inviteBase = "https://discord.gg/"

type testServer struct {
	engine   *gin.Engine
	platform *platform.Memory
	tokens   *jwt.TokenManager
	admin    string
}

func newTestServer(t *testing.T, redirectLimit int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Server: config.ServerConfig{ExternalURL: "https://invites.example.com", InviteBaseURL: inviteBase},
		Bot:    config.BotConfig{Token: "bot-secret", DefaultInviteMaxAge: 300, PlatformTimeout: 200 * time.Millisecond},
		Guilds: config.GuildsConfig{Allowed: []config.GuildConfig{{
			ID:            "g1",
			InviteChannel: "c1",
			AllowedRoles:  []config.AllowedRole{{ID: "member", InviteLimit: config.InviteLimit{Count: 1, Days: 7}}},
		}}},
	}

	db, err := storage.InitSQLite(filepath.Join(t.TempDir(), "invites.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close(db) })
	sqlDB, err := db.DB()
	require.NoError(t, err)

	log := logger.NewNop()
	store := repositories.NewInviteRepository(db)
	mem := platform.NewMemory(services.SystemClock)
	limiter := services.NewRateLimiter(store, services.SystemClock)
	issuer := services.NewInviteService(store, limiter, cfg, services.SystemClock, log)
	mat := services.NewMaterializer(store, mem, cfg, log)
	rec := services.NewReconciler(store, mem, nil, cfg, services.SystemClock, log)
	rec.RevokeDelay = time.Millisecond
	query := services.NewQueryService(store, services.SystemClock)

	pool := utils.NewWorkerPool(2, 16, log)
	pool.Start()
	t.Cleanup(pool.Stop)

	local := ratelimit.NewLocalLimiter(time.Minute)
	t.Cleanup(local.Stop)

	tokens := jwt.NewTokenManager("jwt-secret", 1, 1)
	admin, err := tokens.GenerateToken("ops", nil)
	require.NoError(t, err)

	r := gin.New()
	SetupRoutes(r, Deps{
		Redirect: handlers.NewRedirectHandler(mat, log),
		Admin:    handlers.NewAdminHandler(issuer, query, rec, tokens, cfg, log),
		Health:   handlers.NewHealthHandler(map[string]handlers.Pinger{"database": sqlDB.PingContext}),
		Tokens:   tokens,
		Limiter:  local,
		Rule:     ratelimit.Rule{Limit: redirectLimit, Window: time.Minute},
		Pool:     pool,
		Log:      log,
	})
	return &testServer{engine: r, platform: mem, tokens: tokens, admin: admin}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestInviteLifecycle(t *testing.T) {
	s := newTestServer(t, 100)
	issue := map[string]any{"creator_id": "alice", "role_ids": []string{"member"}}

	w := s.do(t, http.MethodPost, "/api/v1/guilds/g1/tokens", "", issue)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/guilds/g1/tokens", s.admin, issue)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	issued := decode[services.IssueResult](t, w)
	assert.Equal(t, "https://invites.example.com/invite/"+issued.TokenID, issued.URL)
	assert.Equal(t, int64(1), issued.Decision.Remaining)

	redirectPath := "/invite/" + issued.TokenID
	w = s.do(t, http.MethodGet, redirectPath, "", nil)
	require.Equal(t, http.StatusTemporaryRedirect, w.Code, w.Body.String())
	location := w.Header().Get("Location")
	require.True(t, strings.HasPrefix(location, inviteBase), location)
	code := strings.TrimPrefix(location, inviteBase)

	// 重复点击返回同一个邀请码
	w = s.do(t, http.MethodGet, redirectPath, "", nil)
	assert.Equal(t, location, w.Header().Get("Location"))
	assert.Equal(t, 1, s.platform.Created())

	require.True(t, s.platform.Join(code))
	w = s.do(t, http.MethodPost, "/api/v1/guilds/g1/arrivals", s.admin, map[string]string{"member_id": "bob"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	arrival := decode[handlers.ArrivalResponse](t, w)
	require.True(t, arrival.Attributed)
	assert.Equal(t, "alice", arrival.Attribution.CreatorID)
	assert.Equal(t, code, arrival.Attribution.ExternalCode)
	assert.False(t, s.platform.Exists(code))

	w = s.do(t, http.MethodGet, redirectPath, "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	t.Run("limit reached", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/guilds/g1/tokens", s.admin, issue)
		require.Equal(t, http.StatusTooManyRequests, w.Code)
		body := decode[map[string]any](t, w)
		assert.EqualValues(t, 1, body["used"])
		assert.EqualValues(t, 0, body["remaining"])
	})

	t.Run("inviter", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/guilds/g1/members/bob/inviter", s.admin, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "alice", decode[services.History](t, w).CreatorID)

		w = s.do(t, http.MethodGet, "/api/v1/guilds/g1/members/carol/inviter", s.admin, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("leaderboard and usage", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/v1/guilds/g1/leaderboard?days=7", s.admin, nil)
		require.Equal(t, http.StatusOK, w.Code)
		board := decode[handlers.LeaderboardResponse](t, w)
		assert.Equal(t, 7, board.Days)
		assert.Equal(t, services.DefaultLeaderboardLimit, board.Limit)
		assert.Equal(t, []repositories.LeaderboardEntry{{CreatorID: "alice", InviteCount: 1}}, board.Entries)

		w = s.do(t, http.MethodGet, "/api/v1/guilds/g1/leaderboard?limit=abc", s.admin, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = s.do(t, http.MethodGet, "/api/v1/guilds/g1/leaderboard?limit=25", s.admin, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 25, decode[handlers.LeaderboardResponse](t, w).Limit)

		w = s.do(t, http.MethodGet, "/api/v1/guilds/g1/leaderboard?limit=26", s.admin, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"error":"limit too large","max_limit":25}`, w.Body.String())

		w = s.do(t, http.MethodGet, "/api/v1/guilds/g1/members/alice/usage", s.admin, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, int64(1), decode[handlers.UsageResponse](t, w).Used)
	})

	t.Run("arrival without match", func(t *testing.T) {
		w := s.do(t, http.MethodPost, "/api/v1/guilds/g1/arrivals", s.admin, map[string]string{"member_id": "dave"})
		require.Equal(t, http.StatusOK, w.Code)
		assert.False(t, decode[handlers.ArrivalResponse](t, w).Attributed)
	})
}

func TestIssueToken_Errors(t *testing.T) {
	s := newTestServer(t, 100)

	w := s.do(t, http.MethodPost, "/api/v1/guilds/g1/tokens", s.admin, map[string]any{"creator_id": "alice", "role_ids": []string{"guest"}})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/guilds/g9/tokens", s.admin, map[string]any{"creator_id": "alice"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/v1/guilds/g1/tokens", s.admin, map[string]any{"role_ids": []string{"member"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGuildScope(t *testing.T) {
	s := newTestServer(t, 100)
	scoped, err := s.tokens.GenerateToken("mod", []string{"g2"})
	require.NoError(t, err)

	w := s.do(t, http.MethodGet, "/api/v1/guilds/g1/leaderboard", scoped, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRedirect_PlatformUnavailable(t *testing.T) {
	s := newTestServer(t, 100)
	w := s.do(t, http.MethodPost, "/api/v1/guilds/g1/tokens", s.admin, map[string]any{"creator_id": "alice", "role_ids": []string{"member"}})
	require.Equal(t, http.StatusCreated, w.Code)
	issued := decode[services.IssueResult](t, w)

	s.platform.CreateErr = errors.New("gateway timeout")
	w = s.do(t, http.MethodGet, "/invite/"+issued.TokenID, "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "5", w.Header().Get("Retry-After"))
	assert.NotContains(t, w.Body.String(), "gateway timeout")

	s.platform.CreateErr = nil
	w = s.do(t, http.MethodGet, "/invite/"+issued.TokenID, "", nil)
	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
}

func TestRedirect_RateLimited(t *testing.T) {
	s := newTestServer(t, 1)

	assert.Equal(t, http.StatusNotFound, s.do(t, http.MethodGet, "/invite/missing", "", nil).Code)
	w := s.do(t, http.MethodGet, "/invite/missing", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestConfigAndHealth(t *testing.T) {
	s := newTestServer(t, 100)

	w := s.do(t, http.MethodGet, "/api/v1/config", s.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "bot-secret")
	assert.NotContains(t, w.Body.String(), "jwt-secret")

	w = s.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(logger.RequestIDHeader))
}

func TestHealth_Degraded(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := handlers.NewHealthHandler(map[string]handlers.Pinger{
		"redis": func(context.Context) error { return errors.New("connection refused") },
	})
	r := gin.New()
	r.GET("/health", h.Health)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "degraded")
}

func TestRefreshToken(t *testing.T) {
	s := newTestServer(t, 100)

	w := s.do(t, http.MethodPost, "/api/v1/token/refresh", "", map[string]string{"token": s.admin})
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, decode[map[string]string](t, w)["token"])

	w = s.do(t, http.MethodPost, "/api/v1/token/refresh", "", map[string]string{"token": "garbage"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
