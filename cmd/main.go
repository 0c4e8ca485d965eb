package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Gopher0727/InviteTracker/config"
	"github.com/Gopher0727/InviteTracker/internal/bot"
	"github.com/Gopher0727/InviteTracker/internal/events"
	"github.com/Gopher0727/InviteTracker/internal/handlers"
	"github.com/Gopher0727/InviteTracker/internal/platform"
	"github.com/Gopher0727/InviteTracker/internal/repositories"
	"github.com/Gopher0727/InviteTracker/internal/routers"
	"github.com/Gopher0727/InviteTracker/internal/services"
	"github.com/Gopher0727/InviteTracker/internal/storage"
	"github.com/Gopher0727/InviteTracker/internal/utils"
	"github.com/Gopher0727/InviteTracker/middleware/jwt"
	logger "github.com/Gopher0727/InviteTracker/middleware/log"
	"github.com/Gopher0727/InviteTracker/utils/ratelimit"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	adminToken := flag.String("issue-admin-token", "", "print an admin API token for this operator id and exit")
	adminGuilds := flag.String("guilds", "", "comma separated guild ids the admin token is limited to")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("配置初始化失败: %v", err)
	}

	if *adminToken != "" {
		if cfg.JWT.Secret == "" {
			log.Fatal("jwt.secret is required to issue admin tokens")
		}
		var guilds []string
		if *adminGuilds != "" {
			guilds = strings.Split(*adminGuilds, ",")
		}
		token, err := jwt.NewTokenManager(cfg.JWT.Secret, cfg.JWT.ExpireHours, cfg.JWT.RefreshHours).GenerateToken(*adminToken, guilds)
		if err != nil {
			log.Fatalf("生成令牌失败: %v", err)
		}
		fmt.Println(token)
		return
	}

	appLog, err := logger.NewForMode(cfg.Server.Mode, &cfg.Logging)
	if err != nil {
		log.Fatalf("日志初始化失败: %v", err)
	}
	defer appLog.Close()

	if err := run(cfg, appLog); err != nil {
		appLog.Error("invite tracker stopped with error", zap.Error(err))
		_ = appLog.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config, appLog *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 存储
	db, err := storage.Open(&cfg.Database)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer storage.Close(db)
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	health := map[string]handlers.Pinger{"database": sqlDB.PingContext}

	// 限流器：配置了 Redis 时多实例共享计数，否则使用进程内令牌桶
	var limiter ratelimit.Limiter
	if cfg.Redis.Enabled {
		rdb, err := storage.InitRedis(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.PoolSize, cfg.Redis.MinIdleConns)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer rdb.Close()
		limiter = ratelimit.NewTokenBucketLimiter(rdb, appLog.Logger, cfg.RateLimit.FailOpen)
		health["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	} else {
		local := ratelimit.NewLocalLimiter(10 * time.Minute)
		defer local.Stop()
		limiter = local
	}

	// 事件：Kafka 不可用时降级为不发布
	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled {
		kp, err := events.NewKafkaPublisher(&cfg.Kafka, appLog)
		if err != nil {
			appLog.Warn("kafka publisher unavailable, attribution events disabled", zap.Error(err))
		} else {
			publisher = kp
		}
	}
	defer publisher.Close()

	// 平台：没有配置机器人令牌时使用内存实现，便于本地调试跳转流程
	var (
		session *discordgo.Session
		invites platform.Platform
	)
	if cfg.Bot.Token != "" {
		session, err = bot.NewSession(cfg.Bot.Token)
		if err != nil {
			return err
		}
		invites = platform.NewDiscord(session)
	} else {
		appLog.Warn("bot.token is empty, using in-memory invite platform")
		invites = platform.NewMemory(services.SystemClock)
	}

	// 服务层
	store := repositories.NewInviteRepository(db)
	rateLimiter := services.NewRateLimiter(store, services.SystemClock)
	issuer := services.NewInviteService(store, rateLimiter, cfg, services.SystemClock, appLog)
	materializer := services.NewMaterializer(store, invites, cfg, appLog)
	reconciler := services.NewReconciler(store, invites, publisher, cfg, services.SystemClock, appLog)
	query := services.NewQueryService(store, services.SystemClock)

	// 协程池：网关事件与跳转请求共用
	pool := utils.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, appLog)
	pool.Start()
	defer pool.Stop()

	secret := cfg.JWT.Secret
	if secret == "" {
		appLog.Warn("jwt.secret is empty, admin tokens will not survive a restart")
		secret = uuid.NewString()
	}
	tokens := jwt.NewTokenManager(secret, cfg.JWT.ExpireHours, cfg.JWT.RefreshHours)

	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	routers.SetupRoutes(r, routers.Deps{
		Redirect: handlers.NewRedirectHandler(materializer, appLog),
		Admin:    handlers.NewAdminHandler(issuer, query, reconciler, tokens, cfg, appLog),
		Health:   handlers.NewHealthHandler(health),
		Tokens:   tokens,
		Limiter:  limiter,
		Rule:     ratelimit.RuleFor(ratelimit.ScopeRedirect, &cfg.RateLimit),
		Pool:     pool,
		Log:      appLog,
	})

	srv := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		appLog.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var discordBot *bot.Bot
	if session != nil {
		discordBot = bot.New(session, bot.Deps{
			Config:   cfg,
			Arrivals: reconciler,
			Issuer:   issuer,
			Queries:  query,
			Pool:     pool,
			Limiter:  limiter,
			Log:      appLog,
		})
		if err := discordBot.Open(); err != nil {
			_ = srv.Close()
			return err
		}
	}

	select {
	case <-ctx.Done():
		appLog.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	// 先停止接收新事件和请求，再由 defer 依次排空协程池、关闭事件发布与存储
	if discordBot != nil {
		if err := discordBot.Close(); err != nil {
			appLog.Warn("close gateway", zap.Error(err))
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Warn("http server shutdown", zap.Error(err))
	}
	appLog.Info("invite tracker stopped")
	return nil
}
