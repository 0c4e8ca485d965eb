package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Gopher0727/InviteTracker/config"
)

// Limiter defines the interface for rate limiting operations.
// Both the Redis-backed and the in-process limiter implement it.
type Limiter interface {
	// Allow checks if a request should be allowed based on rate limits
	// Returns true if allowed, false if rate limit exceeded
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)

	// GetRemaining returns the number of remaining requests in the current window
	GetRemaining(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

// TokenBucketLimiter implements fixed-window rate limiting with Redis counters.
// Counters live in Redis so several bot replicas share one budget per key.
type TokenBucketLimiter struct {
	redisClient *redis.Client
	logger      *zap.Logger
	fallback    bool // If true, allow requests when Redis is unavailable (fail-open)
	now         func() time.Time
}

// NewTokenBucketLimiter creates a new Redis rate limiter
//
// Parameters:
//   - redisClient: Redis client for storing rate limit state
//   - logger: Logger for recording rate limit events
//   - fallback: If true, allows requests when Redis fails (fail-open strategy)
//
// Returns:
//   - *TokenBucketLimiter: The initialized rate limiter
func NewTokenBucketLimiter(redisClient *redis.Client, logger *zap.Logger, fallback bool) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		redisClient: redisClient,
		logger:      logger,
		fallback:    fallback,
		now:         time.Now,
	}
}

// Allow checks if a single request should be allowed based on rate limits
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return l.AllowN(ctx, key, 1, limit, window)
}

// AllowN consumes n units from the key's current window.
// It increments the window counter and sets its expiry in a single pipeline.
//
// Parameters:
//   - ctx: Context for the operation
//   - key: Unique identifier for the bucket (e.g. "redirect:203.0.113.9" or "command:1234")
//   - n: Number of units to consume
//   - limit: Maximum number of units allowed in the time window
//   - window: Time window for the rate limit
//
// Returns:
//   - bool: true if the requests are allowed, false if rate limit exceeded
//   - error: Any error encountered during the check (nil when failing open)
func (l *TokenBucketLimiter) AllowN(ctx context.Context, key string, n int, limit int, window time.Duration) (bool, error) {
	bucketKey := l.getBucketKey(key, l.now(), window)

	pipe := l.redisClient.Pipeline()
	incrCmd := pipe.IncrBy(ctx, bucketKey, int64(n))
	pipe.Expire(ctx, bucketKey, window+time.Second) // Add 1 second buffer

	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Error("rate limit check failed",
			zap.String("key", bucketKey),
			zap.Error(err),
		)

		if l.fallback {
			l.logger.Warn("rate limit check failed, allowing request (fail-open)",
				zap.String("key", key),
			)
			return true, nil
		}
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := incrCmd.Val()
	allowed := count <= int64(limit)
	if !allowed {
		l.logger.Debug("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int("limit", limit),
			zap.Duration("window", window),
		)
	}
	return allowed, nil
}

// GetRemaining returns the number of remaining requests in the current window
func (l *TokenBucketLimiter) GetRemaining(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	bucketKey := l.getBucketKey(key, l.now(), window)

	count, err := l.redisClient.Get(ctx, bucketKey).Int64()
	if errors.Is(err, redis.Nil) {
		return limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get remaining tokens: %w", err)
	}
	return max(limit-int(count), 0), nil
}

// getBucketKey maps now onto the window it falls in
func (l *TokenBucketLimiter) getBucketKey(key string, now time.Time, window time.Duration) string {
	var bucketTime int64

	switch {
	case window <= time.Minute:
		bucketTime = now.Unix() / max(int64(window.Seconds()), 1)
	case window <= time.Hour:
		bucketTime = now.Unix() / 60 / int64(window.Minutes())
	default:
		bucketTime = now.Unix() / 3600 / int64(window.Hours())
	}

	return fmt.Sprintf("invitebot:ratelimit:%s:%d", key, bucketTime)
}

// Rule is a limit applied per key over a window
type Rule struct {
	Limit  int
	Window time.Duration
}

const (
	ScopeRedirect = "redirect"
	ScopeCommand  = "command"
)

// RuleFor returns the configured rule for a scope.
// Redirect visits are limited per client IP, slash commands per member.
func RuleFor(scope string, cfg *config.RateLimitConfig) Rule {
	switch scope {
	case ScopeRedirect:
		return Rule{Limit: cfg.RedirectPerMinute, Window: time.Minute}
	case ScopeCommand:
		return Rule{Limit: cfg.CommandPerMinute, Window: time.Minute}
	default:
		return Rule{Limit: 100, Window: time.Minute}
	}
}

// Key builds a limiter key namespaced by scope
func Key(scope, id string) string {
	return scope + ":" + id
}
