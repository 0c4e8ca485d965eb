package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type localEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// LocalLimiter is an in-process Limiter backed by golang.org/x/time/rate.
// Used when Redis is disabled; budgets are per process.
type LocalLimiter struct {
	mu       sync.Mutex
	limiters map[string]*localEntry
	idle     time.Duration
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewLocalLimiter starts a limiter whose idle keys are evicted after idle.
// Call Stop to end the eviction goroutine.
func NewLocalLimiter(idle time.Duration) *LocalLimiter {
	l := &LocalLimiter{
		limiters: make(map[string]*localEntry),
		idle:     idle,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

// get returns the limiter for key, creating one that refills limit tokens per window
func (l *LocalLimiter) get(key string, limit int, window time.Duration) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.limiters[key]
	if !ok {
		every := rate.Every(window / time.Duration(max(limit, 1)))
		entry = &localEntry{limiter: rate.NewLimiter(every, limit)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter
}

func (l *LocalLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return l.AllowN(ctx, key, 1, limit, window)
}

func (l *LocalLimiter) AllowN(_ context.Context, key string, n int, limit int, window time.Duration) (bool, error) {
	return l.get(key, limit, window).AllowN(l.now(), n), nil
}

func (l *LocalLimiter) GetRemaining(_ context.Context, key string, limit int, window time.Duration) (int, error) {
	tokens := l.get(key, limit, window).TokensAt(l.now())
	return max(int(tokens), 0), nil
}

// Stop ends the eviction goroutine
func (l *LocalLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Len reports how many keys are tracked
func (l *LocalLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *LocalLimiter) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *LocalLimiter) evictIdle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > l.idle {
			delete(l.limiters, key)
		}
	}
}

var (
	_ Limiter = (*LocalLimiter)(nil)
	_ Limiter = (*TokenBucketLimiter)(nil)
)
