package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/Alexander-D-Karpov/parley/internal/infra/cache"
	"golang.org/x/time/rate"
	"go.uber.org/zap"
)

const keyPrefix = "parley:ratelimit:"

type Class string

const (
	ClassDefault Class = "default"
	ClassMessage Class = "message"
	ClassAssist  Class = "assist"
)

type LimitConfig struct {
	RequestsPerMinute int
	Burst             int
}

// Limiter counts requests per caller and class in one-minute Redis windows.
// Without Redis, or when Redis fails, it falls back to in-process token
// buckets.
type Limiter struct {
	cache  *cache.Cache
	limits map[Class]LimitConfig
	logger *zap.Logger
	window time.Duration

	mu          sync.Mutex
	local       map[string]*rate.Limiter
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

func NewLimiter(c *cache.Cache, limits map[Class]LimitConfig, logger *zap.Logger) *Limiter {
	l := &Limiter{
		cache:       c,
		limits:      limits,
		logger:      logger,
		window:      time.Minute,
		local:       make(map[string]*rate.Limiter),
		cleanupDone: make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) limitFor(class Class) (LimitConfig, bool) {
	if cfg, ok := l.limits[class]; ok {
		return cfg, cfg.RequestsPerMinute > 0
	}
	cfg, ok := l.limits[ClassDefault]
	return cfg, ok && cfg.RequestsPerMinute > 0
}

// Allow reports whether caller may make one more request of class. Classes
// without a configured limit are unlimited.
func (l *Limiter) Allow(ctx context.Context, class Class, caller string) bool {
	cfg, limited := l.limitFor(class)
	if !limited {
		return true
	}
	key := string(class) + ":" + caller

	if l.cache != nil {
		count, err := l.cache.IncrWindow(ctx, keyPrefix+key, l.window)
		if err == nil {
			return count <= int64(cfg.RequestsPerMinute+cfg.Burst)
		}
		l.logger.Warn("rate limit counter unavailable, using local limiter", zap.Error(err))
	}
	return l.allowLocal(key, cfg)
}

func (l *Limiter) allowLocal(key string, cfg LimitConfig) bool {
	l.mu.Lock()
	limiter, ok := l.local[key]
	if !ok {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), burst)
		l.local[key] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *Limiter) Reset(ctx context.Context, class Class, caller string) error {
	key := string(class) + ":" + caller

	l.mu.Lock()
	delete(l.local, key)
	l.mu.Unlock()

	if l.cache != nil {
		return l.cache.Delete(ctx, keyPrefix+key)
	}
	return nil
}

func (l *Limiter) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.mu.Lock()
			l.local = make(map[string]*rate.Limiter)
			l.mu.Unlock()
		case <-l.cleanupDone:
			return
		}
	}
}

func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.cleanupDone)
	})
}
