package cache

import (
	"context"
	"errors"
	"time"
)

// AsidePattern is a read-through helper: look in Redis, fall back to the
// loader, then populate. Write failures are ignored.
type AsidePattern struct {
	cache   *Cache
	metrics *Metrics
}

// NewAsidePattern reports lookups to recorder under name. recorder may be
// nil.
func NewAsidePattern(cache *Cache, name string, recorder HitRecorder) *AsidePattern {
	return &AsidePattern{cache: cache, metrics: NewMetrics(name, recorder)}
}

func (a *AsidePattern) Metrics() *Metrics {
	return a.metrics
}

// GetOrLoad returns the cached value for key, or calls loader and stores its
// result with ttl.
func GetOrLoad[T any](ctx context.Context, a *AsidePattern, key string, ttl time.Duration, loader func(context.Context) (T, error)) (T, error) {
	var result T
	err := a.cache.Get(ctx, key, &result)
	if err == nil {
		a.metrics.RecordHit()
		return result, nil
	}

	if !errors.Is(err, ErrCacheMiss) {
		var zero T
		return zero, err
	}
	a.metrics.RecordMiss()

	result, err = loader(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	_ = a.cache.Set(ctx, key, result, ttl)
	return result, nil
}

func (a *AsidePattern) Invalidate(ctx context.Context, keys ...string) error {
	return a.cache.Delete(ctx, keys...)
}
