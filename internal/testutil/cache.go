package testutil

import (
	"strconv"
	"sync"
	"testing"

	infraCache "github.com/Alexander-D-Karpov/parley/internal/infra/cache"
)

var (
	cacheOnce   sync.Once
	sharedCache *infraCache.Cache
	cacheErr    error
)

// GetCache returns a shared Redis-backed cache, or skips the test when Redis
// is not reachable.
func GetCache(t *testing.T) *infraCache.Cache {
	t.Helper()

	cacheOnce.Do(func() {
		port, err := strconv.Atoi(envOr("REDIS_PORT", "6379"))
		if err != nil {
			port = 6379
		}
		dbNum, err := strconv.Atoi(envOr("REDIS_DB", "15"))
		if err != nil {
			dbNum = 15
		}

		sharedCache, cacheErr = infraCache.New(envOr("REDIS_HOST", "localhost"), port, envOr("REDIS_PASSWORD", ""), dbNum)
	})

	if cacheErr != nil {
		t.Skipf("testutil: Redis not available (%v)", cacheErr)
	}

	if err := sharedCache.FlushDB(t.Context()); err != nil {
		t.Logf("testutil: FlushDB failed: %v", err)
	}
	return sharedCache
}
