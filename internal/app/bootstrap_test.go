package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Alexander-D-Karpov/parley/internal/common/config"
	"github.com/Alexander-D-Karpov/parley/internal/events"
	"github.com/Alexander-D-Karpov/parley/internal/ratelimit"
	"github.com/Alexander-D-Karpov/parley/internal/tasks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenBrokerFallsBackToHub(t *testing.T) {
	cfg := &config.Config{Broker: config.BrokerConfig{Backend: "memory"}}

	b, err := OpenBroker(cfg, nil, "test", zap.NewNop())
	require.NoError(t, err)

	got := make(chan events.Event, 1)
	require.NoError(t, b.Subscribe(context.Background(), "channel:c1", func(_ context.Context, evt events.Event) {
		got <- evt
	}))
	require.NoError(t, b.Publish(context.Background(), "channel:c1", events.New("channel:c1", events.MessageDeleted{MessageID: "m1"})))

	evt := <-got
	assert.Equal(t, "channel:c1", evt.Topic)
	require.NoError(t, b.Close())
}

func TestOpenBrokerRedisRequiresCache(t *testing.T) {
	cfg := &config.Config{Broker: config.BrokerConfig{Backend: "redis"}}
	_, err := OpenBroker(cfg, nil, "test", zap.NewNop())
	assert.Error(t, err)
}

func TestOpenCacheDisabled(t *testing.T) {
	c, err := OpenCache(&config.Config{}, zap.NewNop())
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestOpenSemanticRequiresAPIKey(t *testing.T) {
	cfg := &config.Config{
		Embedding: config.EmbeddingConfig{Dimensions: 768},
		Index:     config.IndexConfig{Backend: "badger", BadgerPath: t.TempDir()},
	}
	_, err := OpenSemantic(context.Background(), cfg, nil, zap.NewNop(), nil)
	assert.Error(t, err)
}

func TestPipelineConfig(t *testing.T) {
	cfg := &config.Config{}
	cfg.Embedding.Concurrency = 3
	cfg.Vectorize.BatchLimit = 50
	pc := PipelineConfig(cfg)
	assert.Equal(t, 3, pc.Concurrency)
	assert.Equal(t, 50, pc.BatchLimit)
}

func TestNewRateLimiter(t *testing.T) {
	cfg := &config.Config{}
	assert.Nil(t, NewRateLimiter(cfg, nil, zap.NewNop()))

	cfg.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, Burst: 1, AssistPerMinute: 1}
	limiter := NewRateLimiter(cfg, nil, zap.NewNop())
	require.NotNil(t, limiter)
	defer limiter.Close()

	assert.True(t, limiter.Allow(context.Background(), ratelimit.ClassMessage, "u1"), "zero message limit is unlimited")
	assert.True(t, limiter.Allow(context.Background(), ratelimit.ClassAssist, "u1"))
	assert.True(t, limiter.Allow(context.Background(), ratelimit.ClassAssist, "u1"))
	assert.False(t, limiter.Allow(context.Background(), ratelimit.ClassAssist, "u1"))
}

func TestDrainFinishesQueuedWorkBeforeClosingIndex(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}

	queue := tasks.NewQueue(4, 1, time.Second, zap.NewNop(), nil)
	require.True(t, queue.Submit("index-delete", func(context.Context) error {
		time.Sleep(20 * time.Millisecond)
		record("task")
		return nil
	}))
	semantic := &Semantic{close: func() error {
		record("index")
		return nil
	}}

	require.NoError(t, Drain(context.Background(), queue, semantic))
	assert.Equal(t, []string{"task", "index"}, order)
}

func TestDrainWithoutSemantic(t *testing.T) {
	queue := tasks.NewQueue(1, 1, time.Second, zap.NewNop(), nil)
	assert.NoError(t, Drain(context.Background(), queue, nil))
}
