// Package app wires configured components for the binaries.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Alexander-D-Karpov/parley/internal/common/config"
	"github.com/Alexander-D-Karpov/parley/internal/embedding"
	"github.com/Alexander-D-Karpov/parley/internal/events"
	"github.com/Alexander-D-Karpov/parley/internal/infra/cache"
	"github.com/Alexander-D-Karpov/parley/internal/infra/db"
	"github.com/Alexander-D-Karpov/parley/internal/infra/migrations"
	"github.com/Alexander-D-Karpov/parley/internal/observability"
	"github.com/Alexander-D-Karpov/parley/internal/ratelimit"
	"github.com/Alexander-D-Karpov/parley/internal/tasks"
	"github.com/Alexander-D-Karpov/parley/internal/vectorindex"
	"github.com/Alexander-D-Karpov/parley/internal/vectorize"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// OpenDatabase connects, applies migrations and returns the pool wrapper.
func OpenDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (*db.DB, error) {
	database, err := db.New(cfg.Database, db.NewSlowQueryLogger(logger, cfg.Database.SlowQuery, metrics))
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := migrations.Run(ctx, database.Pool); err != nil {
		database.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("connected to database", zap.String("database", cfg.Database.Database))
	return database, nil
}

// OpenCache returns nil without error when Redis is disabled.
func OpenCache(cfg *config.Config, logger *zap.Logger) (*cache.Cache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	c, err := cache.New(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	logger.Info("connected to Redis", zap.String("host", cfg.Redis.Host), zap.Int("port", cfg.Redis.Port))
	return c, nil
}

// Broker bundles the configured event broker with its teardown.
type Broker struct {
	events.Broker
	close func() error
}

func (b *Broker) Close() error {
	return b.close()
}

// OpenBroker uses Redis pub/sub when configured and reachable, and an
// in-process hub otherwise.
func OpenBroker(cfg *config.Config, redisCache *cache.Cache, clientID string, logger *zap.Logger) (*Broker, error) {
	if cfg.Broker.Backend == "redis" {
		if redisCache == nil {
			return nil, fmt.Errorf("redis broker requires REDIS_ENABLED=true")
		}
		rb := events.NewRedisBroker(redisCache.Client(), cfg.Broker.ChannelPrefix, logger)
		return &Broker{Broker: rb, close: rb.Close}, nil
	}

	hub := events.NewHub(logger)
	client, err := hub.Connect(clientID)
	if err != nil {
		return nil, err
	}
	return &Broker{
		Broker: client,
		close: func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hub.Shutdown(ctx)
		},
	}, nil
}

// Semantic holds the embedding and index side of the system.
type Semantic struct {
	Documents *embedding.Adapter
	Queries   *embedding.Adapter
	Index     vectorindex.Index
	GenAI     *genai.Client
	ping      func(context.Context) error
	close     func() error
}

func (s *Semantic) Ping(ctx context.Context) error {
	if s.ping == nil {
		return nil
	}
	return s.ping(ctx)
}

func (s *Semantic) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Drain stops the task queue, letting queued work finish, and only then
// closes the semantic stack so index tasks never see a closed index.
// semantic may be nil.
func Drain(ctx context.Context, queue *tasks.Queue, semantic *Semantic) error {
	var errs []error
	if err := queue.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain task queue: %w", err))
	}
	if semantic != nil {
		if err := semantic.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close index: %w", err))
		}
	}
	return errors.Join(errs...)
}

// OpenSemantic builds the embedders and the similarity index. Index and
// query embedders share one target dimension.
func OpenSemantic(ctx context.Context, cfg *config.Config, database *db.DB, logger *zap.Logger, metrics *observability.Metrics) (*Semantic, error) {
	embedder, err := embedding.NewGenAIEmbedder(ctx, cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.Embedding.Dimensions)
	if err != nil {
		return nil, err
	}
	dims := cfg.IndexDimensions()

	s := &Semantic{
		Documents: embedding.NewAdapter(embedder, dims, metrics),
		Queries:   embedding.NewAdapter(embedder.ForQueries(), dims, metrics),
		GenAI:     embedder.Client(),
	}

	switch cfg.Index.Backend {
	case "badger":
		idx, err := vectorindex.OpenBadger(cfg.Index.BadgerPath, dims, logger)
		if err != nil {
			return nil, err
		}
		s.Index = idx
		s.close = idx.Close
	default:
		if database == nil {
			return nil, fmt.Errorf("pgvector index requires a database")
		}
		idx, err := vectorindex.NewPGVector(database.Pool, dims)
		if err != nil {
			return nil, err
		}
		if err := idx.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		s.Index = idx
		s.ping = idx.Ping
	}

	logger.Info("semantic index ready",
		zap.String("backend", cfg.Index.Backend),
		zap.String("embedder", embedder.Name()),
		zap.Int("native_dimensions", embedder.Dimensions()),
		zap.Int("index_dimensions", dims),
	)
	return s, nil
}

func PipelineConfig(cfg *config.Config) vectorize.Config {
	return vectorize.Config{
		Concurrency:       cfg.Embedding.Concurrency,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		Burst:             cfg.Embedding.Burst,
		BatchLimit:        cfg.Vectorize.BatchLimit,
		Timeout:           cfg.Vectorize.Timeout,
		BreakerFailures:   cfg.Embedding.BreakerFailures,
		BreakerTimeout:    cfg.Embedding.BreakerTimeout,
	}
}

// NewRateLimiter returns nil when rate limiting is disabled.
func NewRateLimiter(cfg *config.Config, redisCache *cache.Cache, logger *zap.Logger) *ratelimit.Limiter {
	if !cfg.RateLimit.Enabled {
		return nil
	}
	return ratelimit.NewLimiter(redisCache, map[ratelimit.Class]ratelimit.LimitConfig{
		ratelimit.ClassDefault: {RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst},
		ratelimit.ClassMessage: {RequestsPerMinute: cfg.RateLimit.MessagesPerMinute, Burst: cfg.RateLimit.Burst},
		ratelimit.ClassAssist:  {RequestsPerMinute: cfg.RateLimit.AssistPerMinute, Burst: 2},
	}, logger)
}
