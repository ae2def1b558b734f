package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/Alexander-D-Karpov/parley/internal/api"
	"github.com/Alexander-D-Karpov/parley/internal/app"
	"github.com/Alexander-D-Karpov/parley/internal/assist"
	"github.com/Alexander-D-Karpov/parley/internal/audit"
	"github.com/Alexander-D-Karpov/parley/internal/chat"
	"github.com/Alexander-D-Karpov/parley/internal/common/config"
	"github.com/Alexander-D-Karpov/parley/internal/common/logging"
	"github.com/Alexander-D-Karpov/parley/internal/infra"
	"github.com/Alexander-D-Karpov/parley/internal/infra/cache"
	"github.com/Alexander-D-Karpov/parley/internal/infra/db"
	"github.com/Alexander-D-Karpov/parley/internal/messages"
	"github.com/Alexander-D-Karpov/parley/internal/observability"
	"github.com/Alexander-D-Karpov/parley/internal/ratelimit"
	"github.com/Alexander-D-Karpov/parley/internal/retrieval"
	"github.com/Alexander-D-Karpov/parley/internal/tasks"
	"github.com/Alexander-D-Karpov/parley/internal/vectorize"
	"github.com/Alexander-D-Karpov/parley/internal/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.Init(
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.EnableFile,
		cfg.Logging.FilePath,
	)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("starting parley-api",
		zap.String("version", version.Full()),
		zap.Int("grpc_port", cfg.Server.GRPCPort),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewMetrics(logger)

	database, err := app.OpenDatabase(ctx, cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer database.Close()

	poolMonitor := db.NewPoolMonitor(database.Pool, logger, 30*time.Second)
	poolMonitor.Start(ctx)
	defer poolMonitor.Stop()

	cacheClient, err := app.OpenCache(cfg, logger)
	if err != nil {
		logger.Warn("failed to connect to Redis, continuing without cache", zap.Error(err))
	}
	if cacheClient != nil {
		defer func() {
			if err := cacheClient.Close(); err != nil {
				logger.Error("failed to close cache", zap.Error(err))
			}
		}()
	}

	broker, err := app.OpenBroker(cfg, cacheClient, "parley-api", logger)
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}
	defer func() {
		if err := broker.Close(); err != nil {
			logger.Error("failed to close broker", zap.Error(err))
		}
	}()

	snowflakeGen := infra.NewSnowflakeGenerator(cfg.Server.WorkerID)
	messagesRepo := messages.NewRepository(database.Pool, snowflakeGen)

	taskQueue := tasks.NewQueue(cfg.Vectorize.QueueSize, cfg.Vectorize.Workers, cfg.Vectorize.TaskTimeout, logger, metrics)

	chatService := chat.NewService(messagesRepo, broker, logger).
		WithAudit(audit.NewLogger(database.Pool, logger))
	handler := &api.Handler{
		Writer: chatService,
		Reader: messagesRepo,
	}

	healthChecker := observability.NewHealthChecker(logger, version.Full())
	healthChecker.RegisterCheck("database", observability.PingCheck(database.Health, false))
	if cacheClient != nil {
		healthChecker.RegisterCheck("redis", observability.PingCheck(cacheClient.Ping, true))
	}

	errChan := make(chan error, 4)

	semantic, err := app.OpenSemantic(ctx, cfg, database, logger, metrics)
	if err != nil {
		logger.Warn("semantic features disabled", zap.Error(err))
	} else {
		healthChecker.RegisterCheck("index", observability.PingCheck(semantic.Ping, true))

		pipeline := vectorize.NewPipeline(messagesRepo, semantic.Documents, semantic.Index, app.PipelineConfig(cfg), logger, metrics)
		trigger := vectorize.NewTrigger(pipeline, taskQueue, cfg.Vectorize.MinThreshold)
		chatService.WithIndexing(taskQueue, trigger, semantic.Index)

		if cfg.Vectorize.Schedule != "" {
			scheduler, err := vectorize.NewScheduler(pipeline, cfg.Vectorize.Schedule, cfg.Vectorize.MinThreshold, logger)
			if err != nil {
				return err
			}
			go scheduler.Run(ctx)
		}

		engine := retrieval.NewEngine(semantic.Queries, semantic.Index, logger, metrics)
		if cacheClient != nil {
			engine.WithCache(cache.NewAsidePattern(cacheClient, "embedding", metrics), cfg.Retrieval.CacheTTL)
		}
		generator := assist.NewGenAIGenerator(semantic.GenAI, cfg.Assist.Model)

		handler.Retriever = engine
		handler.Suggester = assist.NewSuggester(engine, generator, cfg.Retrieval.TopK, logger)
		handler.Vectorizer = pipeline
	}

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := app.Drain(shutdownCtx, taskQueue, semantic); err != nil {
			logger.Warn("background work did not stop cleanly", zap.Error(err))
		}
	}()

	var extra []grpc.UnaryServerInterceptor
	if limiter := app.NewRateLimiter(cfg, cacheClient, logger); limiter != nil {
		defer limiter.Close()
		extra = append(extra, ratelimit.NewInterceptor(limiter).Unary())
		logger.Info("rate limiting enabled")
	}

	grpcServer, healthServer := api.NewServer(handler, logger, metrics, 30*time.Second, extra...)

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("create listener: %w", err)
	}

	logger.Info("gRPC server listening", zap.String("address", listener.Addr().String()))

	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			errChan <- fmt.Errorf("serve grpc: %w", err)
		}
	}()

	go func() {
		if err := metrics.Start(ctx, cfg.Server.MetricsPort); err != nil {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	go func() {
		if err := healthChecker.Start(ctx, cfg.Server.HealthPort); err != nil {
			errChan <- fmt.Errorf("health server: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	logger.Info("shutting down gracefully...")
	healthServer.Shutdown()
	cancel()
	grpcServer.GracefulStop()
	logger.Info("shutdown complete")

	return nil
}
