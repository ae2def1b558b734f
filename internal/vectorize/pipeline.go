package vectorize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Alexander-D-Karpov/parley/internal/circuitbreaker"
	"github.com/Alexander-D-Karpov/parley/internal/embedding"
	"github.com/Alexander-D-Karpov/parley/internal/messaging"
	"github.com/Alexander-D-Karpov/parley/internal/observability"
	"github.com/Alexander-D-Karpov/parley/internal/vectorindex"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Source is the primary store as seen by the pipeline.
type Source interface {
	CountUnvectorized(ctx context.Context) (int, error)
	FetchUnvectorized(ctx context.Context, limit int) ([]messaging.Message, error)
	MarkVectorized(ctx context.Context, ids []string) error
}

// Config tunes a pipeline run. A zero BatchLimit takes every pending message.
type Config struct {
	Concurrency       int
	RequestsPerSecond float64
	Burst             int
	BatchLimit        int
	Timeout           time.Duration
	BreakerFailures   int
	BreakerTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:       4,
		RequestsPerSecond: 5,
		Burst:             5,
		Timeout:           2 * time.Minute,
		BreakerFailures:   5,
		BreakerTimeout:    30 * time.Second,
	}
}

// Pipeline moves unvectorized messages into the similarity index. Runs are
// at-least-once: a failure after the index write but before the flag update
// re-selects the same messages next time, and the index overwrites by id.
type Pipeline struct {
	source   Source
	embedder embedding.Embedder
	index    vectorindex.Index
	cfg      Config
	limiter  *rate.Limiter
	breaker  *circuitbreaker.CircuitBreaker
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewPipeline(source Source, embedder embedding.Embedder, index vectorindex.Index, cfg Config, logger *zap.Logger, metrics *observability.Metrics) *Pipeline {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	breaker := circuitbreaker.New(cfg.BreakerFailures, cfg.BreakerTimeout)
	breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warn("embedding circuit breaker changed state",
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
		metrics.SetBreakerState("embedding", int(to))
	})

	return &Pipeline{
		source:   source,
		embedder: embedder,
		index:    index,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, max(cfg.Burst, 1)),
		breaker:  breaker,
		logger:   logger,
		metrics:  metrics,
	}
}

// RunBatch vectorizes pending messages once at least minThreshold are
// waiting. It returns how many were processed; any failure reports zero.
func (p *Pipeline) RunBatch(ctx context.Context, minThreshold int) (int, error) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	start := time.Now()

	pending, err := p.source.CountUnvectorized(ctx)
	if err != nil {
		return p.fail(fmt.Errorf("count unvectorized: %w", err))
	}
	if pending < minThreshold || pending == 0 {
		p.logger.Debug("vectorization below threshold",
			zap.Int("pending", pending),
			zap.Int("min_threshold", minThreshold),
		)
		p.metrics.RecordVectorizeBatch("skipped", 0)
		return 0, nil
	}

	msgs, err := p.source.FetchUnvectorized(ctx, p.cfg.BatchLimit)
	if err != nil {
		return p.fail(fmt.Errorf("fetch unvectorized: %w", err))
	}
	if len(msgs) == 0 {
		p.metrics.RecordVectorizeBatch("skipped", 0)
		return 0, nil
	}

	records, err := p.embedAll(ctx, msgs)
	if err != nil {
		return p.fail(err)
	}

	if err := p.index.Upsert(ctx, records); err != nil {
		return p.fail(fmt.Errorf("index upsert: %w", err))
	}

	// Flags stay untouched once the deadline has passed.
	if err := ctx.Err(); err != nil {
		return p.fail(err)
	}

	ids := make([]string, len(msgs))
	for i := range msgs {
		ids[i] = msgs[i].ID
	}
	if err := p.source.MarkVectorized(ctx, ids); err != nil {
		return p.fail(fmt.Errorf("mark vectorized: %w", err))
	}

	p.logger.Info("vectorization batch completed",
		zap.Int("processed", len(ids)),
		zap.Int("pending", pending),
		zap.Duration("duration", time.Since(start)),
	)
	p.metrics.RecordVectorizeBatch("success", len(ids))
	return len(ids), nil
}

func (p *Pipeline) embedAll(ctx context.Context, msgs []messaging.Message) ([]vectorindex.Record, error) {
	records := make([]vectorindex.Record, len(msgs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)

	for i := range msgs {
		msg := msgs[i]
		g.Go(func() error {
			if err := p.limiter.Wait(gctx); err != nil {
				return err
			}

			var vec []float32
			err := p.breaker.Call(func() error {
				v, err := p.embedder.Embed(gctx, msg.Content)
				vec = v
				return err
			})
			if err != nil {
				return fmt.Errorf("embed message %s: %w", msg.ID, err)
			}

			records[i] = vectorindex.NewRecord(msg, vec)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return records, nil
}

func (p *Pipeline) fail(err error) (int, error) {
	result := "failed"
	if errors.Is(err, context.DeadlineExceeded) {
		result = "timeout"
	}
	p.logger.Warn("vectorization batch failed", zap.String("result", result), zap.Error(err))
	p.metrics.RecordVectorizeBatch(result, 0)
	return 0, err
}

// BreakerState reports the embedding circuit breaker state.
func (p *Pipeline) BreakerState() circuitbreaker.State {
	return p.breaker.GetState()
}
