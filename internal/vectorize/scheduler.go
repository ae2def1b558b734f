package vectorize

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Alexander-D-Karpov/parley/internal/tasks"
	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

const retryAfterBadTick = 30 * time.Second

// Scheduler runs the pipeline on a cron expression. Runs never overlap: a
// tick that arrives during a run waits for it.
type Scheduler struct {
	pipeline     *Pipeline
	cron         string
	minThreshold int
	logger       *zap.Logger
	now          func() time.Time
}

func NewScheduler(pipeline *Pipeline, cron string, minThreshold int, logger *zap.Logger) (*Scheduler, error) {
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid vectorize schedule: %q", cron)
	}
	return &Scheduler{
		pipeline:     pipeline,
		cron:         cron,
		minThreshold: minThreshold,
		logger:       logger,
		now:          time.Now,
	}, nil
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("vectorize scheduler started", zap.String("schedule", s.cron))

	for {
		wait := retryAfterBadTick
		next, err := gronx.NextTickAfter(s.cron, s.now().UTC(), false)
		if err != nil {
			s.logger.Error("failed to compute next vectorize tick", zap.String("schedule", s.cron), zap.Error(err))
		} else {
			wait = time.Until(next)
		}

		timer := time.NewTimer(max(wait, 0))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("vectorize scheduler stopping")
			return
		case <-timer.C:
		}

		if err != nil {
			continue
		}
		if _, err := s.pipeline.RunBatch(ctx, s.minThreshold); err != nil && ctx.Err() == nil {
			s.logger.Warn("scheduled vectorization failed", zap.Error(err))
		}
	}
}

// Submitter accepts background work.
type Submitter interface {
	Submit(name string, fn tasks.Func) bool
}

// Trigger hands opportunistic runs to a task queue, keeping at most one
// queued or running at a time.
type Trigger struct {
	pipeline     *Pipeline
	queue        Submitter
	minThreshold int
	pending      atomic.Bool
}

func NewTrigger(pipeline *Pipeline, queue Submitter, minThreshold int) *Trigger {
	return &Trigger{pipeline: pipeline, queue: queue, minThreshold: minThreshold}
}

// Fire reports whether a new run was queued.
func (t *Trigger) Fire() bool {
	if !t.pending.CompareAndSwap(false, true) {
		return false
	}

	submitted := t.queue.Submit("vectorize", func(ctx context.Context) error {
		defer t.pending.Store(false)
		_, err := t.pipeline.RunBatch(ctx, t.minThreshold)
		return err
	})
	if !submitted {
		t.pending.Store(false)
	}
	return submitted
}
