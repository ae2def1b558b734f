package tasks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Alexander-D-Karpov/parley/internal/observability"
	"go.uber.org/zap"
)

// Func is a unit of background work. Its context carries the task timeout.
type Func func(ctx context.Context) error

type task struct {
	name string
	fn   Func
}

// Queue runs background work on a fixed pool of workers. Work never runs on
// the submitter's goroutine and a failing task never reaches the submitter.
type Queue struct {
	tasks   chan task
	timeout time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewQueue(size, workers int, timeout time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Queue {
	if size <= 0 {
		size = 1
	}
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		tasks:   make(chan task, size),
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
		ctx:     ctx,
		cancel:  cancel,
	}

	q.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go q.worker()
	}
	return q
}

// Submit enqueues fn without blocking. It returns false when the queue is
// full or shut down; the task is dropped in that case.
func (q *Queue) Submit(name string, fn Func) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		q.logger.Warn("task rejected after shutdown", zap.String("task", name))
		q.metrics.RecordTask(name, "rejected")
		return false
	}

	select {
	case q.tasks <- task{name: name, fn: fn}:
		return true
	default:
		q.logger.Warn("task queue full, dropping task", zap.String("task", name))
		q.metrics.RecordTask(name, "dropped")
		return false
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for t := range q.tasks {
		q.run(t)
	}
}

func (q *Queue) run(t task) {
	ctx := q.ctx
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	start := time.Now()
	err := safeCall(ctx, t.fn)
	if err != nil {
		q.logger.Warn("background task failed",
			zap.String("task", t.name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		q.metrics.RecordTask(t.name, "error")
		return
	}

	q.logger.Debug("background task completed",
		zap.String("task", t.name),
		zap.Duration("duration", time.Since(start)),
	)
	q.metrics.RecordTask(t.name, "ok")
}

func safeCall(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// Shutdown stops accepting work and waits for queued tasks to finish. When
// ctx expires first, running tasks are cancelled and ctx's error returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
