package vectorize

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Alexander-D-Karpov/parley/internal/circuitbreaker"
	"github.com/Alexander-D-Karpov/parley/internal/embedding"
	"github.com/Alexander-D-Karpov/parley/internal/messaging"
	"github.com/Alexander-D-Karpov/parley/internal/tasks"
	"github.com/Alexander-D-Karpov/parley/internal/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memorySource struct {
	mu         sync.Mutex
	messages   []messaging.Message
	vectorized map[string]bool
	markErr    error
}

func newMemorySource(n int) *memorySource {
	s := &memorySource{vectorized: make(map[string]bool)}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		s.messages = append(s.messages, messaging.Message{
			ID:        fmt.Sprintf("m%02d", i),
			Content:   fmt.Sprintf("message %d", i),
			Author:    messaging.Author{ID: "u1"},
			ChannelID: "c1",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return s
}

func (s *memorySource) CountUnvectorized(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if !s.vectorized[m.ID] {
			n++
		}
	}
	return n, nil
}

func (s *memorySource) FetchUnvectorized(_ context.Context, limit int) ([]messaging.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []messaging.Message
	for _, m := range s.messages {
		if !s.vectorized[m.ID] {
			out = append(out, m)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memorySource) MarkVectorized(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markErr != nil {
		err := s.markErr
		s.markErr = nil
		return err
	}
	for _, id := range ids {
		s.vectorized[id] = true
	}
	return nil
}

func (s *memorySource) vectorizedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.vectorized)
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
	block bool
}

func (e *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	err, block := e.err, e.block
	e.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return []float32{1, float32(len(text))}, nil
}

func (e *fakeEmbedder) Dimensions() int { return 2 }
func (e *fakeEmbedder) Name() string    { return "fake" }

func (e *fakeEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestsPerSecond = 0
	cfg.Timeout = 5 * time.Second
	return cfg
}

func newTestPipeline(t *testing.T, source Source, embedder embedding.Embedder, cfg Config) (*Pipeline, *vectorindex.Badger) {
	t.Helper()
	idx, err := vectorindex.OpenBadgerInMemory(embedder.Dimensions(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return NewPipeline(source, embedder, idx, cfg, zap.NewNop(), nil), idx
}

func TestRunBatchBelowThreshold(t *testing.T) {
	source := newMemorySource(19)
	embedder := &fakeEmbedder{}
	p, idx := newTestPipeline(t, source, embedder, testConfig())

	n, err := p.RunBatch(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, embedder.callCount())
	assert.Equal(t, 0, source.vectorizedCount())

	stored, err := idx.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, stored)
}

func TestRunBatchProcessesAll(t *testing.T) {
	source := newMemorySource(25)
	p, idx := newTestPipeline(t, source, &fakeEmbedder{}, testConfig())

	n, err := p.RunBatch(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Equal(t, 25, source.vectorizedCount())

	stored, err := idx.Len()
	require.NoError(t, err)
	assert.Equal(t, 25, stored)

	n, err = p.RunBatch(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunBatchRetriesAfterFlagFailure(t *testing.T) {
	source := newMemorySource(25)
	source.markErr = errors.New("connection reset")
	embedder := &fakeEmbedder{}
	p, idx := newTestPipeline(t, source, embedder, testConfig())

	n, err := p.RunBatch(context.Background(), 20)
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, source.vectorizedCount())

	n, err = p.RunBatch(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Equal(t, 50, embedder.callCount())

	stored, err := idx.Len()
	require.NoError(t, err)
	assert.Equal(t, 25, stored, "re-processing overwrites records by id")
}

func TestRunBatchTimeoutLeavesFlags(t *testing.T) {
	source := newMemorySource(5)
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	p, _ := newTestPipeline(t, source, &fakeEmbedder{block: true}, cfg)

	n, err := p.RunBatch(context.Background(), 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, source.vectorizedCount())
}

func TestRunBatchEmbeddingFailure(t *testing.T) {
	source := newMemorySource(3)
	boom := errors.New("quota exceeded")
	cfg := testConfig()
	cfg.BreakerFailures = 2
	cfg.Concurrency = 1
	p, _ := newTestPipeline(t, source, &fakeEmbedder{err: boom}, cfg)

	n, err := p.RunBatch(context.Background(), 1)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, source.vectorizedCount())

	_, err = p.RunBatch(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, p.BreakerState())

	_, err = p.RunBatch(context.Background(), 1)
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
}

func TestRunBatchRespectsBatchLimit(t *testing.T) {
	source := newMemorySource(10)
	cfg := testConfig()
	cfg.BatchLimit = 4
	p, _ := newTestPipeline(t, source, &fakeEmbedder{}, cfg)

	n, err := p.RunBatch(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	source.mu.Lock()
	var done []string
	for id := range source.vectorized {
		done = append(done, id)
	}
	source.mu.Unlock()
	slices.Sort(done)
	assert.Equal(t, []string{"m00", "m01", "m02", "m03"}, done)
}

func TestRunBatchTakesEveryPendingMessageByDefault(t *testing.T) {
	source := newMemorySource(25)
	cfg := testConfig()
	cfg.BatchLimit = DefaultConfig().BatchLimit
	p, _ := newTestPipeline(t, source, &fakeEmbedder{}, cfg)

	n, err := p.RunBatch(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, 25, n)
	assert.Equal(t, 25, source.vectorizedCount())
}

func TestTriggerCoalescesRuns(t *testing.T) {
	source := newMemorySource(3)
	p, _ := newTestPipeline(t, source, &fakeEmbedder{}, testConfig())

	queue := tasks.NewQueue(4, 1, time.Second, zap.NewNop(), nil)
	trigger := NewTrigger(p, queue, 1)

	assert.True(t, trigger.Fire())
	require.NoError(t, queue.Shutdown(context.Background()))

	assert.Equal(t, 3, source.vectorizedCount())
	assert.False(t, trigger.Fire(), "closed queue rejects the run")
}

type rejectingQueue struct{}

func (rejectingQueue) Submit(string, tasks.Func) bool { return false }

func TestTriggerResetsWhenRejected(t *testing.T) {
	p, _ := newTestPipeline(t, newMemorySource(1), &fakeEmbedder{}, testConfig())
	trigger := NewTrigger(p, rejectingQueue{}, 1)

	assert.False(t, trigger.Fire())
	assert.False(t, trigger.pending.Load())
}

func TestNewSchedulerValidatesCron(t *testing.T) {
	p, _ := newTestPipeline(t, newMemorySource(0), &fakeEmbedder{}, testConfig())

	_, err := NewScheduler(p, "not a cron", 1, zap.NewNop())
	assert.Error(t, err)

	s, err := NewScheduler(p, "*/5 * * * *", 1, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
