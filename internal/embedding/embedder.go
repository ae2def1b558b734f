package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Alexander-D-Karpov/parley/internal/observability"
)

var (
	ErrDimensionMismatch = errors.New("embedding dimension exceeds index dimension")
	ErrEmptyEmbedding    = errors.New("embedding service returned no values")
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Name() string
}

// Expand grows vec to target by repeating it cyclically. The result is a
// fresh slice in every successful case.
func Expand(vec []float32, target int) ([]float32, error) {
	if len(vec) == 0 {
		return nil, ErrEmptyEmbedding
	}
	if len(vec) > target {
		return nil, fmt.Errorf("%w: %d > %d", ErrDimensionMismatch, len(vec), target)
	}

	out := make([]float32, target)
	for i := 0; i < target; i += len(vec) {
		copy(out[i:], vec)
	}
	return out, nil
}

// Adapter wraps an Embedder so every vector it returns has the index
// dimension. Index-time and query-time callers must share the same target.
type Adapter struct {
	inner   Embedder
	target  int
	metrics *observability.Metrics
}

// NewAdapter returns an adapter expanding to target. A target of zero or
// less keeps the native dimension.
func NewAdapter(inner Embedder, target int, metrics *observability.Metrics) *Adapter {
	if target <= 0 {
		target = inner.Dimensions()
	}
	return &Adapter{inner: inner, target: target, metrics: metrics}
}

func (a *Adapter) Embed(ctx context.Context, text string) ([]float32, error) {
	start := time.Now()
	vec, err := a.inner.Embed(ctx, text)
	a.metrics.RecordEmbedding(a.inner.Name(), time.Since(start))
	if err != nil {
		return nil, err
	}
	return Expand(vec, a.target)
}

func (a *Adapter) Dimensions() int {
	return a.target
}

func (a *Adapter) Name() string {
	return a.inner.Name()
}
