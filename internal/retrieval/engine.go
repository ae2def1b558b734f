package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Alexander-D-Karpov/parley/internal/common/errors"
	"github.com/Alexander-D-Karpov/parley/internal/embedding"
	"github.com/Alexander-D-Karpov/parley/internal/infra/cache"
	"github.com/Alexander-D-Karpov/parley/internal/observability"
	"github.com/Alexander-D-Karpov/parley/internal/vectorindex"
	"go.uber.org/zap"
)

const DefaultTopK = 5

// EmbeddingCachePrefix starts every cached prompt embedding key.
const EmbeddingCachePrefix = "parley:embedding:"

type Filters struct {
	AuthorID    string
	ChannelID   string
	WorkspaceID string
}

func (f Filters) indexFilter() vectorindex.Filter {
	return vectorindex.Filter{
		AuthorID:    f.AuthorID,
		ChannelID:   f.ChannelID,
		WorkspaceID: f.WorkspaceID,
	}
}

type Engine struct {
	embedder embedding.Embedder
	index    vectorindex.Index
	aside    *cache.AsidePattern
	cacheTTL time.Duration
	logger   *zap.Logger
	metrics  *observability.Metrics
}

func NewEngine(embedder embedding.Embedder, index vectorindex.Index, logger *zap.Logger, metrics *observability.Metrics) *Engine {
	return &Engine{
		embedder: embedder,
		index:    index,
		logger:   logger,
		metrics:  metrics,
	}
}

// WithCache keeps prompt embeddings in Redis for ttl.
func (e *Engine) WithCache(aside *cache.AsidePattern, ttl time.Duration) *Engine {
	e.aside = aside
	e.cacheTTL = ttl
	return e
}

// RetrieveContext returns the topK indexed messages most similar to prompt
// among those matching every filter, best first. No matches is not an error.
func (e *Engine) RetrieveContext(ctx context.Context, prompt string, filters Filters, topK int) ([]vectorindex.Match, error) {
	if filters.AuthorID == "" {
		e.metrics.RecordRetrieval("invalid", 0)
		return nil, apperrors.BadRequest("author_id is required")
	}
	if strings.TrimSpace(prompt) == "" {
		e.metrics.RecordRetrieval("invalid", 0)
		return nil, apperrors.BadRequest("prompt is required")
	}
	if topK <= 0 {
		topK = DefaultTopK
	}

	vec, err := e.embedPrompt(ctx, prompt)
	if err != nil {
		e.metrics.RecordRetrieval("failed", 0)
		return nil, fmt.Errorf("embed prompt: %w", err)
	}

	matches, err := e.index.Query(ctx, vec, topK, filters.indexFilter())
	if err != nil {
		e.metrics.RecordRetrieval("failed", 0)
		return nil, fmt.Errorf("query index: %w", err)
	}

	e.metrics.RecordRetrieval("success", len(matches))
	return matches, nil
}

func (e *Engine) embedPrompt(ctx context.Context, prompt string) ([]float32, error) {
	if e.aside == nil {
		return e.embedder.Embed(ctx, prompt)
	}

	vec, err := cache.GetOrLoad(ctx, e.aside, e.cacheKey(prompt), e.cacheTTL, func(ctx context.Context) ([]float32, error) {
		return e.embedder.Embed(ctx, prompt)
	})
	if err == nil {
		return vec, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	e.logger.Warn("embedding cache unavailable, embedding directly", zap.Error(err))
	return e.embedder.Embed(ctx, prompt)
}

func (e *Engine) cacheKey(prompt string) string {
	sum := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("%s%s:%d:%s", EmbeddingCachePrefix, e.embedder.Name(), e.embedder.Dimensions(), hex.EncodeToString(sum[:]))
}

// BuildStyleContext renders matches one per line as
// "<author> (<RFC 3339 UTC>): <content>", keeping their order.
func BuildStyleContext(matches []vectorindex.Match) string {
	lines := make([]string, 0, len(matches))
	for _, m := range matches {
		author := m.Metadata.AuthorName
		if author == "" {
			author = m.Metadata.AuthorID
		}
		lines = append(lines, fmt.Sprintf("%s (%s): %s",
			author,
			m.Metadata.CreatedAt.UTC().Format(time.RFC3339),
			m.Metadata.Content,
		))
	}
	return strings.Join(lines, "\n")
}

// StyleContext is RetrieveContext plus BuildStyleContext for callers that
// treat retrieval as optional: any failure yields an empty context.
func (e *Engine) StyleContext(ctx context.Context, prompt string, filters Filters, topK int) string {
	matches, err := e.RetrieveContext(ctx, prompt, filters, topK)
	if err != nil {
		e.logger.Warn("style context unavailable",
			zap.String("author_id", filters.AuthorID),
			zap.Error(err),
		)
		return ""
	}
	return BuildStyleContext(matches)
}
