package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

const DefaultModel = "gemini-embedding-001"

// GenAIEmbedder calls the Gemini embedding endpoint.
type GenAIEmbedder struct {
	client     *genai.Client
	model      string
	query      bool
	dimensions int
}

// NewGenAIEmbedder builds an embedder for indexed documents. Use ForQueries
// for the prompt side of the same index.
func NewGenAIEmbedder(ctx context.Context, apiKey, model string, dimensions int) (*GenAIEmbedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	if dimensions <= 0 {
		return nil, fmt.Errorf("invalid embedding dimensions %d", dimensions)
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIEmbedder{
		client:     client,
		model:      model,
		dimensions: dimensions,
	}, nil
}

func (e *GenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	dims := int32(e.dimensions)
	contents := []*genai.Content{
		genai.NewContentFromText(text, genai.RoleUser),
	}

	cfg := &genai.EmbedContentConfig{OutputDimensionality: &dims}
	if e.query {
		cfg.TaskType = "RETRIEVAL_QUERY"
	} else {
		cfg.TaskType = "RETRIEVAL_DOCUMENT"
	}

	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("GenAI embed failed: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, ErrEmptyEmbedding
	}
	return result.Embeddings[0].Values, nil
}

// ForQueries returns an embedder sharing the client that embeds search
// prompts rather than documents.
func (e *GenAIEmbedder) ForQueries() *GenAIEmbedder {
	q := *e
	q.query = true
	return &q
}

func (e *GenAIEmbedder) Dimensions() int {
	return e.dimensions
}

func (e *GenAIEmbedder) Name() string {
	return "genai:" + e.model
}

// Client exposes the underlying client so the generation side can share it.
func (e *GenAIEmbedder) Client() *genai.Client {
	return e.client
}
