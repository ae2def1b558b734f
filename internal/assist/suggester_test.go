package assist

import (
	"context"
	"errors"
	"testing"

	apperrors "github.com/Alexander-D-Karpov/parley/internal/common/errors"
	"github.com/Alexander-D-Karpov/parley/internal/retrieval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubStyle struct {
	context string
	got     retrieval.Filters
}

func (s *stubStyle) StyleContext(_ context.Context, _ string, filters retrieval.Filters, _ int) string {
	s.got = filters
	return s.context
}

type recordingGenerator struct {
	system, prompt string
	reply          string
	err            error
}

func (g *recordingGenerator) Generate(_ context.Context, system, prompt string) (string, error) {
	g.system, g.prompt = system, prompt
	return g.reply, g.err
}

func TestSuggestReplyUsesStyle(t *testing.T) {
	style := &stubStyle{context: "Ada (2024-01-01T00:00:00Z): sure thing!"}
	gen := &recordingGenerator{reply: "sure thing, see you then!"}
	s := NewSuggester(style, gen, 5, zap.NewNop())

	reply, err := s.SuggestReply(context.Background(), "u1", "lunch at noon?", retrieval.Filters{ChannelID: "c1", AuthorID: "someone-else"})
	require.NoError(t, err)
	assert.Equal(t, "sure thing, see you then!", reply)

	assert.Equal(t, "u1", style.got.AuthorID)
	assert.Equal(t, "c1", style.got.ChannelID)
	assert.Contains(t, gen.prompt, "Ada (2024-01-01T00:00:00Z): sure thing!")
	assert.Contains(t, gen.prompt, "lunch at noon?")
	assert.NotEmpty(t, gen.system)
}

func TestSuggestReplyWithoutStyle(t *testing.T) {
	gen := &recordingGenerator{reply: "ok"}
	s := NewSuggester(&stubStyle{}, gen, 5, zap.NewNop())

	_, err := s.SuggestReply(context.Background(), "u1", "hello", retrieval.Filters{})
	require.NoError(t, err)
	assert.NotContains(t, gen.prompt, "Examples")
	assert.Contains(t, gen.prompt, "hello")
}

func TestSuggestReplyErrors(t *testing.T) {
	s := NewSuggester(&stubStyle{}, &recordingGenerator{err: errors.New("quota")}, 5, zap.NewNop())

	_, err := s.SuggestReply(context.Background(), "", "hello", retrieval.Filters{})
	assert.True(t, apperrors.IsBadRequest(err))

	_, err = s.SuggestReply(context.Background(), "u1", " ", retrieval.Filters{})
	assert.True(t, apperrors.IsBadRequest(err))

	_, err = s.SuggestReply(context.Background(), "u1", "hello", retrieval.Filters{})
	assert.ErrorContains(t, err, "quota")
}
