package assist

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/Alexander-D-Karpov/parley/internal/common/errors"
	"github.com/Alexander-D-Karpov/parley/internal/retrieval"
	"go.uber.org/zap"
)

const systemInstruction = `You draft chat replies on behalf of a user. Match the tone, length, ` +
	`punctuation and vocabulary of their past messages. Reply with the message text only.`

// StyleSource supplies few-shot examples of a user's writing.
type StyleSource interface {
	StyleContext(ctx context.Context, prompt string, filters retrieval.Filters, topK int) string
}

type Suggester struct {
	style     StyleSource
	generator Generator
	topK      int
	logger    *zap.Logger
}

func NewSuggester(style StyleSource, generator Generator, topK int, logger *zap.Logger) *Suggester {
	return &Suggester{style: style, generator: generator, topK: topK, logger: logger}
}

// SuggestReply drafts userID's answer to incoming. Filters narrow the style
// examples to a channel or workspace; the author is always userID.
func (s *Suggester) SuggestReply(ctx context.Context, userID, incoming string, filters retrieval.Filters) (string, error) {
	if userID == "" {
		return "", apperrors.BadRequest("user_id is required")
	}
	if strings.TrimSpace(incoming) == "" {
		return "", apperrors.BadRequest("incoming message is required")
	}

	filters.AuthorID = userID
	style := s.style.StyleContext(ctx, incoming, filters, s.topK)

	reply, err := s.generator.Generate(ctx, systemInstruction, BuildPrompt(style, incoming))
	if err != nil {
		return "", fmt.Errorf("generate reply: %w", err)
	}

	s.logger.Debug("reply suggested",
		zap.String("user_id", userID),
		zap.Bool("has_style", style != ""),
		zap.Int("reply_length", len(reply)),
	)
	return reply, nil
}

func BuildPrompt(style, incoming string) string {
	var b strings.Builder
	if style != "" {
		b.WriteString("Examples of how I write:\n")
		b.WriteString(style)
		b.WriteString("\n\n")
	}
	b.WriteString("Reply to this message in my voice:\n")
	b.WriteString(incoming)
	return b.String()
}
