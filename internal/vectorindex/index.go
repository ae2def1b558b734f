package vectorindex

import (
	"context"
	"errors"
	"time"

	"github.com/Alexander-D-Karpov/parley/internal/messaging"
)

var ErrDimension = errors.New("vector dimension does not match index")

// Metadata mirrors enough of the source message to render it without a
// round trip to the primary store.
type Metadata struct {
	Content      string    `json:"content"`
	AuthorID     string    `json:"author_id"`
	AuthorName   string    `json:"author_name,omitempty"`
	ChannelID    string    `json:"channel_id,omitempty"`
	WorkspaceID  string    `json:"workspace_id,omitempty"`
	Participants []string  `json:"participants,omitempty"`
	ParentID     string    `json:"parent_id,omitempty"`
	ThreadID     string    `json:"thread_id,omitempty"`
	HasThread    bool      `json:"has_thread"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Record is keyed by the source message id; writing the same id again
// replaces it.
type Record struct {
	ID       string
	Vector   []float32
	Metadata Metadata
}

type Match struct {
	ID       string   `json:"id"`
	Score    float32  `json:"score"`
	Metadata Metadata `json:"metadata"`
}

// Filter is an exact-match conjunction. Empty fields are not constrained.
type Filter struct {
	AuthorID    string
	ChannelID   string
	WorkspaceID string
}

func (f Filter) Matches(m Metadata) bool {
	if f.AuthorID != "" && m.AuthorID != f.AuthorID {
		return false
	}
	if f.ChannelID != "" && m.ChannelID != f.ChannelID {
		return false
	}
	if f.WorkspaceID != "" && m.WorkspaceID != f.WorkspaceID {
		return false
	}
	return true
}

type Index interface {
	Upsert(ctx context.Context, records []Record) error
	Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error)
	Delete(ctx context.Context, ids []string) error
}

func NewRecord(msg messaging.Message, vector []float32) Record {
	return Record{
		ID:     msg.ID,
		Vector: vector,
		Metadata: Metadata{
			Content:      msg.Content,
			AuthorID:     msg.Author.ID,
			AuthorName:   msg.Author.Name,
			ChannelID:    msg.ChannelID,
			WorkspaceID:  msg.WorkspaceID,
			Participants: msg.Participants,
			ParentID:     msg.ParentID,
			ThreadID:     msg.ThreadID,
			HasThread:    msg.ParentID != "" || msg.ReplyCount > 0,
			CreatedAt:    msg.CreatedAt.UTC(),
			UpdatedAt:    msg.UpdatedAt.UTC(),
		},
	}
}
