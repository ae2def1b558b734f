package vectorindex

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// hnsw indexes are limited to 2000 dimensions for the vector type.
const maxHNSWDimensions = 2000

// PGVector stores embeddings in Postgres with the pgvector extension.
type PGVector struct {
	pool *pgxpool.Pool
	dims int
}

func NewPGVector(pool *pgxpool.Pool, dims int) (*PGVector, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("invalid index dimensions %d", dims)
	}
	return &PGVector{pool: pool, dims: dims}, nil
}

// EnsureSchema creates the extension and embeddings table. The column
// dimension is fixed at creation; changing it needs a manual migration.
func (p *PGVector) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS message_embeddings (
				id TEXT PRIMARY KEY,
				embedding vector(%d) NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				author_id TEXT NOT NULL,
				author_name TEXT NOT NULL DEFAULT '',
				channel_id TEXT NOT NULL DEFAULT '',
				workspace_id TEXT NOT NULL DEFAULT '',
				participants TEXT[] NOT NULL DEFAULT '{}',
				parent_id TEXT NOT NULL DEFAULT '',
				thread_id TEXT NOT NULL DEFAULT '',
				has_thread BOOLEAN NOT NULL DEFAULT FALSE,
				created_at TIMESTAMPTZ NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`, p.dims),
		`CREATE INDEX IF NOT EXISTS idx_message_embeddings_author ON message_embeddings (author_id, channel_id, workspace_id)`,
	}
	if p.dims <= maxHNSWDimensions {
		stmts = append(stmts,
			`CREATE INDEX IF NOT EXISTS idx_message_embeddings_hnsw ON message_embeddings USING hnsw (embedding vector_cosine_ops)`)
	}

	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure embeddings schema: %w", err)
		}
	}
	return nil
}

func (p *PGVector) Upsert(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rec := range records {
		if len(rec.Vector) != p.dims {
			return fmt.Errorf("%w: record %s has %d, index has %d", ErrDimension, rec.ID, len(rec.Vector), p.dims)
		}
		md := rec.Metadata
		participants := md.Participants
		if participants == nil {
			participants = []string{}
		}
		batch.Queue(`
			INSERT INTO message_embeddings (
				id, embedding, content, author_id, author_name, channel_id, workspace_id,
				participants, parent_id, thread_id, has_thread, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO UPDATE SET
				embedding = EXCLUDED.embedding,
				content = EXCLUDED.content,
				author_id = EXCLUDED.author_id,
				author_name = EXCLUDED.author_name,
				channel_id = EXCLUDED.channel_id,
				workspace_id = EXCLUDED.workspace_id,
				participants = EXCLUDED.participants,
				parent_id = EXCLUDED.parent_id,
				thread_id = EXCLUDED.thread_id,
				has_thread = EXCLUDED.has_thread,
				created_at = EXCLUDED.created_at,
				updated_at = EXCLUDED.updated_at
		`,
			rec.ID, pgvector.NewVector(rec.Vector), md.Content, md.AuthorID, md.AuthorName,
			md.ChannelID, md.WorkspaceID, participants, md.ParentID, md.ThreadID, md.HasThread,
			md.CreatedAt, md.UpdatedAt,
		)
	}

	return pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("upsert embeddings: %w", err)
		}
		return nil
	})
}

func (p *PGVector) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	if len(vector) != p.dims {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimension, len(vector), p.dims)
	}
	if topK <= 0 {
		return nil, nil
	}

	rows, err := p.pool.Query(ctx, `
		SELECT id, 1 - (embedding <=> $1) AS score,
		       content, author_id, author_name, channel_id, workspace_id, participants,
		       parent_id, thread_id, has_thread, created_at, updated_at
		FROM message_embeddings
		WHERE ($2::text = '' OR author_id = $2)
		  AND ($3::text = '' OR channel_id = $3)
		  AND ($4::text = '' OR workspace_id = $4)
		ORDER BY embedding <=> $1, id
		LIMIT $5
	`, pgvector.NewVector(vector), filter.AuthorID, filter.ChannelID, filter.WorkspaceID, topK)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var (
			m     Match
			score float64
		)
		if err := rows.Scan(
			&m.ID, &score,
			&m.Metadata.Content, &m.Metadata.AuthorID, &m.Metadata.AuthorName,
			&m.Metadata.ChannelID, &m.Metadata.WorkspaceID, &m.Metadata.Participants,
			&m.Metadata.ParentID, &m.Metadata.ThreadID, &m.Metadata.HasThread,
			&m.Metadata.CreatedAt, &m.Metadata.UpdatedAt,
		); err != nil {
			return nil, err
		}
		m.Score = float32(score)
		m.Metadata.CreatedAt = m.Metadata.CreatedAt.UTC()
		m.Metadata.UpdatedAt = m.Metadata.UpdatedAt.UTC()
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

func (p *PGVector) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx, `DELETE FROM message_embeddings WHERE id = ANY($1)`, ids)
	return err
}

func (p *PGVector) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
