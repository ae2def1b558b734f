package vectorindex

import (
	"context"
	"testing"

	"github.com/Alexander-D-Karpov/parley/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPGVector(t *testing.T) *PGVector {
	t.Helper()
	database := testutil.GetDB(t)
	ctx := context.Background()

	idx, err := NewPGVector(database.Pool, 2)
	require.NoError(t, err)
	if err := idx.EnsureSchema(ctx); err != nil {
		t.Skipf("pgvector extension not available: %v", err)
	}
	_, err = database.Pool.Exec(ctx, `TRUNCATE TABLE message_embeddings`)
	require.NoError(t, err)
	return idx
}

func TestPGVectorUpsertQueryDelete(t *testing.T) {
	idx := newTestPGVector(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Record{
		record("near", "alice", "c1", 1, 0),
		record("far", "alice", "c1", 0, 1),
		record("other", "bob", "c1", 1, 0),
	}))

	matches, err := idx.Query(ctx, []float32{1, 0}, 5, Filter{AuthorID: "alice"})
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "near", matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-5)
	assert.Equal(t, "alice", matches[1].Metadata.AuthorID)

	again := record("near", "alice", "c1", 0, 1)
	again.Metadata.Content = "edited"
	require.NoError(t, idx.Upsert(ctx, []Record{again}))

	matches, err = idx.Query(ctx, []float32{0, 1}, 5, Filter{AuthorID: "alice", ChannelID: "c1"})
	require.NoError(t, err)
	require.Len(t, matches, 2)

	require.NoError(t, idx.Delete(ctx, []string{"near", "far"}))
	matches, err = idx.Query(ctx, []float32{1, 0}, 5, Filter{AuthorID: "alice"})
	require.NoError(t, err)
	assert.Empty(t, matches)
}
