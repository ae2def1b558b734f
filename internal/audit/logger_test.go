package audit

import (
	"context"
	"testing"

	"github.com/Alexander-D-Karpov/parley/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogWithoutPoolOnlyLogs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	al := NewLogger(nil, zap.New(core))

	require.NoError(t, al.LogMessageDelete(context.Background(), "u1", "m1", "channel:c1"))

	entries := logs.FilterMessage("audit event").All()
	require.Len(t, entries, 1)
	assert.Equal(t, ActionMessageDelete, entries[0].ContextMap()["action"])
}

func TestLogPersistsEvents(t *testing.T) {
	database := testutil.GetDB(t)
	al := NewLogger(database.Pool, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, al.LogMessageEdit(ctx, "u1", "m-audit", 12))
	require.NoError(t, al.LogMessageDelete(ctx, "u1", "m-audit", "channel:c1"))

	actions, err := al.Actions(ctx, "message", "m-audit")
	require.NoError(t, err)
	assert.Equal(t, []string{ActionMessageEdit, ActionMessageDelete}, actions)
}
