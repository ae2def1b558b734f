package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/Alexander-D-Karpov/parley/internal/common/config"
	"github.com/Alexander-D-Karpov/parley/internal/infra/db"
	"github.com/Alexander-D-Karpov/parley/internal/infra/migrations"
	"github.com/stretchr/testify/require"
)

var (
	dbOnce         sync.Once
	sharedDB       *db.DB
	dbErr          error
	migrationsDone bool
	mu             sync.Mutex
)

// Stable advisory lock so only one package resets/runs migrations at a time.
const advisoryLockID int64 = 0x70_61_72_6C_65_79

func databaseConfig() config.DatabaseConfig {
	port, err := strconv.Atoi(envOr("TEST_DB_PORT", "5432"))
	if err != nil {
		port = 5432
	}
	return config.DatabaseConfig{
		Host:            envOr("TEST_DB_HOST", "localhost"),
		Port:            port,
		User:            envOr("TEST_DB_USER", "postgres"),
		Password:        envOr("TEST_DB_PASSWORD", "postgres"),
		Database:        envOr("TEST_DB_NAME", "parley_test"),
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 5 * time.Minute,
	}
}

// GetDB returns a migrated, truncated database, or skips the test when
// Postgres is not reachable.
func GetDB(t *testing.T) *db.DB {
	t.Helper()

	mu.Lock()
	defer mu.Unlock()

	dbOnce.Do(func() {
		sharedDB, dbErr = db.New(databaseConfig(), nil)
	})
	if dbErr != nil {
		t.Skipf("testutil: Postgres not available (%v)", dbErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	conn, err := sharedDB.Pool.Acquire(ctx)
	require.NoError(t, err)
	defer conn.Release()

	_, err = conn.Exec(ctx, "SELECT pg_advisory_lock($1)", advisoryLockID)
	require.NoError(t, err)
	defer func() { _, _ = conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", advisoryLockID) }()

	if !migrationsDone {
		_, err = conn.Exec(ctx, `DROP SCHEMA IF EXISTS public CASCADE`)
		require.NoError(t, err)
		_, err = conn.Exec(ctx, `CREATE SCHEMA public`)
		require.NoError(t, err)

		require.NoError(t, migrations.Run(ctx, sharedDB.Pool), "failed to run migrations")
		migrationsDone = true
	}

	for _, table := range []string{"audit_events", "message_reactions", "messages", "members"} {
		if _, err := conn.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			t.Logf("testutil: failed to truncate %s: %v", table, err)
		}
	}

	return sharedDB
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
