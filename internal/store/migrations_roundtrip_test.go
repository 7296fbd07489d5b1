package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/require"
)

func TestMigrationsRoundTripPostgres(t *testing.T) {
	dsn := testDatabaseURL(t)

	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, resetPublicSchema(ctx, db))

	migrationsDir := filepath.Join("..", "..", "db", "migrations")

	first, err := ApplyMigrations(ctx, db, migrationsDir)
	require.NoError(t, err)
	require.NotEmpty(t, first, "expected migrations to be applied on an empty schema")

	again, err := ApplyMigrations(ctx, db, migrationsDir)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, RollbackMigrations(ctx, db, migrationsDir))

	second, err := ApplyMigrations(ctx, db, migrationsDir)
	require.NoError(t, err)
	require.Len(t, second, len(first))
}

func testDatabaseURL(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("PARLOR_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("PARLOR_TEST_DATABASE_URL is not set")
	}
	return dsn
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}
