package database

import (
	"context"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/repoindex/repoindex/internal/common/logctx"
)

// TestPostgresEnv names the variable holding the key=value connection string of a server tests may create
// databases on, e.g. "host=localhost port=5432 user=postgres password=psw sslmode=disable".
const TestPostgresEnv = "REPOINDEX_TEST_POSTGRES"

// TestConnectionString returns the server tests should use, and false if Postgres tests are disabled.
func TestConnectionString() (string, bool) {
	s := os.Getenv(TestPostgresEnv)
	return s, s != ""
}

// WithTestDb creates a fresh database on connectionString, applies migrations and runs action against it. The
// database is dropped afterwards.
func WithTestDb(connectionString string, migrations []Migration, action func(db *pgxpool.Pool) error) error {
	ctx := logctx.Background()

	dbName := "test_" + uuid.NewString()[:8]
	admin, err := pgx.Connect(ctx, connectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer admin.Close(ctx)

	if _, err := admin.Exec(ctx, "CREATE DATABASE "+dbName); err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		_, err := admin.Exec(context.Background(),
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = '`+dbName+`';`)
		if err != nil {
			ctx.Log.WithError(err).Warn("Failed to disconnect users")
		}
		if _, err := admin.Exec(context.Background(), "DROP DATABASE "+dbName); err != nil {
			ctx.Log.WithError(err).Warn("Failed to drop database")
		}
	}()

	pool, err := pgxpool.New(ctx, connectionString+" dbname="+dbName)
	if err != nil {
		return errors.WithStack(err)
	}
	defer pool.Close()

	if err := UpdateDatabase(ctx, pool, migrations); err != nil {
		return err
	}
	return action(pool)
}
