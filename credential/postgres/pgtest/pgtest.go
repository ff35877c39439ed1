//go:build integration

// Package pgtest starts a migrated PostgreSQL container for integration tests.
package pgtest

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/projectchat/chatauth/credential/postgres"
)

// Database is a running container with the credential schema applied.
type Database struct {
	URL  string
	Pool *pgxpool.Pool

	container *tcpostgres.PostgresContainer
}

// Start runs postgres:16-alpine, applies the embedded migrations and opens a pool.
func Start(ctx context.Context) (*Database, error) {
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("chatauth_test"),
		tcpostgres.WithUsername("chatauth"),
		tcpostgres.WithPassword("chatauth"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		return nil, oops.Code("PGTEST_START_FAILED").Wrap(err)
	}
	db := &Database{container: container}

	db.URL, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		db.Close(ctx)
		return nil, oops.Code("PGTEST_START_FAILED").With("operation", "connection string").Wrap(err)
	}

	migrator, err := postgres.NewMigrator(db.URL)
	if err != nil {
		db.Close(ctx)
		return nil, err
	}
	upErr := migrator.Up()
	closeErr := migrator.Close()
	if upErr != nil {
		db.Close(ctx)
		return nil, upErr
	}
	if closeErr != nil {
		db.Close(ctx)
		return nil, closeErr
	}

	db.Pool, err = pgxpool.New(ctx, db.URL)
	if err != nil {
		db.Close(ctx)
		return nil, oops.Code("PGTEST_START_FAILED").With("operation", "open pool").Wrap(err)
	}
	return db, nil
}

// Reset empties the credential table.
func (d *Database) Reset(ctx context.Context) error {
	_, err := d.Pool.Exec(ctx, `TRUNCATE refresh_credentials RESTART IDENTITY`)
	return err
}

// Close closes the pool and terminates the container.
func (d *Database) Close(ctx context.Context) {
	if d.Pool != nil {
		d.Pool.Close()
	}
	if d.container != nil {
		_ = d.container.Terminate(ctx) //nolint:errcheck // best-effort teardown
	}
}
