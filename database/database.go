// Package database connects the configured metadata backend and runs
// its migrations.
package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/capsulefs/capsule"
	"github.com/capsulefs/capsule/database/postgres"
	"github.com/capsulefs/capsule/database/sqlite"

	_ "modernc.org/sqlite" // SQLite driver
)

// Config selects a metadata backend.
type Config struct {
	// Type is the database type: "sqlite" or "postgres".
	Type string
	// DSN is the data source name (connection string).
	DSN string
}

// Connect opens the configured backend, runs migrations, and returns
// the store. The returned cleanup function closes the connection.
func Connect(ctx context.Context, cfg Config) (capsule.Store, func(), error) {
	switch cfg.Type {
	case "sqlite":
		return connectSQLite(ctx, cfg.DSN)
	case "postgres":
		return connectPostgres(ctx, cfg.DSN)
	default:
		return nil, nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

func connectSQLite(ctx context.Context, dsn string) (capsule.Store, func(), error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// Foreign keys are off by default in SQLite; the schema relies on
	// cascading deletes.
	if _, err = db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
	}

	if err = sqlite.Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate sqlite: %w", err)
	}

	store := sqlite.NewStore(db)
	cleanup := func() {
		_ = db.Close()
	}
	return store, cleanup, nil
}

func connectPostgres(ctx context.Context, dsn string) (capsule.Store, func(), error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err = postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate postgres: %w", err)
	}

	return postgres.NewStore(pool), pool.Close, nil
}
