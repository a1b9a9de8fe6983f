package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type tableMigration struct {
	name string
	up   string
	down string
}

// Order matters: children reference their parents by foreign key.
var migrations = []tableMigration{
	{
		name: "volumes",
		up: `CREATE TABLE IF NOT EXISTS volumes (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			path TEXT NOT NULL UNIQUE,
			capacity BIGINT NOT NULL,
			used BIGINT NOT NULL DEFAULT 0,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		down: `DROP TABLE IF EXISTS volumes`,
	},
	{
		name: "users",
		up: `CREATE TABLE IF NOT EXISTS users (
			id BIGSERIAL PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			full_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			access_key TEXT NOT NULL,
			secret_key TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		down: `DROP TABLE IF EXISTS users`,
	},
	{
		name: "buckets",
		up: `CREATE TABLE IF NOT EXISTS buckets (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			volume_id BIGINT NOT NULL REFERENCES volumes(id),
			owner_id BIGINT,
			access_key TEXT NOT NULL,
			secret_key TEXT NOT NULL,
			versioning_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			encryption_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			encryption_type TEXT NOT NULL DEFAULT '',
			encryption_key TEXT NOT NULL DEFAULT '',
			policy TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		down: `DROP TABLE IF EXISTS buckets`,
	},
	{
		name: "object_locations",
		up: `CREATE TABLE IF NOT EXISTS object_locations (
			id BIGSERIAL PRIMARY KEY,
			bucket_id BIGINT NOT NULL REFERENCES buckets(id) ON DELETE CASCADE,
			object_key TEXT NOT NULL,
			volume_id BIGINT NOT NULL REFERENCES volumes(id),
			file_path TEXT NOT NULL,
			size BIGINT NOT NULL DEFAULT 0,
			etag TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			version_id TEXT NOT NULL DEFAULT '',
			is_latest BOOLEAN NOT NULL DEFAULT TRUE,
			metadata TEXT NOT NULL DEFAULT '',
			encryption TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		)`,
		down: `DROP TABLE IF EXISTS object_locations`,
	},
	{
		name: "object_versions",
		up: `CREATE TABLE IF NOT EXISTS object_versions (
			id BIGSERIAL PRIMARY KEY,
			bucket_id BIGINT NOT NULL REFERENCES buckets(id) ON DELETE CASCADE,
			object_key TEXT NOT NULL,
			version_id TEXT NOT NULL,
			location_id BIGINT REFERENCES object_locations(id) ON DELETE SET NULL,
			is_latest BOOLEAN NOT NULL DEFAULT FALSE,
			is_delete_marker BOOLEAN NOT NULL DEFAULT FALSE,
			size BIGINT NOT NULL DEFAULT 0,
			etag TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			deleted_at TIMESTAMPTZ,
			UNIQUE (bucket_id, object_key, version_id)
		)`,
		down: `DROP TABLE IF EXISTS object_versions`,
	},
	{
		name: "multipart_uploads",
		up: `CREATE TABLE IF NOT EXISTS multipart_uploads (
			id BIGSERIAL PRIMARY KEY,
			upload_id TEXT NOT NULL UNIQUE,
			bucket_id BIGINT NOT NULL REFERENCES buckets(id) ON DELETE CASCADE,
			object_key TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			initiated_at TIMESTAMPTZ NOT NULL
		)`,
		down: `DROP TABLE IF EXISTS multipart_uploads`,
	},
	{
		name: "upload_parts",
		up: `CREATE TABLE IF NOT EXISTS upload_parts (
			id BIGSERIAL PRIMARY KEY,
			upload_id TEXT NOT NULL REFERENCES multipart_uploads(upload_id) ON DELETE CASCADE,
			part_number INTEGER NOT NULL,
			etag TEXT NOT NULL,
			size BIGINT NOT NULL,
			file_path TEXT NOT NULL DEFAULT '',
			uploaded_at TIMESTAMPTZ NOT NULL,
			UNIQUE (upload_id, part_number)
		)`,
		down: `DROP TABLE IF EXISTS upload_parts`,
	},
	{
		name: "event_notifications",
		up: `CREATE TABLE IF NOT EXISTS event_notifications (
			id BIGSERIAL PRIMARY KEY,
			bucket_id BIGINT NOT NULL REFERENCES buckets(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			webhook_url TEXT NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		down: `DROP TABLE IF EXISTS event_notifications`,
	},
	{
		name: "bucket_cors",
		up: `CREATE TABLE IF NOT EXISTS bucket_cors (
			bucket_id BIGINT PRIMARY KEY REFERENCES buckets(id) ON DELETE CASCADE,
			rules TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		down: `DROP TABLE IF EXISTS bucket_cors`,
	},
}

var indexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_object_locations_live ON object_locations (bucket_id, object_key, is_latest)`,
	`CREATE INDEX IF NOT EXISTS idx_object_locations_volume ON object_locations (volume_id)`,
	`CREATE INDEX IF NOT EXISTS idx_object_versions_key ON object_versions (bucket_id, object_key, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_upload_parts_upload ON upload_parts (upload_id, part_number)`,
	`CREATE INDEX IF NOT EXISTS idx_event_notifications_bucket ON event_notifications (bucket_id, is_active)`,
}

// Migrate creates the full schema. It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, m := range migrations {
		if _, err := pool.Exec(ctx, m.up); err != nil {
			return fmt.Errorf("migrate up %s: %w", m.name, err)
		}
	}
	for _, idx := range indexes {
		if _, err := pool.Exec(ctx, idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// DropTables tears the schema down in reverse dependency order.
func DropTables(ctx context.Context, pool *pgxpool.Pool) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		if _, err := pool.Exec(ctx, migrations[i].down); err != nil {
			return fmt.Errorf("migrate down %s: %w", migrations[i].name, err)
		}
	}
	return nil
}
