package sqlite

import (
	"context"
	"database/sql"
	"fmt"
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
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			path TEXT NOT NULL UNIQUE,
			capacity INTEGER NOT NULL,
			used INTEGER NOT NULL DEFAULT 0,
			is_default INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		down: `DROP TABLE IF EXISTS volumes`,
	},
	{
		name: "users",
		up: `CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			full_name TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL DEFAULT 'user',
			access_key TEXT NOT NULL,
			secret_key TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		down: `DROP TABLE IF EXISTS users`,
	},
	{
		name: "buckets",
		up: `CREATE TABLE IF NOT EXISTS buckets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			volume_id INTEGER NOT NULL REFERENCES volumes(id),
			owner_id INTEGER,
			access_key TEXT NOT NULL,
			secret_key TEXT NOT NULL,
			versioning_enabled INTEGER NOT NULL DEFAULT 0,
			encryption_enabled INTEGER NOT NULL DEFAULT 0,
			encryption_type TEXT NOT NULL DEFAULT '',
			encryption_key TEXT NOT NULL DEFAULT '',
			policy TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		down: `DROP TABLE IF EXISTS buckets`,
	},
	{
		name: "object_locations",
		up: `CREATE TABLE IF NOT EXISTS object_locations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bucket_id INTEGER NOT NULL REFERENCES buckets(id) ON DELETE CASCADE,
			object_key TEXT NOT NULL,
			volume_id INTEGER NOT NULL REFERENCES volumes(id),
			file_path TEXT NOT NULL,
			size INTEGER NOT NULL DEFAULT 0,
			etag TEXT NOT NULL DEFAULT '',
			content_type TEXT NOT NULL DEFAULT '',
			version_id TEXT NOT NULL DEFAULT '',
			is_latest INTEGER NOT NULL DEFAULT 1,
			metadata TEXT NOT NULL DEFAULT '',
			encryption TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		down: `DROP TABLE IF EXISTS object_locations`,
	},
	{
		name: "object_versions",
		up: `CREATE TABLE IF NOT EXISTS object_versions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bucket_id INTEGER NOT NULL REFERENCES buckets(id) ON DELETE CASCADE,
			object_key TEXT NOT NULL,
			version_id TEXT NOT NULL,
			location_id INTEGER REFERENCES object_locations(id) ON DELETE SET NULL,
			is_latest INTEGER NOT NULL DEFAULT 0,
			is_delete_marker INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0,
			etag TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			deleted_at TEXT,
			UNIQUE (bucket_id, object_key, version_id)
		)`,
		down: `DROP TABLE IF EXISTS object_versions`,
	},
	{
		name: "multipart_uploads",
		up: `CREATE TABLE IF NOT EXISTS multipart_uploads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			upload_id TEXT NOT NULL UNIQUE,
			bucket_id INTEGER NOT NULL REFERENCES buckets(id) ON DELETE CASCADE,
			object_key TEXT NOT NULL,
			content_type TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '',
			initiated_at TEXT NOT NULL
		)`,
		down: `DROP TABLE IF EXISTS multipart_uploads`,
	},
	{
		name: "upload_parts",
		up: `CREATE TABLE IF NOT EXISTS upload_parts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			upload_id TEXT NOT NULL REFERENCES multipart_uploads(upload_id) ON DELETE CASCADE,
			part_number INTEGER NOT NULL,
			etag TEXT NOT NULL,
			size INTEGER NOT NULL,
			file_path TEXT NOT NULL DEFAULT '',
			uploaded_at TEXT NOT NULL,
			UNIQUE (upload_id, part_number)
		)`,
		down: `DROP TABLE IF EXISTS upload_parts`,
	},
	{
		name: "event_notifications",
		up: `CREATE TABLE IF NOT EXISTS event_notifications (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bucket_id INTEGER NOT NULL REFERENCES buckets(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			webhook_url TEXT NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL
		)`,
		down: `DROP TABLE IF EXISTS event_notifications`,
	},
	{
		name: "bucket_cors",
		up: `CREATE TABLE IF NOT EXISTS bucket_cors (
			bucket_id INTEGER PRIMARY KEY REFERENCES buckets(id) ON DELETE CASCADE,
			rules TEXT NOT NULL,
			updated_at TEXT NOT NULL
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
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, m := range migrations {
		if _, err := db.ExecContext(ctx, m.up); err != nil {
			return fmt.Errorf("migrate up %s: %w", m.name, err)
		}
	}
	for _, idx := range indexes {
		if _, err := db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

// DropTables tears the schema down in reverse dependency order.
func DropTables(ctx context.Context, db *sql.DB) error {
	for i := len(migrations) - 1; i >= 0; i-- {
		if _, err := db.ExecContext(ctx, migrations[i].down); err != nil {
			return fmt.Errorf("migrate down %s: %w", migrations[i].name, err)
		}
	}
	return nil
}
