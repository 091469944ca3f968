package database

import "fmt"

// schemaMigrationsTable tracks applied schema versions.
const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    applied_at INTEGER NOT NULL,
    description TEXT
);
`

// initialSchema contains the initial database schema (version 1).
//
// Conventions: ids are ULID strings, timestamps are Unix epoch milliseconds,
// booleans are 0/1 integers, and params/input/output are JSON text.
const initialSchema = `
-- devices: consumer profiles with per-device constraints
CREATE TABLE IF NOT EXISTS devices (
    id TEXT PRIMARY KEY,
    enabled INTEGER NOT NULL DEFAULT 1,
    name TEXT NOT NULL,
    slug TEXT NOT NULL UNIQUE,
    width INTEGER NOT NULL,
    height INTEGER NOT NULL,
    aspect_ratio_tolerance REAL NOT NULL DEFAULT 0,
    min_width INTEGER,
    max_width INTEGER,
    min_height INTEGER,
    max_height INTEGER,
    min_filesize INTEGER,
    max_filesize INTEGER,
    nsfw_policy INTEGER NOT NULL DEFAULT 1,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    CHECK (width > 0),
    CHECK (height > 0),
    CHECK (aspect_ratio_tolerance >= 0),
    CHECK (nsfw_policy IN (0, 1, 2)),
    CHECK (enabled IN (0, 1))
);

-- sources: upstream configurations bound to a registered adapter kind
CREATE TABLE IF NOT EXISTS sources (
    id TEXT PRIMARY KEY,
    enabled INTEGER NOT NULL DEFAULT 1,
    name TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    params TEXT NOT NULL DEFAULT '{}',
    lookup_limit INTEGER NOT NULL DEFAULT 100,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    CHECK (lookup_limit > 0),
    CHECK (enabled IN (0, 1))
);

-- schedules: cron bindings that materialize pending runs
CREATE TABLE IF NOT EXISTS schedules (
    id TEXT PRIMARY KEY,
    source_id TEXT NOT NULL,
    cron TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    FOREIGN KEY (source_id) REFERENCES sources(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_schedules_source_id ON schedules(source_id);

-- subscriptions: device <-> source associations
CREATE TABLE IF NOT EXISTS subscriptions (
    device_id TEXT NOT NULL,
    source_id TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,

    PRIMARY KEY (device_id, source_id),
    FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE CASCADE,
    FOREIGN KEY (source_id) REFERENCES sources(id) ON DELETE CASCADE,
    CHECK (enabled IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_subscriptions_source_id ON subscriptions(source_id);

-- runs: one execution attempt of a job
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    source_id TEXT,
    schedule_id TEXT,
    name TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'pending',
    input TEXT NOT NULL DEFAULT '{}',
    output TEXT NOT NULL DEFAULT '{}',
    error TEXT NOT NULL DEFAULT '',
    progress_current INTEGER NOT NULL DEFAULT 0,
    progress_total INTEGER NOT NULL DEFAULT 0,
    progress_message TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    max_retries INTEGER NOT NULL DEFAULT 3,
    scheduled_at INTEGER NOT NULL,
    started_at INTEGER,
    completed_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    FOREIGN KEY (source_id) REFERENCES sources(id) ON DELETE SET NULL,
    FOREIGN KEY (schedule_id) REFERENCES schedules(id) ON DELETE SET NULL,
    CHECK (state IN ('pending', 'running', 'completed', 'failed', 'cancelled')),
    CHECK (retry_count >= 0)
);

CREATE INDEX IF NOT EXISTS idx_runs_state_scheduled_at ON runs(state, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_runs_source_id ON runs(source_id);

-- images: canonical records of discovered assets
CREATE TABLE IF NOT EXISTS images (
    id TEXT PRIMARY KEY,
    source_id TEXT,
    website_url TEXT NOT NULL DEFAULT '',
    download_url TEXT NOT NULL UNIQUE,
    checksum TEXT NOT NULL DEFAULT '',
    width INTEGER NOT NULL,
    height INTEGER NOT NULL,
    aspect_ratio REAL NOT NULL,
    filesize INTEGER NOT NULL DEFAULT 0,
    format TEXT NOT NULL DEFAULT '',
    nsfw INTEGER NOT NULL DEFAULT 0,
    title TEXT NOT NULL DEFAULT '',
    author TEXT NOT NULL DEFAULT '',
    author_url TEXT NOT NULL DEFAULT '',
    source_created_at INTEGER,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,

    FOREIGN KEY (source_id) REFERENCES sources(id) ON DELETE CASCADE,
    CHECK (width > 0),
    CHECK (height > 0),
    CHECK (nsfw IN (0, 1))
);

CREATE INDEX IF NOT EXISTS idx_images_source_id ON images(source_id);
CREATE INDEX IF NOT EXISTS idx_images_checksum ON images(checksum);
CREATE INDEX IF NOT EXISTS idx_images_created_at ON images(created_at);

-- device_images: materializations of images onto devices
CREATE TABLE IF NOT EXISTS device_images (
    id TEXT PRIMARY KEY,
    device_id TEXT,
    image_id TEXT,
    local_path TEXT NOT NULL,
    created_at INTEGER NOT NULL,

    UNIQUE (device_id, image_id),
    FOREIGN KEY (device_id) REFERENCES devices(id) ON DELETE SET NULL,
    FOREIGN KEY (image_id) REFERENCES images(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_device_images_device_id ON device_images(device_id);
CREATE INDEX IF NOT EXISTS idx_device_images_image_id ON device_images(image_id);
`

// gallerySchema adds the secondary indexes used by the gallery filters
// (version 2).
const gallerySchema = `
CREATE INDEX IF NOT EXISTS idx_images_aspect_ratio ON images(aspect_ratio);
CREATE INDEX IF NOT EXISTS idx_images_nsfw ON images(nsfw);
`

type migration struct {
	version     int
	description string
	sql         string
}

// initSchema creates the database schema if it doesn't exist.
func (d *DB) initSchema() error {
	if _, err := d.db.Exec(schemaMigrationsTable); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	migrations := []migration{
		{version: 1, description: "Initial schema", sql: initialSchema},
		{version: 2, description: "Gallery filter indexes", sql: gallerySchema},
	}

	for _, m := range migrations {
		if err := d.runMigration(m); err != nil {
			return fmt.Errorf("migration %d failed: %w", m.version, err)
		}
	}
	return nil
}

func (d *DB) runMigration(m migration) error {
	var exists bool
	err := d.db.QueryRow("SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version = ?)", m.version).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}
	if exists {
		return nil
	}

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
		m.version, nowMS(), m.description); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}
