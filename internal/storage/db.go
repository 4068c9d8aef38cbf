// Package storage keeps the hub's local SQLite database: finished calls and
// the last known presence of contacts.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"
)

var log = logging.Logger("chathub/storage")

// schemaVersion is stored in _meta and bumped with every migration.
const schemaVersion = "2"

// DB wraps the hub's SQLite database.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the database file at path. The parent directory is
// created if needed.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create meta table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS call_history (
			call_id        TEXT PRIMARY KEY,
			call_type      TEXT NOT NULL,
			initiator_id   TEXT NOT NULL,
			receiver_id    TEXT NOT NULL,
			participants   TEXT DEFAULT '[]',
			outgoing       INTEGER DEFAULT 0,
			state          TEXT NOT NULL,
			end_reason     TEXT DEFAULT '',
			created_at     INTEGER,
			connected_at   INTEGER,
			ended_at       INTEGER,
			duration_ms    INTEGER DEFAULT 0,
			quality_rating INTEGER DEFAULT 0
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call history table: %w", err)
	}

	// Migration: ended_at index for newest-first listing (schema 2)
	db.Exec(`CREATE INDEX IF NOT EXISTS call_history_ended ON call_history (ended_at)`)

	// Contacts are written on every presence update and never cleared just
	// because the contact goes offline.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS contacts (
			user_id   TEXT PRIMARY KEY,
			status    TEXT NOT NULL,
			activity  TEXT DEFAULT '',
			device    TEXT DEFAULT '',
			last_seen INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create contacts table: %w", err)
	}

	if _, err := db.Exec(`INSERT OR REPLACE INTO _meta (key, value) VALUES ('schema_version', ?)`, schemaVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("write schema version: %w", err)
	}

	log.Debugf("storage: opened %s", path)
	return &DB{db: db, path: path}, nil
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Meta returns a value from the _meta table, or "" if unset.
func (d *DB) Meta(key string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var v string
	if err := d.db.QueryRow(`SELECT value FROM _meta WHERE key = ?`, key).Scan(&v); err != nil {
		return ""
	}
	return v
}
