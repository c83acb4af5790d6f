// Package db provides the device-local SQLite store backing the core's
// persisted key/value state.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// FileName is the database file created inside the data directory.
const FileName = "circle.db"

// DB wraps the sql.DB with Circle-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the SQLite database in dataDir and applies pending migrations.
// The database is opened with WAL mode and a single connection, so the
// background task and foreground calls never interleave writes.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, FileName))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't support multiple writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	migrator := NewMigrator(db, Migrations())
	if err := migrator.Initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	if err := migrator.Up(); err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
