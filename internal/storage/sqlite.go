// Package storage keeps the run history in a local SQLite database.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite file at dbPath and migrates it.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite only supports one writer; a single connection avoids SQLITE_BUSY
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			repository TEXT NOT NULL,
			trigger TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'running',
			error TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			finished_at DATETIME
		)`,
		`CREATE TABLE IF NOT EXISTS unit_results (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			source TEXT NOT NULL,
			unit TEXT NOT NULL,
			status TEXT NOT NULL,
			rows_read INTEGER NOT NULL DEFAULT 0,
			rows_committed INTEGER NOT NULL DEFAULT 0,
			rows_rejected INTEGER NOT NULL DEFAULT 0,
			failed_rows_json TEXT NOT NULL DEFAULT '{}',
			error TEXT NOT NULL DEFAULT '',
			started_at DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_unit_results_run ON unit_results(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_unit_results_unit ON unit_results(unit)`,
		`ALTER TABLE runs ADD COLUMN units INTEGER NOT NULL DEFAULT 0`,
	}

	for _, m := range migrations {
		if _, err := db.conn.Exec(m); err != nil {
			// ALTER TABLE fails if the column already exists
			if strings.Contains(m, "ALTER TABLE") && strings.Contains(err.Error(), "duplicate column") {
				continue
			}
			return fmt.Errorf("migration failed: %s: %w", m[:min(40, len(m))], err)
		}
	}
	return nil
}
