// ABOUTME: Database schema migrations and version management.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// migration represents a single schema migration with version, name, and SQL statements.
type migration struct {
	version    int
	name       string
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "init_runs",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS runs (
				id TEXT PRIMARY KEY,
				host TEXT NOT NULL,
				port INTEGER NOT NULL,
				username TEXT NOT NULL,
				environment TEXT,
				provider TEXT,
				status TEXT NOT NULL,
				access_url TEXT,
				token_hash TEXT,
				error TEXT,
				warnings_json TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				finished_at TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
				ts TEXT NOT NULL,
				progress INTEGER NOT NULL,
				msg TEXT,
				extras_json TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at)`,
			`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
			`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id, id)`,
		},
	},
	{
		version: 2,
		name:    "add_runs_host_index",
		statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_runs_host ON runs(host, created_at)`,
		},
	},
}

// Migrate applies pending migrations in version order, one transaction each.
// It fails when the database records a version this binary does not know.
func Migrate(db *sql.DB) error {
	if db == nil {
		return errors.New("db is nil")
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := validateMigrations(); err != nil {
		return err
	}
	if err := ensureSchemaMigrations(db); err != nil {
		return err
	}
	applied, err := loadAppliedVersions(db)
	if err != nil {
		return err
	}
	if err := verifyKnownMigrations(applied); err != nil {
		return err
	}
	for _, m := range migrations {
		if _, ok := applied[m.version]; ok {
			continue
		}
		if err := applyMigration(db, m); err != nil {
			return err
		}
	}
	return nil
}

// ensureSchemaMigrations creates the version tracking table.
func ensureSchemaMigrations(db *sql.DB) error {
	_, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// loadAppliedVersions returns the set of versions already recorded.
func loadAppliedVersions(db *sql.DB) (map[int]struct{}, error) {
	rows, err := db.Query(`SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("list schema_migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[int]struct{})
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("scan schema_migrations: %w", err)
		}
		applied[version] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema_migrations: %w", err)
	}
	return applied, nil
}

// verifyKnownMigrations rejects databases carrying versions this binary does not know.
func verifyKnownMigrations(applied map[int]struct{}) error {
	known := make(map[int]struct{}, len(migrations))
	for _, m := range migrations {
		known[m.version] = struct{}{}
	}
	for version := range applied {
		if _, ok := known[version]; !ok {
			return fmt.Errorf("unknown schema migration version %d", version)
		}
	}
	return nil
}

// applyMigration runs one migration and records it in a single transaction.
func applyMigration(db *sql.DB, m migration) error {
	if len(m.statements) == 0 {
		return fmt.Errorf("migration %d has no statements", m.version)
	}
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.version, err)
	}
	for _, stmt := range m.statements {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		if _, err := tx.Exec(trimmed); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %d: %w", m.version, err)
		}
	}
	appliedAt := formatTime(time.Now())
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`, m.version, m.name, appliedAt); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}

func validateMigrations() error {
	if len(migrations) == 0 {
		return errors.New("no migrations defined")
	}
	seen := make(map[int]struct{}, len(migrations))
	prev := 0
	for _, m := range migrations {
		if m.version <= 0 {
			return fmt.Errorf("migration version must be positive: %d", m.version)
		}
		if _, ok := seen[m.version]; ok {
			return fmt.Errorf("duplicate migration version %d", m.version)
		}
		if m.version < prev {
			return fmt.Errorf("migration version %d is out of order", m.version)
		}
		if strings.TrimSpace(m.name) == "" {
			return fmt.Errorf("migration %d missing name", m.version)
		}
		seen[m.version] = struct{}{}
		prev = m.version
	}
	return nil
}
