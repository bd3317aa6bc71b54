package state

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// migration is a single schema step, applied exactly once and tracked in schema_version.
type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "namespaced key/value state",
		SQL: `
		CREATE TABLE IF NOT EXISTS kv (
			namespace   TEXT NOT NULL,
			key         TEXT NOT NULL,
			value       TEXT NOT NULL,
			updated_at  TEXT NOT NULL,
			PRIMARY KEY (namespace, key)
		);
		`,
	},
	{
		Version:     2,
		Description: "token usage ledger",
		SQL: `
		CREATE TABLE IF NOT EXISTS usage (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			agent         TEXT NOT NULL,
			model         TEXT NOT NULL,
			input_tokens  INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			timestamp     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_time ON usage(timestamp);
		`,
	},
	{
		Version:     3,
		Description: "delegation audit trail",
		SQL: `
		CREATE TABLE IF NOT EXISTS delegation_audit (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			from_agent  TEXT NOT NULL,
			to_agent    TEXT NOT NULL,
			task        TEXT NOT NULL,
			status      TEXT NOT NULL,
			result      TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,
			timestamp   TEXT NOT NULL
		);
		`,
	},
}

// schemaVersion is the version a fully migrated database reports.
var schemaVersion = migrations[len(migrations)-1].Version

// RunMigrations applies all pending schema migrations in order.
func RunMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT,
			applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := SchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Debug("applying migration", "version", m.Version, "description", m.Description)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(
			"INSERT OR REPLACE INTO schema_version (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration, or 0 for a fresh database.
func SchemaVersion(db *sql.DB) (int, error) {
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query schema_version table: %w", err)
	}

	var version int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return version, nil
}
