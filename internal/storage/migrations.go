package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 4

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Fingerprint history",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS fingerprints (
					user TEXT NOT NULL,
					source TEXT NOT NULL,
					fingerprint TEXT NOT NULL,
					first_seen DATETIME NOT NULL,
					search_term TEXT,
					PRIMARY KEY (user, source, fingerprint)
				)`,
				`CREATE INDEX idx_fingerprints_user_source ON fingerprints(user, source)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "Accounts and append-only ledger",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS accounts (
					user TEXT PRIMARY KEY,
					kind TEXT NOT NULL,
					cap INTEGER NOT NULL DEFAULT 0,
					used INTEGER NOT NULL DEFAULT 0,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
					CHECK (used >= 0)
				)`,

				`CREATE TABLE IF NOT EXISTS ledger (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					user TEXT NOT NULL,
					type TEXT NOT NULL,
					amount INTEGER NOT NULL,
					source TEXT,
					session_id TEXT,
					reason TEXT,
					external_ref TEXT,
					created_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
				`CREATE INDEX idx_ledger_user ON ledger(user)`,
				// One debit per (user, session, source); credits are unconstrained
				`CREATE UNIQUE INDEX idx_ledger_debit_once
					ON ledger(user, session_id, source)
					WHERE type = 'debit'`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     3,
		Description: "Session summaries and cumulative stats",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS sessions (
					session_id TEXT PRIMARY KEY,
					user TEXT NOT NULL,
					search_term TEXT,
					timestamp DATETIME NOT NULL,
					sources_run TEXT,
					per_source_leads TEXT,
					total_raw INTEGER NOT NULL DEFAULT 0,
					total_unique INTEGER NOT NULL DEFAULT 0,
					counted_leads INTEGER NOT NULL DEFAULT 0,
					duration_seconds REAL NOT NULL DEFAULT 0,
					success_count INTEGER NOT NULL DEFAULT 0,
					attempted_count INTEGER NOT NULL DEFAULT 0,
					unresolved_sources TEXT
				)`,
				`CREATE INDEX idx_sessions_user ON sessions(user)`,

				`CREATE TABLE IF NOT EXISTS user_stats (
					user TEXT PRIMARY KEY,
					total_leads INTEGER NOT NULL DEFAULT 0,
					campaigns INTEGER NOT NULL DEFAULT 0,
					credits_used INTEGER NOT NULL DEFAULT 0,
					last_session_id TEXT
				)`,

				`CREATE TABLE IF NOT EXISTS source_stats (
					user TEXT NOT NULL,
					source TEXT NOT NULL,
					leads INTEGER NOT NULL DEFAULT 0,
					last_run DATETIME,
					PRIMARY KEY (user, source)
				)`,

				// Guards cumulative-stats merges against replay
				`CREATE TABLE IF NOT EXISTS applied_sessions (
					session_id TEXT PRIMARY KEY,
					user TEXT NOT NULL,
					applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
				)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query: %w", err)
				}
			}
			return nil
		},
	},
	{
		Version:     4,
		Description: "Track weak (name-only) fingerprints for observability",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`ALTER TABLE fingerprints ADD COLUMN weak INTEGER NOT NULL DEFAULT 0`)
			return err
		},
	},
}

// Migrate runs all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	var currentVersion int
	if err := s.db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion); err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		slog.Info("Applying migration",
			"version", migration.Version,
			"description", migration.Description)

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration transaction: %w", err)
		}

		if err := migration.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}

		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to set schema version %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
