// Package storage provides the data persistence layer for the leads application.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Veraticus/the-leads-must-flow/internal/model"
	"github.com/Veraticus/the-leads-must-flow/internal/service"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStorage implements the Storage interface using SQLite.
type SQLiteStorage struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStorage creates a new SQLite storage instance.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if err := validateString(dbPath, "dbPath"); err != nil {
		return nil, err
	}

	// Ensure directory exists
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite doesn't benefit from multiple connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStorage{
		db:     db,
		dbPath: dbPath,
	}, nil
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new database transaction.
func (s *SQLiteStorage) BeginTx(ctx context.Context) (service.Tx, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}

	return &sqliteTx{
		tx:      tx,
		storage: s,
	}, nil
}

// dbtx abstracts over *sql.DB and *sql.Tx so each query helper can run
// standalone or inside a transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	PrepareContext(ctx context.Context, query string) (*sql.Stmt, error)
}

// sqliteTx wraps sql.Tx to implement service.Tx.
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage
}

func (t *sqliteTx) Commit() error {
	return t.tx.Commit()
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// Tx methods delegate to the main storage with the transaction.
func (t *sqliteTx) HasFingerprints(ctx context.Context, user string, source model.Source, fingerprints []string) (map[string]bool, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateStoreKey(user, source); err != nil {
		return nil, err
	}
	return hasFingerprints(ctx, t.tx, user, source, fingerprints)
}

func (t *sqliteTx) SaveFingerprints(ctx context.Context, user string, source model.Source, fingerprints []model.StoredFingerprint) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateStoreKey(user, source); err != nil {
		return err
	}
	return saveFingerprints(ctx, t.tx, user, source, fingerprints)
}

func (t *sqliteTx) CountFingerprints(ctx context.Context, user string, source model.Source) (int64, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if err := validateStoreKey(user, source); err != nil {
		return 0, err
	}
	return countFingerprints(ctx, t.tx, user, source)
}

func (t *sqliteTx) PurgeFingerprints(ctx context.Context, user string, source model.Source) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateStoreKey(user, source); err != nil {
		return err
	}
	return purgeFingerprints(ctx, t.tx, user, source)
}

func (t *sqliteTx) GetAccount(ctx context.Context, user string) (*model.Account, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(user, "user"); err != nil {
		return nil, err
	}
	return getAccount(ctx, t.tx, user)
}

func (t *sqliteTx) CreateAccount(ctx context.Context, user string, kind model.AccountKind, cap int64) (*model.Account, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(user, "user"); err != nil {
		return nil, err
	}
	return createAccount(ctx, t.tx, user, kind, cap)
}

func (t *sqliteTx) UpgradeAccount(ctx context.Context, user string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(user, "user"); err != nil {
		return err
	}
	return upgradeAccount(ctx, t.tx, user)
}

func (t *sqliteTx) RecordAllowanceUse(ctx context.Context, user string, amount int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(user, "user"); err != nil {
		return err
	}
	return recordAllowanceUse(ctx, t.tx, user, amount)
}

func (t *sqliteTx) AppendTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateTransaction(txn); err != nil {
		return nil, err
	}
	return appendTransaction(ctx, t.tx, txn)
}

func (t *sqliteTx) HasDebit(ctx context.Context, user, sessionID string, source model.Source) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := validateStoreKey(user, source); err != nil {
		return false, err
	}
	return hasDebit(ctx, t.tx, user, sessionID, source)
}

func (t *sqliteTx) GetTransactionsBySession(ctx context.Context, user, sessionID string) ([]model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(sessionID, "sessionID"); err != nil {
		return nil, err
	}
	return getTransactionsBySession(ctx, t.tx, user, sessionID)
}

func (t *sqliteTx) GetBalance(ctx context.Context, user string) (int64, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if err := validateString(user, "user"); err != nil {
		return 0, err
	}
	return getBalance(ctx, t.tx, user)
}

func (t *sqliteTx) SaveSession(ctx context.Context, summary *model.SessionSummary) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateSummary(summary); err != nil {
		return err
	}
	return saveSession(ctx, t.tx, summary)
}

func (t *sqliteTx) GetSession(ctx context.Context, sessionID string) (*model.SessionSummary, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(sessionID, "sessionID"); err != nil {
		return nil, err
	}
	return getSession(ctx, t.tx, sessionID)
}

func (t *sqliteTx) GetCumulativeStats(ctx context.Context, user string) (*model.CumulativeStats, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(user, "user"); err != nil {
		return nil, err
	}
	return getCumulativeStats(ctx, t.tx, user)
}

func (t *sqliteTx) MergeSessionStats(ctx context.Context, summary *model.SessionSummary) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateSummary(summary); err != nil {
		return err
	}
	return mergeSessionStats(ctx, t.tx, summary)
}

func (t *sqliteTx) Migrate(_ context.Context) error {
	return fmt.Errorf("migrations cannot run inside a transaction")
}

func (t *sqliteTx) BeginTx(_ context.Context) (service.Tx, error) {
	return nil, fmt.Errorf("nested transactions are not supported")
}

func (t *sqliteTx) Close() error {
	return fmt.Errorf("cannot close storage from within a transaction")
}
