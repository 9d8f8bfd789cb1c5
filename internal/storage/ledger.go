package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/the-leads-must-flow/internal/common"
	"github.com/Veraticus/the-leads-must-flow/internal/model"

	"github.com/mattn/go-sqlite3"
)

// isUniqueViolation reports whether an error came from a UNIQUE constraint.
func isUniqueViolation(err error) bool {
	if sqliteErr, ok := err.(sqlite3.Error); ok {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// AppendTransaction appends one immutable entry to the ledger. A second
// debit for the same (user, session, source) is rejected with
// common.ErrDuplicateDebit; the caller treats it as already applied.
func (s *SQLiteStorage) AppendTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateTransaction(txn); err != nil {
		return nil, err
	}
	return appendTransaction(ctx, s.db, txn)
}

func appendTransaction(ctx context.Context, db dbtx, txn *model.Transaction) (*model.Transaction, error) {
	createdAt := txn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO ledger (user, type, amount, source, session_id, reason, external_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, txn.User, string(txn.Type), txn.Amount, string(txn.Source), txn.SessionID,
		txn.Reason, txn.ExternalRef, createdAt)
	if err != nil {
		if txn.Type == model.TypeDebit && isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: session %s source %s",
				common.ErrDuplicateDebit, txn.SessionID, txn.Source)
		}
		return nil, fmt.Errorf("failed to append transaction: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction id: %w", err)
	}

	saved := *txn
	saved.ID = id
	saved.CreatedAt = createdAt
	return &saved, nil
}

// HasDebit reports whether a debit is already recorded for the
// (user, session, source) key.
func (s *SQLiteStorage) HasDebit(ctx context.Context, user, sessionID string, source model.Source) (bool, error) {
	if err := validateContext(ctx); err != nil {
		return false, err
	}
	if err := validateStoreKey(user, source); err != nil {
		return false, err
	}
	return hasDebit(ctx, s.db, user, sessionID, source)
}

func hasDebit(ctx context.Context, db dbtx, user, sessionID string, source model.Source) (bool, error) {
	var count int64
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger
		WHERE user = ? AND session_id = ? AND source = ? AND type = ?
	`, user, sessionID, string(source), string(model.TypeDebit)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check debit: %w", err)
	}
	return count > 0, nil
}

// GetTransactionsBySession returns the ledger entries a session produced.
func (s *SQLiteStorage) GetTransactionsBySession(ctx context.Context, user, sessionID string) ([]model.Transaction, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(sessionID, "sessionID"); err != nil {
		return nil, err
	}
	return getTransactionsBySession(ctx, s.db, user, sessionID)
}

func getTransactionsBySession(ctx context.Context, db dbtx, user, sessionID string) ([]model.Transaction, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, user, type, amount, source, session_id, reason, external_ref, created_at
		FROM ledger
		WHERE user = ? AND session_id = ?
		ORDER BY id
	`, user, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query session transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var transactions []model.Transaction
	for rows.Next() {
		var txn model.Transaction
		var txnType, source string
		if err := rows.Scan(&txn.ID, &txn.User, &txnType, &txn.Amount, &source,
			&txn.SessionID, &txn.Reason, &txn.ExternalRef, &txn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		txn.Type = model.TransactionType(txnType)
		txn.Source = model.Source(source)
		transactions = append(transactions, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}

	return transactions, nil
}

// GetBalance derives a user's current credit balance by folding the ledger:
// sum of credits minus sum of debits. The balance is never stored in place.
func (s *SQLiteStorage) GetBalance(ctx context.Context, user string) (int64, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if err := validateString(user, "user"); err != nil {
		return 0, err
	}
	return getBalance(ctx, s.db, user)
}

func getBalance(ctx context.Context, db dbtx, user string) (int64, error) {
	var balance int64
	err := db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN type = ? THEN amount ELSE -amount END), 0)
		FROM ledger WHERE user = ?
	`, string(model.TypeCredit), user).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("failed to fold balance: %w", err)
	}
	return balance, nil
}
