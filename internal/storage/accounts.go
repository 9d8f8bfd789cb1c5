package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/the-leads-must-flow/internal/common"
	"github.com/Veraticus/the-leads-must-flow/internal/model"
)

// GetAccount fetches a user's resource account.
func (s *SQLiteStorage) GetAccount(ctx context.Context, user string) (*model.Account, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(user, "user"); err != nil {
		return nil, err
	}
	return getAccount(ctx, s.db, user)
}

func getAccount(ctx context.Context, db dbtx, user string) (*model.Account, error) {
	var account model.Account
	var kind string
	err := db.QueryRowContext(ctx, `
		SELECT user, kind, cap, used, created_at FROM accounts WHERE user = ?
	`, user).Scan(&account.User, &kind, &account.Cap, &account.Used, &account.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownAccount, user)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	account.Kind = model.AccountKind(kind)
	return &account, nil
}

// CreateAccount creates a resource account for a user. New users start on a
// trial allowance; the cap argument is ignored for balance accounts.
func (s *SQLiteStorage) CreateAccount(ctx context.Context, user string, kind model.AccountKind, cap int64) (*model.Account, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(user, "user"); err != nil {
		return nil, err
	}
	return createAccount(ctx, s.db, user, kind, cap)
}

func createAccount(ctx context.Context, db dbtx, user string, kind model.AccountKind, cap int64) (*model.Account, error) {
	if kind != model.KindAllowance && kind != model.KindBalance {
		return nil, fmt.Errorf("%w: account kind %q", common.ErrInvalidConfig, kind)
	}
	if kind == model.KindBalance {
		cap = 0
	}

	now := time.Now().UTC()
	_, err := db.ExecContext(ctx, `
		INSERT INTO accounts (user, kind, cap, used, created_at) VALUES (?, ?, ?, 0, ?)
	`, user, string(kind), cap, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("%w: account %s", common.ErrDuplicateEntry, user)
		}
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return &model.Account{
		User:      user,
		Kind:      kind,
		Cap:       cap,
		CreatedAt: now,
	}, nil
}

// UpgradeAccount switches a trial allowance account to a balance account.
// Upgrading a balance account is a no-op.
func (s *SQLiteStorage) UpgradeAccount(ctx context.Context, user string) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(user, "user"); err != nil {
		return err
	}
	return upgradeAccount(ctx, s.db, user)
}

func upgradeAccount(ctx context.Context, db dbtx, user string) error {
	result, err := db.ExecContext(ctx, `
		UPDATE accounts SET kind = ? WHERE user = ?
	`, string(model.KindBalance), user)
	if err != nil {
		return fmt.Errorf("failed to upgrade account: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check upgrade result: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", common.ErrUnknownAccount, user)
	}
	return nil
}

// RecordAllowanceUse advances an allowance account's used counter, clamped
// to the cap so the counter can never exceed it.
func (s *SQLiteStorage) RecordAllowanceUse(ctx context.Context, user string, amount int64) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateString(user, "user"); err != nil {
		return err
	}
	return recordAllowanceUse(ctx, s.db, user, amount)
}

func recordAllowanceUse(ctx context.Context, db dbtx, user string, amount int64) error {
	if amount < 0 {
		return fmt.Errorf("%w: negative allowance use", ErrInvalidTransaction)
	}
	result, err := db.ExecContext(ctx, `
		UPDATE accounts SET used = MIN(cap, used + ?) WHERE user = ? AND kind = ?
	`, amount, user, string(model.KindAllowance))
	if err != nil {
		return fmt.Errorf("failed to record allowance use: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check allowance update: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: allowance account %s", common.ErrUnknownAccount, user)
	}
	return nil
}
