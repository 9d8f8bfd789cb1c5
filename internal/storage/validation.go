package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Veraticus/the-leads-must-flow/internal/model"
)

// Validation errors.
var (
	ErrNilContext         = errors.New("context cannot be nil")
	ErrEmptyString        = errors.New("string parameter cannot be empty")
	ErrNilParameter       = errors.New("parameter cannot be nil")
	ErrInvalidSource      = errors.New("invalid source")
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidSummary     = errors.New("invalid session summary")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

// validateStoreKey validates a (user, source) partition key.
func validateStoreKey(user string, source model.Source) error {
	if err := validateString(user, "user"); err != nil {
		return err
	}
	if _, err := model.ParseSource(string(source)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	return nil
}

// validateTransaction validates a ledger entry before it is appended.
func validateTransaction(txn *model.Transaction) error {
	if txn == nil {
		return fmt.Errorf("%w: transaction", ErrNilParameter)
	}
	if err := validateString(txn.User, "user"); err != nil {
		return err
	}
	if txn.Amount < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvalidTransaction)
	}
	switch txn.Type {
	case model.TypeCredit:
		// Credits stand alone; no session linkage
	case model.TypeDebit:
		if txn.SessionID == "" {
			return fmt.Errorf("%w: debit missing session id", ErrInvalidTransaction)
		}
		if txn.Source == "" {
			return fmt.Errorf("%w: debit missing source", ErrInvalidTransaction)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, txn.Type)
	}
	return nil
}

// validateSummary validates a session summary before persistence.
func validateSummary(summary *model.SessionSummary) error {
	if summary == nil {
		return fmt.Errorf("%w: summary", ErrNilParameter)
	}
	if err := validateString(summary.SessionID, "sessionID"); err != nil {
		return err
	}
	if err := validateString(summary.User, "user"); err != nil {
		return err
	}
	if summary.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidSummary)
	}
	return nil
}
