// Package ledger gates and accounts for resource consumption across the
// concurrent harvest jobs of one user's session.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Veraticus/the-leads-must-flow/internal/common"
	"github.com/Veraticus/the-leads-must-flow/internal/model"
	"github.com/Veraticus/the-leads-must-flow/internal/service"
)

// Ledger wraps the persistent account and transaction state with the
// debit/credit policy. Availability checks and debits for one user are
// serialized through a per-user critical section; job execution and
// deduplication stay fully parallel around it.
type Ledger struct {
	storage   service.Storage
	userLocks map[string]*sync.Mutex
	mu        sync.Mutex
}

// New creates a ledger over the given storage.
func New(storage service.Storage) *Ledger {
	return &Ledger{
		storage:   storage,
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (l *Ledger) lockFor(user string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.userLocks[user]
	if !ok {
		lock = &sync.Mutex{}
		l.userLocks[user] = lock
	}
	return lock
}

// Available returns how much the user's account can still consume:
// remaining allowance for trial accounts, the ledger fold for balance ones.
func (l *Ledger) Available(ctx context.Context, user string) (*model.Account, int64, error) {
	account, err := l.storage.GetAccount(ctx, user)
	if err != nil {
		return nil, 0, err
	}
	switch account.Kind {
	case model.KindAllowance:
		return account, account.Available(), nil
	case model.KindBalance:
		balance, err := l.storage.GetBalance(ctx, user)
		if err != nil {
			return nil, 0, err
		}
		return account, balance, nil
	default:
		return nil, 0, fmt.Errorf("%w: account kind %q", common.ErrInvalidConfig, account.Kind)
	}
}

// Preflight decides, per requested source, whether it may run and under what
// cap, against the user's budget measured once at session start. Estimates
// are reserved from a shared pool in the given source order. Insufficient
// funds is a gating decision here, never a post-hoc error.
func (l *Ledger) Preflight(ctx context.Context, user string, sources []model.Source, estimates map[model.Source]int) (*PreflightResult, error) {
	lock := l.lockFor(user)
	lock.Lock()
	defer lock.Unlock()

	account, available, err := l.Available(ctx, user)
	if err != nil {
		return nil, err
	}

	result := &PreflightResult{
		Account:   account,
		Plans:     make(map[model.Source]SourcePlan, len(sources)),
		Available: available,
	}

	pool := available
	for _, source := range sources {
		estimated := estimates[source]
		plan := SourcePlan{Source: source, Estimated: estimated}

		switch {
		case pool <= 0:
			plan.Reason = "no budget remaining"
		case account.Kind == model.KindAllowance:
			// Trial sources run with their estimate silently capped to
			// whatever is left of the shared pool.
			plan.Allowed = true
			cap := int64(estimated)
			if cap > pool {
				cap = pool
			}
			plan.MaxLeads = int(cap)
			pool -= cap
		case int64(estimated) > pool:
			// Balance accounts reject in full rather than partially debit.
			plan.Reason = fmt.Sprintf("estimated %d leads exceeds %d remaining credits", estimated, pool)
		default:
			plan.Allowed = true
			plan.MaxLeads = estimated
			pool -= int64(estimated)
		}

		if plan.Allowed {
			result.Proceed = true
		} else {
			slog.Info("Source gated at pre-flight",
				"user", user,
				"source", source,
				"estimated", estimated,
				"reason", plan.Reason)
		}
		result.Plans[source] = plan
	}

	return result, nil
}

// DebitRequest asks for one source's accepted-lead consumption to be
// recorded against a session. Amount is the post-dedup count already capped
// by the finalizer's shared allowance pool.
type DebitRequest struct {
	User      string
	SessionID string
	Reason    string
	Source    model.Source
	Amount    int64
}

// Debit applies a single idempotent debit. Exactly one ledger entry exists
// per (user, session, source); re-invoking with the same key reports
// DebitAlreadyApplied without re-applying. On primary-path failure a direct
// fallback write is attempted; if that also fails the result is
// DebitUnresolved and the session still finalizes.
func (l *Ledger) Debit(ctx context.Context, req DebitRequest) DebitResult {
	if req.Amount <= 0 {
		return DebitResult{Outcome: DebitSkipped}
	}

	lock := l.lockFor(req.User)
	lock.Lock()
	defer lock.Unlock()

	applied, err := l.storage.HasDebit(ctx, req.User, req.SessionID, req.Source)
	if err == nil && applied {
		return DebitResult{Outcome: DebitAlreadyApplied}
	}
	if err != nil {
		slog.Warn("Debit idempotency check failed, relying on ledger constraint",
			"user", req.User,
			"session_id", req.SessionID,
			"source", req.Source,
			"error", err)
	}

	var txn *model.Transaction
	primaryErr := common.WithRetry(ctx, func() error {
		var debitErr error
		txn, debitErr = l.applyDebit(ctx, req)
		if debitErr != nil {
			if isDuplicate(debitErr) || errors.Is(debitErr, common.ErrAllowanceExhausted) {
				return &common.RetryableError{Err: debitErr, Retryable: false}
			}
			return &common.RetryableError{Err: debitErr, Retryable: true}
		}
		return nil
	}, service.RetryOptions{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2.0,
	})
	if primaryErr == nil {
		return DebitResult{Outcome: DebitApplied, Transaction: txn}
	}
	if isDuplicate(primaryErr) {
		return DebitResult{Outcome: DebitAlreadyApplied}
	}
	if errors.Is(primaryErr, common.ErrAllowanceExhausted) {
		// Nothing countable remains; not a reconciliation problem.
		return DebitResult{Outcome: DebitSkipped, Err: primaryErr}
	}

	slog.Warn("Primary debit path failed, attempting fallback",
		"user", req.User,
		"source", req.Source,
		"error", primaryErr)

	txn, fallbackErr := l.fallbackDebit(ctx, req)
	if fallbackErr == nil {
		return DebitResult{Outcome: DebitApplied, Transaction: txn}
	}
	if isDuplicate(fallbackErr) {
		return DebitResult{Outcome: DebitAlreadyApplied}
	}

	common.LogError(fallbackErr, "Debit unresolved, flagging for manual reconciliation", common.Fields{
		"user":       req.User,
		"session_id": req.SessionID,
		"source":     req.Source,
		"amount":     req.Amount,
	})
	return DebitResult{
		Outcome: DebitUnresolved,
		Err:     fmt.Errorf("primary: %w; fallback: %v", primaryErr, fallbackErr),
	}
}

// applyDebit is the primary path: transaction entry plus allowance counter
// advance inside one database transaction.
func (l *Ledger) applyDebit(ctx context.Context, req DebitRequest) (*model.Transaction, error) {
	account, err := l.storage.GetAccount(ctx, req.User)
	if err != nil {
		return nil, err
	}

	amount := req.Amount
	if account.Kind == model.KindAllowance {
		// Recorded consumption never exceeds the cap; leads beyond the
		// remaining allowance are still delivered, just not counted.
		if remaining := account.Available(); amount > remaining {
			amount = remaining
		}
		if amount == 0 {
			return nil, fmt.Errorf("%w: %s", common.ErrAllowanceExhausted, req.User)
		}
	}

	tx, err := l.storage.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	txn, err := tx.AppendTransaction(ctx, &model.Transaction{
		User:      req.User,
		Type:      model.TypeDebit,
		Amount:    amount,
		Source:    req.Source,
		SessionID: req.SessionID,
		Reason:    req.Reason,
	})
	if err != nil {
		return nil, err
	}

	if account.Kind == model.KindAllowance {
		if err := tx.RecordAllowanceUse(ctx, req.User, amount); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return txn, nil
}

// fallbackDebit re-reads current state and applies direct, untransacted
// writes. A crash between the two leaves the allowance counter behind the
// ledger, which the clamped counter absorbs on the next debit.
func (l *Ledger) fallbackDebit(ctx context.Context, req DebitRequest) (*model.Transaction, error) {
	account, err := l.storage.GetAccount(ctx, req.User)
	if err != nil {
		return nil, err
	}

	amount := req.Amount
	if account.Kind == model.KindAllowance {
		if remaining := account.Available(); amount > remaining {
			amount = remaining
		}
		if amount == 0 {
			return nil, fmt.Errorf("%w: %s", common.ErrAllowanceExhausted, req.User)
		}
	}

	txn, err := l.storage.AppendTransaction(ctx, &model.Transaction{
		User:      req.User,
		Type:      model.TypeDebit,
		Amount:    amount,
		Source:    req.Source,
		SessionID: req.SessionID,
		Reason:    req.Reason,
	})
	if err != nil {
		return nil, err
	}

	if account.Kind == model.KindAllowance {
		if err := l.storage.RecordAllowanceUse(ctx, req.User, amount); err != nil {
			slog.Warn("Allowance counter update failed after fallback debit",
				"user", req.User,
				"error", err)
		}
	}

	return txn, nil
}

// Credit ingests an external credit event, depositing funds independently of
// any session. Crediting a trial account upgrades it to a balance account;
// crediting an unknown user creates one.
func (l *Ledger) Credit(ctx context.Context, user string, amount int64, reason, externalRef string) (*model.Transaction, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: credit amount must be positive", common.ErrInvalidConfig)
	}

	lock := l.lockFor(user)
	lock.Lock()
	defer lock.Unlock()

	account, err := l.storage.GetAccount(ctx, user)
	switch {
	case err == nil && account.Kind == model.KindAllowance:
		if err := l.storage.UpgradeAccount(ctx, user); err != nil {
			return nil, fmt.Errorf("failed to upgrade account: %w", err)
		}
		slog.Info("Trial account upgraded to balance", "user", user)
	case err != nil:
		if _, createErr := l.storage.CreateAccount(ctx, user, model.KindBalance, 0); createErr != nil {
			return nil, fmt.Errorf("failed to create account: %w", createErr)
		}
		slog.Info("Created balance account", "user", user)
	}

	txn, err := l.storage.AppendTransaction(ctx, &model.Transaction{
		User:        user,
		Type:        model.TypeCredit,
		Amount:      amount,
		Reason:      reason,
		ExternalRef: externalRef,
	})
	if err != nil {
		return nil, err
	}

	slog.Info("Credit applied",
		"user", user,
		"amount", amount,
		"external_ref", externalRef)
	return txn, nil
}

func isDuplicate(err error) bool {
	return errors.Is(err, common.ErrDuplicateDebit)
}
