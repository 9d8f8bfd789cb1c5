// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"time"

	"github.com/Veraticus/the-leads-must-flow/internal/model"
)

// Storage defines the contract for the persistence layer.
type Storage interface {
	// Fingerprint operations, partitioned by (user, source)
	HasFingerprints(ctx context.Context, user string, source model.Source, fingerprints []string) (map[string]bool, error)
	SaveFingerprints(ctx context.Context, user string, source model.Source, fingerprints []model.StoredFingerprint) error
	CountFingerprints(ctx context.Context, user string, source model.Source) (int64, error)
	PurgeFingerprints(ctx context.Context, user string, source model.Source) error

	// Account operations
	GetAccount(ctx context.Context, user string) (*model.Account, error)
	CreateAccount(ctx context.Context, user string, kind model.AccountKind, cap int64) (*model.Account, error)
	UpgradeAccount(ctx context.Context, user string) error
	RecordAllowanceUse(ctx context.Context, user string, amount int64) error

	// Ledger operations; the ledger is append-only and the balance is a fold
	AppendTransaction(ctx context.Context, txn *model.Transaction) (*model.Transaction, error)
	HasDebit(ctx context.Context, user, sessionID string, source model.Source) (bool, error)
	GetTransactionsBySession(ctx context.Context, user, sessionID string) ([]model.Transaction, error)
	GetBalance(ctx context.Context, user string) (int64, error)

	// Session operations
	SaveSession(ctx context.Context, summary *model.SessionSummary) error
	GetSession(ctx context.Context, sessionID string) (*model.SessionSummary, error)
	GetCumulativeStats(ctx context.Context, user string) (*model.CumulativeStats, error)
	MergeSessionStats(ctx context.Context, summary *model.SessionSummary) error

	// Database management
	Migrate(ctx context.Context) error
	BeginTx(ctx context.Context) (Tx, error)
	Close() error
}

// Tx represents a database transaction over the full Storage surface.
type Tx interface {
	Commit() error
	Rollback() error
	Storage
}

// HarvestJob is one opaque unit of external work producing raw leads for a
// single source. Implementations are bound to sources through the dispatch
// registry at startup.
type HarvestJob interface {
	Run(ctx context.Context, cfg model.JobConfig) model.JobResult
}

// HarvestJobFunc adapts a function to the HarvestJob interface.
type HarvestJobFunc func(ctx context.Context, cfg model.JobConfig) model.JobResult

// Run implements HarvestJob.
func (f HarvestJobFunc) Run(ctx context.Context, cfg model.JobConfig) model.JobResult {
	return f(ctx, cfg)
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}
