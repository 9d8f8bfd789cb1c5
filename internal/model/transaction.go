package model

import "time"

// TransactionType classifies ledger entries.
type TransactionType string

const (
	// TypeCredit deposits funds from an external credit event.
	TypeCredit TransactionType = "credit"
	// TypeDebit records consumption of harvested leads.
	TypeDebit TransactionType = "debit"
)

// Transaction is one immutable, append-only ledger entry. Debits carry the
// (session, source) pair that makes finalization idempotent; credits carry
// the external reference of the event that deposited them.
type Transaction struct {
	CreatedAt   time.Time
	ID          int64
	User        string
	Type        TransactionType
	Amount      int64
	Source      Source // Empty for credits
	SessionID   string // Empty for credits
	Reason      string
	ExternalRef string
}
