package model

import "time"

// AccountKind distinguishes the two resource account modes.
type AccountKind string

const (
	// KindAllowance is a non-replenishing capped trial account.
	KindAllowance AccountKind = "allowance"
	// KindBalance is a replenishable credit account.
	KindBalance AccountKind = "balance"
)

// DefaultAllowanceCap is the trial allowance granted to new accounts.
const DefaultAllowanceCap = 5

// Account is a user's resource account. For allowance accounts Cap and Used
// are authoritative and Used never exceeds Cap; for balance accounts the
// balance is derived by folding the ledger, never stored here.
type Account struct {
	CreatedAt time.Time
	User      string
	Kind      AccountKind
	Cap       int64
	Used      int64
}

// Available reports how much an allowance account can still consume.
// Meaningless for balance accounts, whose availability is the ledger fold.
func (a *Account) Available() int64 {
	remaining := a.Cap - a.Used
	if remaining < 0 {
		return 0
	}
	return remaining
}
