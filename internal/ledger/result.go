package ledger

import (
	"github.com/Veraticus/the-leads-must-flow/internal/model"
)

// DebitOutcome classifies how a debit request resolved.
type DebitOutcome int

const (
	// DebitApplied means a new ledger entry was written.
	DebitApplied DebitOutcome = iota
	// DebitAlreadyApplied means this (session, source) was debited before;
	// nothing was re-applied.
	DebitAlreadyApplied
	// DebitSkipped means there was nothing to record (zero amount).
	DebitSkipped
	// DebitUnresolved means both the primary and fallback paths failed; the
	// consumption is flagged for manual reconciliation.
	DebitUnresolved
)

func (o DebitOutcome) String() string {
	switch o {
	case DebitApplied:
		return "applied"
	case DebitAlreadyApplied:
		return "already_applied"
	case DebitSkipped:
		return "skipped"
	case DebitUnresolved:
		return "unresolved"
	default:
		return "unknown"
	}
}

// DebitResult carries the outcome of one debit operation. The retry and
// fallback policy lives behind this result; callers branch on Outcome
// instead of re-implementing the ladder at every call site.
type DebitResult struct {
	Transaction *model.Transaction
	Err         error
	Outcome     DebitOutcome
}

// SourcePlan is the pre-flight decision for one source.
type SourcePlan struct {
	Reason    string
	Source    model.Source
	Estimated int
	MaxLeads  int // Cap passed to the job; 0 means uncapped
	Allowed   bool
}

// PreflightResult is the budget gate's decision for a whole session.
type PreflightResult struct {
	Account   *model.Account
	Plans     map[model.Source]SourcePlan
	Available int64 // Remaining allowance or balance at session start
	Proceed   bool  // At least one source has nonzero budget
}
