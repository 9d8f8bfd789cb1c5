package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/the-leads-must-flow/internal/dedup"
	"github.com/Veraticus/the-leads-must-flow/internal/ledger"
	"github.com/Veraticus/the-leads-must-flow/internal/model"
	"github.com/Veraticus/the-leads-must-flow/internal/service"
)

// Phase names the finalizer's state machine stages, for logging.
type Phase string

const (
	PhaseCollecting    Phase = "collecting"
	PhaseDeduplicating Phase = "deduplicating"
	PhaseAccounting    Phase = "accounting"
	PhaseSummarizing   Phase = "summarizing"
	PhaseDone          Phase = "done"
)

// Outcome is everything one finalized session produced.
type Outcome struct {
	Summary      *model.SessionSummary
	Stats        map[model.Source]dedup.Stats
	Leads        map[model.Source][]model.Lead
	Debits       map[model.Source]ledger.DebitResult
	Transactions []model.Transaction
}

// Finalizer reconciles dispatcher output, deduplication results, and ledger
// debits into one persisted session summary, even under partial failure.
type Finalizer struct {
	storage service.Storage
	deduper *dedup.Engine
	ledger  *ledger.Ledger
}

// NewFinalizer creates a finalizer over the given collaborators.
func NewFinalizer(storage service.Storage, deduper *dedup.Engine, ldgr *ledger.Ledger) *Finalizer {
	return &Finalizer{
		storage: storage,
		deduper: deduper,
		ledger:  ldgr,
	}
}

// Finalize runs the Deduplicating, Accounting, and Summarizing phases over a
// settled batch of job results. Accounting failures downgrade to unresolved
// consumption; only summary persistence itself can fail the call. Safe to
// re-invoke with the same session ID after a crash: debits are applied at
// most once and stat merges replay as no-ops.
func (f *Finalizer) Finalize(ctx context.Context, rc RunContext, pre *ledger.PreflightResult, results map[model.Source]model.JobResult) (*Outcome, error) {
	if err := rc.Validate(); err != nil {
		return nil, err
	}

	outcome := &Outcome{
		Stats:  make(map[model.Source]dedup.Stats, len(results)),
		Leads:  make(map[model.Source][]model.Lead, len(results)),
		Debits: make(map[model.Source]ledger.DebitResult, len(results)),
	}

	f.logPhase(rc, PhaseDeduplicating)
	for _, source := range rc.Sources {
		result, ok := results[source]
		if !ok || !result.Success {
			continue
		}
		deduped, err := f.deduper.Deduplicate(ctx, rc.User, source, result.Leads, rc.Strategy)
		if err != nil {
			// Treat like a failed store: deliver nothing for this source
			// rather than abort the others.
			slog.Error("Deduplication failed for source",
				"session_id", rc.SessionID,
				"source", source,
				"error", err)
			continue
		}
		outcome.Stats[source] = deduped.Stats
		outcome.Leads[source] = deduped.Leads
	}

	f.logPhase(rc, PhaseAccounting)
	summary := f.account(ctx, rc, pre, results, outcome)

	f.logPhase(rc, PhaseSummarizing)
	transactions, err := f.storage.GetTransactionsBySession(ctx, rc.User, rc.SessionID)
	if err != nil {
		slog.Warn("Could not load session transactions for summary",
			"session_id", rc.SessionID,
			"error", err)
	} else {
		outcome.Transactions = transactions
		var counted int
		for _, txn := range transactions {
			if txn.Type == model.TypeDebit {
				counted += int(txn.Amount)
			}
		}
		// Derive from the ledger so a retried finalization reports the
		// amounts actually recorded, not a re-clamped recomputation.
		summary.CountedLeads = counted
	}

	if err := f.storage.SaveSession(ctx, summary); err != nil {
		return nil, fmt.Errorf("failed to persist session summary: %w", err)
	}
	if err := f.storage.MergeSessionStats(ctx, summary); err != nil {
		slog.Warn("Failed to merge cumulative stats",
			"session_id", rc.SessionID,
			"error", err)
	}

	outcome.Summary = summary
	f.logPhase(rc, PhaseDone)
	slog.Info("Session finalized",
		"session_id", rc.SessionID,
		"user", rc.User,
		"total_raw", summary.TotalRaw,
		"total_unique", summary.TotalUnique,
		"counted_leads", summary.CountedLeads,
		"success_count", summary.SuccessCount,
		"attempted_count", summary.AttemptedCount,
		"unresolved", len(summary.UnresolvedDebts))

	return outcome, nil
}

// account applies per-source debits against a single shared remaining pool
// in the sources' processing order and assembles the summary skeleton.
func (f *Finalizer) account(ctx context.Context, rc RunContext, pre *ledger.PreflightResult, results map[model.Source]model.JobResult, outcome *Outcome) *model.SessionSummary {
	summary := &model.SessionSummary{
		Timestamp:      rc.StartedAt,
		SessionID:      rc.SessionID,
		User:           rc.User,
		SearchTerm:     rc.SearchTerm,
		SourcesRun:     rc.Sources,
		PerSourceLeads: make(map[model.Source]int, len(rc.Sources)),
		Duration:       time.Since(rc.StartedAt),
		AttemptedCount: len(rc.Sources),
	}

	allowance := pre != nil && pre.Account != nil && pre.Account.Kind == model.KindAllowance
	var pool int64
	if pre != nil {
		pool = pre.Available
	}

	for _, source := range rc.Sources {
		if result, ok := results[source]; ok && result.Success {
			summary.SuccessCount++
		}

		stats, ok := outcome.Stats[source]
		if !ok {
			summary.PerSourceLeads[source] = 0
			continue
		}
		summary.TotalRaw += stats.Raw
		summary.TotalUnique += stats.Accepted
		summary.PerSourceLeads[source] = stats.Accepted

		amount := int64(stats.Accepted)
		if allowance {
			// The allowance cap is enforced globally, not per source.
			if amount > pool {
				amount = pool
			}
			pool -= amount
		}

		result := f.ledger.Debit(ctx, ledger.DebitRequest{
			User:      rc.User,
			SessionID: rc.SessionID,
			Source:    source,
			Amount:    amount,
			Reason:    "lead_download",
		})
		outcome.Debits[source] = result

		if result.Outcome == ledger.DebitUnresolved {
			summary.UnresolvedDebts = append(summary.UnresolvedDebts, source)
		}
	}

	return summary
}

func (f *Finalizer) logPhase(rc RunContext, phase Phase) {
	slog.Debug("Session phase",
		"session_id", rc.SessionID,
		"user", rc.User,
		"phase", string(phase))
}
