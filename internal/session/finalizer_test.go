package session

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/the-leads-must-flow/internal/common"
	"github.com/Veraticus/the-leads-must-flow/internal/dedup"
	"github.com/Veraticus/the-leads-must-flow/internal/ledger"
	"github.com/Veraticus/the-leads-must-flow/internal/model"
	"github.com/Veraticus/the-leads-must-flow/internal/service"
	"github.com/Veraticus/the-leads-must-flow/internal/testutil"
)

type finalizerFixture struct {
	storage   service.Storage
	ledger    *ledger.Ledger
	finalizer *Finalizer
}

func newFixture(t *testing.T) *finalizerFixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	ldg := ledger.New(db.Storage)
	return &finalizerFixture{
		storage:   db.Storage,
		ledger:    ldg,
		finalizer: NewFinalizer(db.Storage, dedup.NewEngine(db.Storage), ldg),
	}
}

// uniqueLeads builds n leads with distinct profile URLs for one source.
func uniqueLeads(n int, source model.Source, prefix string) []model.Lead {
	leads := make([]model.Lead, n)
	for i := range leads {
		leads[i] = model.Lead{
			Name:       fmt.Sprintf("Person %s %d", prefix, i),
			ProfileURL: fmt.Sprintf("https://%s.com/%s/%d", source, prefix, i),
			Source:     source,
		}
	}
	return leads
}

func (fx *finalizerFixture) preflight(t *testing.T, rc RunContext, estimates map[model.Source]int) *ledger.PreflightResult {
	t.Helper()
	pre, err := fx.ledger.Preflight(context.Background(), rc.User, rc.Sources, estimates)
	require.NoError(t, err)
	return pre
}

func TestFinalize_PartialFailure(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.ledger.Credit(ctx, "alice", 1000, "credit purchase", "")
	require.NoError(t, err)

	rc := validRunContext()
	rc.Sources = []model.Source{model.SourceInstagram, model.SourceFacebook}
	pre := fx.preflight(t, rc, map[model.Source]int{
		model.SourceInstagram: 60,
		model.SourceFacebook:  50,
	})

	// One source produced 40 raw leads with 2 internal duplicates; the other
	// timed out and delivers nothing.
	alphaLeads := uniqueLeads(38, model.SourceInstagram, "a")
	alphaLeads = append(alphaLeads, alphaLeads[0], alphaLeads[1])
	results := map[model.Source]model.JobResult{
		model.SourceInstagram: {Source: model.SourceInstagram, Success: true, Leads: alphaLeads},
		model.SourceFacebook:  model.FailedJobResult(model.SourceFacebook, time.Minute, common.ErrJobTimeout),
	}

	outcome, err := fx.finalizer.Finalize(ctx, rc, pre, results)
	require.NoError(t, err)

	summary := outcome.Summary
	assert.Equal(t, 40, summary.TotalRaw)
	assert.Equal(t, 38, summary.TotalUnique)
	assert.Equal(t, 38, summary.CountedLeads)
	assert.Equal(t, 1, summary.SuccessCount)
	assert.Equal(t, 2, summary.AttemptedCount)
	assert.Equal(t, 38, summary.PerSourceLeads[model.SourceInstagram])
	assert.Equal(t, 0, summary.PerSourceLeads[model.SourceFacebook])
	assert.Empty(t, summary.UnresolvedDebts)

	// The failed source contributed nothing to consumption.
	balance, err := fx.storage.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1000-38), balance)

	// The summary survived.
	saved, err := fx.storage.GetSession(ctx, rc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 38, saved.CountedLeads)
}

func TestFinalize_AllowanceCapsConsumption(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.storage.CreateAccount(ctx, "alice", model.KindAllowance, 5)
	require.NoError(t, err)
	require.NoError(t, fx.storage.RecordAllowanceUse(ctx, "alice", 3))

	rc := validRunContext()
	rc.Sources = []model.Source{model.SourceInstagram}
	pre := fx.preflight(t, rc, map[model.Source]int{model.SourceInstagram: 60})

	results := map[model.Source]model.JobResult{
		model.SourceInstagram: {
			Source:  model.SourceInstagram,
			Success: true,
			Leads:   uniqueLeads(10, model.SourceInstagram, "b"),
		},
	}

	outcome, err := fx.finalizer.Finalize(ctx, rc, pre, results)
	require.NoError(t, err)

	// All 10 unique leads are delivered, but only the 2 remaining allowance
	// units are counted.
	assert.Len(t, outcome.Leads[model.SourceInstagram], 10)
	assert.Equal(t, 10, outcome.Summary.TotalUnique)
	assert.Equal(t, 2, outcome.Summary.CountedLeads)

	account, err := fx.storage.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), account.Used)
}

func TestFinalize_AllowancePoolSharedAcrossSources(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.storage.CreateAccount(ctx, "alice", model.KindAllowance, 5)
	require.NoError(t, err)

	rc := validRunContext()
	rc.Sources = []model.Source{model.SourceInstagram, model.SourceFacebook}
	pre := fx.preflight(t, rc, map[model.Source]int{
		model.SourceInstagram: 10,
		model.SourceFacebook:  10,
	})

	results := map[model.Source]model.JobResult{
		model.SourceInstagram: {
			Source:  model.SourceInstagram,
			Success: true,
			Leads:   uniqueLeads(4, model.SourceInstagram, "c"),
		},
		model.SourceFacebook: {
			Source:  model.SourceFacebook,
			Success: true,
			Leads:   uniqueLeads(4, model.SourceFacebook, "c"),
		},
	}

	outcome, err := fx.finalizer.Finalize(ctx, rc, pre, results)
	require.NoError(t, err)

	// 8 unique leads against a pool of 5: the cap binds globally, in source
	// order, never per source.
	assert.Equal(t, 8, outcome.Summary.TotalUnique)
	assert.Equal(t, 5, outcome.Summary.CountedLeads)

	account, err := fx.storage.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(5), account.Used)

	txns, err := fx.storage.GetTransactionsBySession(ctx, "alice", rc.SessionID)
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, int64(4), txns[0].Amount)
	assert.Equal(t, int64(1), txns[1].Amount)
}

func TestFinalize_RetryIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.ledger.Credit(ctx, "alice", 100, "credit purchase", "")
	require.NoError(t, err)

	rc := validRunContext()
	rc.Sources = []model.Source{model.SourceInstagram}
	// keep_all so the retried pass re-delivers the full batch and the
	// at-most-once guarantee rests on the ledger alone.
	rc.Strategy = dedup.StrategyKeepAll
	pre := fx.preflight(t, rc, map[model.Source]int{model.SourceInstagram: 20})

	results := map[model.Source]model.JobResult{
		model.SourceInstagram: {
			Source:  model.SourceInstagram,
			Success: true,
			Leads:   uniqueLeads(10, model.SourceInstagram, "d"),
		},
	}

	first, err := fx.finalizer.Finalize(ctx, rc, pre, results)
	require.NoError(t, err)
	require.Equal(t, 10, first.Summary.CountedLeads)
	assert.Equal(t, ledger.DebitApplied, first.Debits[model.SourceInstagram].Outcome)

	// Crash-recovery retry with the same session ID: the ledger reports what
	// was already recorded instead of debiting again.
	second, err := fx.finalizer.Finalize(ctx, rc, pre, results)
	require.NoError(t, err)
	assert.Equal(t, 10, second.Summary.CountedLeads)
	assert.Equal(t, ledger.DebitAlreadyApplied, second.Debits[model.SourceInstagram].Outcome)

	balance, err := fx.storage.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(90), balance)

	// Cumulative stats were merged exactly once.
	stats, err := fx.storage.GetCumulativeStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Campaigns)
	assert.Equal(t, int64(10), stats.TotalLeads)
}

func TestFinalize_ZeroSuccessesStillPersists(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.ledger.Credit(ctx, "alice", 100, "credit purchase", "")
	require.NoError(t, err)

	rc := validRunContext()
	rc.Sources = []model.Source{model.SourceInstagram, model.SourceFacebook}
	pre := fx.preflight(t, rc, map[model.Source]int{
		model.SourceInstagram: 10,
		model.SourceFacebook:  10,
	})

	results := map[model.Source]model.JobResult{
		model.SourceInstagram: model.FailedJobResult(model.SourceInstagram, 0, common.ErrJobTimeout),
		model.SourceFacebook:  model.FailedJobResult(model.SourceFacebook, 0, context.DeadlineExceeded),
	}

	outcome, err := fx.finalizer.Finalize(ctx, rc, pre, results)
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Summary.SuccessCount)
	assert.Equal(t, 0, outcome.Summary.TotalRaw)
	assert.Equal(t, 0, outcome.Summary.CountedLeads)

	// Nothing was charged for a session that delivered nothing.
	balance, err := fx.storage.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	saved, err := fx.storage.GetSession(ctx, rc.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.AttemptedCount)
}

func TestFinalize_CumulativeStatsAcrossSessions(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.ledger.Credit(ctx, "alice", 100, "credit purchase", "")
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		rc := validRunContext()
		rc.Sources = []model.Source{model.SourceInstagram}
		pre := fx.preflight(t, rc, map[model.Source]int{model.SourceInstagram: 10})

		results := map[model.Source]model.JobResult{
			model.SourceInstagram: {
				Source:  model.SourceInstagram,
				Success: true,
				Leads:   uniqueLeads(5, model.SourceInstagram, fmt.Sprintf("run%d", i)),
			},
		}
		_, err := fx.finalizer.Finalize(ctx, rc, pre, results)
		require.NoError(t, err)
	}

	stats, err := fx.storage.GetCumulativeStats(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Campaigns)
	assert.Equal(t, int64(10), stats.TotalLeads)
	assert.Equal(t, int64(10), stats.PerSource[model.SourceInstagram].Leads)
}

func TestFinalize_InvalidRunContext(t *testing.T) {
	fx := newFixture(t)

	rc := validRunContext()
	rc.User = ""
	_, err := fx.finalizer.Finalize(context.Background(), rc, nil, nil)
	assert.Error(t, err)
}
