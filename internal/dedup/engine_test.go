package dedup

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/the-leads-must-flow/internal/model"
	"github.com/Veraticus/the-leads-must-flow/internal/service"
	"github.com/Veraticus/the-leads-must-flow/internal/testutil"
)

func lead(name, handle, profileURL string) model.Lead {
	return model.Lead{
		Name:       name,
		Handle:     handle,
		ProfileURL: profileURL,
		Source:     model.SourceInstagram,
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		input   string
		want    Strategy
		wantErr bool
	}{
		{input: "keep_all", want: StrategyKeepAll},
		{input: "session_only", want: StrategySessionOnly},
		{input: "user_aware", want: StrategyUserAware},
		{input: "aggressive", want: StrategyAggressive},
		{input: "", want: StrategyUserAware},
		{input: " User_Aware ", want: StrategyUserAware},
		{input: "fuzzy", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseStrategy(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeduplicate_EmptyBatch(t *testing.T) {
	db := testutil.SetupTestDB(t)
	engine := NewEngine(db.Storage)

	result, err := engine.Deduplicate(context.Background(), "alice", model.SourceInstagram, nil, StrategyUserAware)
	require.NoError(t, err)
	assert.Empty(t, result.Leads)
	assert.Equal(t, 0, result.Stats.Raw)
}

func TestDeduplicate_KeepAll(t *testing.T) {
	db := testutil.SetupTestDB(t)
	engine := NewEngine(db.Storage)

	leads := []model.Lead{
		lead("Jordan Lee", "", "https://instagram.com/p/123"),
		lead("Jordan Lee", "", "https://instagram.com/p/123"),
	}
	result, err := engine.Deduplicate(context.Background(), "alice", model.SourceInstagram, leads, StrategyKeepAll)
	require.NoError(t, err)
	assert.Len(t, result.Leads, 2)
	assert.Equal(t, 2, result.Stats.Accepted)
}

func TestDeduplicate_SessionDuplicates(t *testing.T) {
	db := testutil.SetupTestDB(t)
	engine := NewEngine(db.Storage)

	leads := []model.Lead{
		lead("Jordan Lee", "", "https://instagram.com/p/123"),
		lead("Jordan Lee", "", "https://www.instagram.com/p/123/"),
		lead("Sam Ortiz", "", "https://instagram.com/p/789"),
	}
	result, err := engine.Deduplicate(context.Background(), "alice", model.SourceInstagram, leads, StrategyUserAware)
	require.NoError(t, err)
	assert.Len(t, result.Leads, 2)
	assert.Equal(t, 1, result.Stats.SessionDuplicates)
	// First arrival wins.
	assert.Equal(t, "https://instagram.com/p/123", result.Leads[0].ProfileURL)
}

func TestDeduplicate_SameNameDifferentIdentity(t *testing.T) {
	db := testutil.SetupTestDB(t)
	engine := NewEngine(db.Storage)

	// Two leads share profile URL p/123; a third person has the same display
	// name but a different URL and must survive as its own lead.
	leads := []model.Lead{
		lead("Jordan Lee", "", "https://instagram.com/p/123"),
		lead("Jordan Lee", "", "https://instagram.com/p/123"),
		lead("Jordan Lee", "", "https://instagram.com/p/456"),
	}
	result, err := engine.Deduplicate(context.Background(), "alice", model.SourceInstagram, leads, StrategyUserAware)
	require.NoError(t, err)
	assert.Len(t, result.Leads, 2)
	assert.Equal(t, 1, result.Stats.SessionDuplicates)
	assert.Equal(t, 1, result.Stats.SameNameDifferentIdentity)
}

func TestDeduplicate_HistoricalDuplicates(t *testing.T) {
	db := testutil.SetupTestDB(t)
	engine := NewEngine(db.Storage)
	ctx := context.Background()

	first := []model.Lead{lead("Jordan Lee", "", "https://instagram.com/p/123")}
	result, err := engine.Deduplicate(ctx, "alice", model.SourceInstagram, first, StrategyUserAware)
	require.NoError(t, err)
	require.Len(t, result.Leads, 1)

	// The same lead in a later batch is recognized from history.
	second := []model.Lead{
		lead("Jordan Lee", "", "https://instagram.com/p/123"),
		lead("Sam Ortiz", "", "https://instagram.com/p/789"),
	}
	result, err = engine.Deduplicate(ctx, "alice", model.SourceInstagram, second, StrategyUserAware)
	require.NoError(t, err)
	assert.Len(t, result.Leads, 1)
	assert.Equal(t, "Sam Ortiz", result.Leads[0].Name)
	assert.Equal(t, 1, result.Stats.HistoricalDuplicates)
}

func TestDeduplicate_Idempotent(t *testing.T) {
	db := testutil.SetupTestDB(t)
	engine := NewEngine(db.Storage)
	ctx := context.Background()

	leads := []model.Lead{
		lead("Jordan Lee", "", "https://instagram.com/p/123"),
		lead("Sam Ortiz", "", "https://instagram.com/p/789"),
	}
	result, err := engine.Deduplicate(ctx, "alice", model.SourceInstagram, leads, StrategyUserAware)
	require.NoError(t, err)
	require.Len(t, result.Leads, 2)

	// Replaying the exact batch admits nothing new.
	result, err = engine.Deduplicate(ctx, "alice", model.SourceInstagram, leads, StrategyUserAware)
	require.NoError(t, err)
	assert.Empty(t, result.Leads)
	assert.Equal(t, 2, result.Stats.HistoricalDuplicates)

	count, err := db.Storage.CountFingerprints(ctx, "alice", model.SourceInstagram)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestDeduplicate_SessionOnlyIgnoresHistory(t *testing.T) {
	db := testutil.SetupTestDB(t)
	engine := NewEngine(db.Storage)
	ctx := context.Background()

	leads := []model.Lead{lead("Jordan Lee", "", "https://instagram.com/p/123")}
	_, err := engine.Deduplicate(ctx, "alice", model.SourceInstagram, leads, StrategyUserAware)
	require.NoError(t, err)

	result, err := engine.Deduplicate(ctx, "alice", model.SourceInstagram, leads, StrategySessionOnly)
	require.NoError(t, err)
	assert.Len(t, result.Leads, 1)

	// Session-only runs must not grow the persistent history.
	count, err := db.Storage.CountFingerprints(ctx, "alice", model.SourceInstagram)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestDeduplicate_InvalidLeads(t *testing.T) {
	db := testutil.SetupTestDB(t)
	engine := NewEngine(db.Storage)

	leads := []model.Lead{
		lead("", "", "https://instagram.com/p/123"),
		lead("J", "", ""),
		lead("Jordan Lee", "", "https://instagram.com/p/123"),
	}
	result, err := engine.Deduplicate(context.Background(), "alice", model.SourceInstagram, leads, StrategyUserAware)
	require.NoError(t, err)
	assert.Len(t, result.Leads, 1)
	assert.Equal(t, 2, result.Stats.Invalid)
}

func TestDeduplicate_WeakFingerprintCounter(t *testing.T) {
	db := testutil.SetupTestDB(t)
	engine := NewEngine(db.Storage)

	leads := []model.Lead{
		lead("Jordan Lee", "", "https://instagram.com/p/123"),
		lead("Sam Ortiz", "", ""),
	}
	result, err := engine.Deduplicate(context.Background(), "alice", model.SourceInstagram, leads, StrategyUserAware)
	require.NoError(t, err)
	assert.Len(t, result.Leads, 2)
	assert.Equal(t, 1, result.Stats.WeakFingerprints)
}

func TestDeduplicate_Aggressive(t *testing.T) {
	db := testutil.SetupTestDB(t)
	engine := NewEngine(db.Storage)

	// Name-only matching collapses distinct identities sharing a name.
	leads := []model.Lead{
		lead("Jordan Lee", "", "https://instagram.com/p/123"),
		lead("jordan lee", "", "https://instagram.com/p/456"),
		lead("Sam Ortiz", "", ""),
	}
	result, err := engine.Deduplicate(context.Background(), "alice", model.SourceInstagram, leads, StrategyAggressive)
	require.NoError(t, err)
	assert.Len(t, result.Leads, 2)
	assert.Equal(t, 1, result.Stats.SessionDuplicates)
}

// faultyStore injects read or write failures over a real storage.
type faultyStore struct {
	service.Storage
	readErr  error
	writeErr error
}

func (f *faultyStore) HasFingerprints(ctx context.Context, user string, source model.Source, fingerprints []string) (map[string]bool, error) {
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.Storage.HasFingerprints(ctx, user, source, fingerprints)
}

func (f *faultyStore) SaveFingerprints(ctx context.Context, user string, source model.Source, fingerprints []model.StoredFingerprint) error {
	if f.writeErr != nil {
		return f.writeErr
	}
	return f.Storage.SaveFingerprints(ctx, user, source, fingerprints)
}

func TestDeduplicate_DegradesWhenHistoryUnreadable(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := &faultyStore{Storage: db.Storage, readErr: errors.New("disk on fire")}
	engine := NewEngine(store)

	leads := []model.Lead{
		lead("Jordan Lee", "", "https://instagram.com/p/123"),
		lead("Jordan Lee", "", "https://instagram.com/p/123"),
	}
	result, err := engine.Deduplicate(context.Background(), "alice", model.SourceInstagram, leads, StrategyUserAware)
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	// Session-level matching still applies.
	assert.Len(t, result.Leads, 1)

	// Nothing was persisted while degraded.
	count, err := db.Storage.CountFingerprints(context.Background(), "alice", model.SourceInstagram)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestDeduplicate_ReportsStoreWriteFailure(t *testing.T) {
	db := testutil.SetupTestDB(t)
	store := &faultyStore{Storage: db.Storage, writeErr: errors.New("disk full")}
	engine := NewEngine(store)

	leads := []model.Lead{lead("Jordan Lee", "", "https://instagram.com/p/123")}
	result, err := engine.Deduplicate(context.Background(), "alice", model.SourceInstagram, leads, StrategyUserAware)
	require.NoError(t, err)
	assert.True(t, result.StoreWriteFailed)
	assert.Len(t, result.Leads, 1)
}
