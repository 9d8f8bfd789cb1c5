package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Veraticus/the-leads-must-flow/internal/common"
	"github.com/Veraticus/the-leads-must-flow/internal/model"
)

// SaveSession persists a session summary. Saving the same session twice
// overwrites it with identical content, so retries are safe.
func (s *SQLiteStorage) SaveSession(ctx context.Context, summary *model.SessionSummary) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateSummary(summary); err != nil {
		return err
	}
	return saveSession(ctx, s.db, summary)
}

func saveSession(ctx context.Context, db dbtx, summary *model.SessionSummary) error {
	sourcesJSON, err := json.Marshal(summary.SourcesRun)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}
	countsJSON, err := json.Marshal(summary.PerSourceLeads)
	if err != nil {
		return fmt.Errorf("failed to marshal per-source counts: %w", err)
	}
	unresolvedJSON, err := json.Marshal(summary.UnresolvedDebts)
	if err != nil {
		return fmt.Errorf("failed to marshal unresolved sources: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO sessions (
			session_id, user, search_term, timestamp, sources_run, per_source_leads,
			total_raw, total_unique, counted_leads, duration_seconds,
			success_count, attempted_count, unresolved_sources
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			sources_run = excluded.sources_run,
			per_source_leads = excluded.per_source_leads,
			total_raw = excluded.total_raw,
			total_unique = excluded.total_unique,
			counted_leads = excluded.counted_leads,
			duration_seconds = excluded.duration_seconds,
			success_count = excluded.success_count,
			attempted_count = excluded.attempted_count,
			unresolved_sources = excluded.unresolved_sources
	`, summary.SessionID, summary.User, summary.SearchTerm, summary.Timestamp,
		string(sourcesJSON), string(countsJSON),
		summary.TotalRaw, summary.TotalUnique, summary.CountedLeads,
		summary.Duration.Seconds(), summary.SuccessCount, summary.AttemptedCount,
		string(unresolvedJSON))
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession fetches a persisted session summary by ID.
func (s *SQLiteStorage) GetSession(ctx context.Context, sessionID string) (*model.SessionSummary, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(sessionID, "sessionID"); err != nil {
		return nil, err
	}
	return getSession(ctx, s.db, sessionID)
}

func getSession(ctx context.Context, db dbtx, sessionID string) (*model.SessionSummary, error) {
	var summary model.SessionSummary
	var sourcesJSON, countsJSON, unresolvedJSON string
	var durationSeconds float64

	err := db.QueryRowContext(ctx, `
		SELECT session_id, user, search_term, timestamp, sources_run, per_source_leads,
			total_raw, total_unique, counted_leads, duration_seconds,
			success_count, attempted_count, unresolved_sources
		FROM sessions WHERE session_id = ?
	`, sessionID).Scan(
		&summary.SessionID, &summary.User, &summary.SearchTerm, &summary.Timestamp,
		&sourcesJSON, &countsJSON,
		&summary.TotalRaw, &summary.TotalUnique, &summary.CountedLeads, &durationSeconds,
		&summary.SuccessCount, &summary.AttemptedCount, &unresolvedJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %s", common.ErrNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	summary.Duration = time.Duration(durationSeconds * float64(time.Second))
	if err := json.Unmarshal([]byte(sourcesJSON), &summary.SourcesRun); err != nil {
		return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
	}
	if err := json.Unmarshal([]byte(countsJSON), &summary.PerSourceLeads); err != nil {
		return nil, fmt.Errorf("failed to unmarshal per-source counts: %w", err)
	}
	if err := json.Unmarshal([]byte(unresolvedJSON), &summary.UnresolvedDebts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal unresolved sources: %w", err)
	}
	return &summary, nil
}

// GetCumulativeStats returns a user's cross-session totals. Users with no
// sessions yet get zero-valued stats, not an error.
func (s *SQLiteStorage) GetCumulativeStats(ctx context.Context, user string) (*model.CumulativeStats, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateString(user, "user"); err != nil {
		return nil, err
	}
	return getCumulativeStats(ctx, s.db, user)
}

func getCumulativeStats(ctx context.Context, db dbtx, user string) (*model.CumulativeStats, error) {
	stats := &model.CumulativeStats{
		User:      user,
		PerSource: make(map[model.Source]model.SourceStats),
	}

	err := db.QueryRowContext(ctx, `
		SELECT total_leads, campaigns, credits_used, COALESCE(last_session_id, '')
		FROM user_stats WHERE user = ?
	`, user).Scan(&stats.TotalLeads, &stats.Campaigns, &stats.CreditsUsed, &stats.LastSessionID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to get user stats: %w", err)
	}

	rows, err := db.QueryContext(ctx, `
		SELECT source, leads, last_run FROM source_stats WHERE user = ?
	`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to query source stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var source string
		var entry model.SourceStats
		var lastRun sql.NullTime
		if err := rows.Scan(&source, &entry.Leads, &lastRun); err != nil {
			return nil, fmt.Errorf("failed to scan source stats: %w", err)
		}
		if lastRun.Valid {
			entry.LastRun = lastRun.Time
		}
		stats.PerSource[model.Source(source)] = entry
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate source stats: %w", err)
	}

	return stats, nil
}

// MergeSessionStats rolls a session summary into the user's cumulative
// stats. Merges are keyed by session ID; replaying an already-applied
// session is a no-op, so crash-recovery retries cannot double count.
func (s *SQLiteStorage) MergeSessionStats(ctx context.Context, summary *model.SessionSummary) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateSummary(summary); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := mergeSessionStats(ctx, tx, summary); err != nil {
		return err
	}

	return tx.Commit()
}

func mergeSessionStats(ctx context.Context, db dbtx, summary *model.SessionSummary) error {
	result, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO applied_sessions (session_id, user) VALUES (?, ?)
	`, summary.SessionID, summary.User)
	if err != nil {
		return fmt.Errorf("failed to mark session applied: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check session application: %w", err)
	}
	if affected == 0 {
		// Already merged
		return nil
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO user_stats (user, total_leads, campaigns, credits_used, last_session_id)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(user) DO UPDATE SET
			total_leads = total_leads + excluded.total_leads,
			campaigns = campaigns + 1,
			credits_used = credits_used + excluded.credits_used,
			last_session_id = excluded.last_session_id
	`, summary.User, summary.TotalUnique, summary.CountedLeads, summary.SessionID); err != nil {
		return fmt.Errorf("failed to merge user stats: %w", err)
	}

	for source, count := range summary.PerSourceLeads {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO source_stats (user, source, leads, last_run)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(user, source) DO UPDATE SET
				leads = leads + excluded.leads,
				last_run = excluded.last_run
		`, summary.User, string(source), count, summary.Timestamp); err != nil {
			return fmt.Errorf("failed to merge source stats: %w", err)
		}
	}

	return nil
}
