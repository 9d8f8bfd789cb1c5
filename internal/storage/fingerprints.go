package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/the-leads-must-flow/internal/model"
)

// HasFingerprints reports, for each given fingerprint, whether it already
// exists in the (user, source) history. Fingerprints absent from the result
// map were not found.
func (s *SQLiteStorage) HasFingerprints(ctx context.Context, user string, source model.Source, fingerprints []string) (map[string]bool, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateStoreKey(user, source); err != nil {
		return nil, err
	}
	return hasFingerprints(ctx, s.db, user, source, fingerprints)
}

func hasFingerprints(ctx context.Context, db dbtx, user string, source model.Source, fingerprints []string) (map[string]bool, error) {
	seen := make(map[string]bool, len(fingerprints))
	if len(fingerprints) == 0 {
		return seen, nil
	}

	// SQLite caps bound parameters, so probe in chunks.
	const chunkSize = 500
	for start := 0; start < len(fingerprints); start += chunkSize {
		end := start + chunkSize
		if end > len(fingerprints) {
			end = len(fingerprints)
		}
		chunk := fingerprints[start:end]

		placeholders := strings.Repeat("?,", len(chunk))
		placeholders = placeholders[:len(placeholders)-1]

		args := make([]any, 0, len(chunk)+2)
		args = append(args, user, string(source))
		for _, fp := range chunk {
			args = append(args, fp)
		}

		query := fmt.Sprintf(`
			SELECT fingerprint FROM fingerprints
			WHERE user = ? AND source = ? AND fingerprint IN (%s)
		`, placeholders)

		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query fingerprints: %w", err)
		}

		for rows.Next() {
			var fp string
			if err := rows.Scan(&fp); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("failed to scan fingerprint: %w", err)
			}
			seen[fp] = true
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to iterate fingerprints: %w", err)
		}
		_ = rows.Close()
	}

	return seen, nil
}

// SaveFingerprints appends newly accepted fingerprints to the (user, source)
// history in one batched write. Re-inserting a known fingerprint is a no-op.
func (s *SQLiteStorage) SaveFingerprints(ctx context.Context, user string, source model.Source, fingerprints []model.StoredFingerprint) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateStoreKey(user, source); err != nil {
		return err
	}
	if len(fingerprints) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := saveFingerprints(ctx, tx, user, source, fingerprints); err != nil {
		return err
	}

	return tx.Commit()
}

func saveFingerprints(ctx context.Context, db dbtx, user string, source model.Source, fingerprints []model.StoredFingerprint) error {
	stmt, err := db.PrepareContext(ctx, `
		INSERT OR IGNORE INTO fingerprints (
			user, source, fingerprint, first_seen, search_term, weak
		) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, fp := range fingerprints {
		firstSeen := fp.FirstSeen
		if firstSeen.IsZero() {
			firstSeen = time.Now().UTC()
		}
		if _, err := stmt.ExecContext(ctx,
			user,
			string(source),
			fp.Fingerprint,
			firstSeen,
			fp.SearchTerm,
			fp.Weak,
		); err != nil {
			return fmt.Errorf("failed to insert fingerprint: %w", err)
		}
	}

	return nil
}

// CountFingerprints returns the size of the (user, source) history.
func (s *SQLiteStorage) CountFingerprints(ctx context.Context, user string, source model.Source) (int64, error) {
	if err := validateContext(ctx); err != nil {
		return 0, err
	}
	if err := validateStoreKey(user, source); err != nil {
		return 0, err
	}
	return countFingerprints(ctx, s.db, user, source)
}

func countFingerprints(ctx context.Context, db dbtx, user string, source model.Source) (int64, error) {
	var count int64
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM fingerprints WHERE user = ? AND source = ?
	`, user, string(source)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count fingerprints: %w", err)
	}
	return count, nil
}

// PurgeFingerprints deletes the entire (user, source) history. This is the
// only operation that shrinks a fingerprint store.
func (s *SQLiteStorage) PurgeFingerprints(ctx context.Context, user string, source model.Source) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateStoreKey(user, source); err != nil {
		return err
	}
	return purgeFingerprints(ctx, s.db, user, source)
}

func purgeFingerprints(ctx context.Context, db dbtx, user string, source model.Source) error {
	if _, err := db.ExecContext(ctx, `
		DELETE FROM fingerprints WHERE user = ? AND source = ?
	`, user, string(source)); err != nil {
		return fmt.Errorf("failed to purge fingerprints: %w", err)
	}
	return nil
}
