// Package testutil provides shared test helpers for the leads application.
package testutil

import (
	"context"
	"testing"

	"github.com/Veraticus/the-leads-must-flow/internal/service"
	"github.com/Veraticus/the-leads-must-flow/internal/storage"
)

// TestDB wraps an in-memory test database.
type TestDB struct {
	Storage service.Storage
	t       *testing.T
}

// SetupTestDB creates a new in-memory, fully migrated test database and
// registers its cleanup.
func SetupTestDB(t *testing.T) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("failed to close test database: %v", err)
		}
	})

	return &TestDB{
		Storage: store,
		t:       t,
	}
}
