package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Veraticus/the-leads-must-flow/internal/cli"
	"github.com/Veraticus/the-leads-must-flow/internal/common"
	"github.com/Veraticus/the-leads-must-flow/internal/storage"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE:  runMigrate,
	}
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	// initStorage migrates on open; this command exists so operators can
	// migrate explicitly before a deploy and see the schema version.
	store, err := initStorage(cmd.Context())
	if err != nil {
		return common.NewUserError("migration failed", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("Failed to close storage", "error", closeErr)
		}
	}()

	fmt.Println(cli.FormatSuccess(fmt.Sprintf("Database migrated to schema version %d", storage.ExpectedSchemaVersion)))
	return nil
}
