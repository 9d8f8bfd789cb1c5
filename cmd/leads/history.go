package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Veraticus/the-leads-must-flow/internal/cli"
	"github.com/Veraticus/the-leads-must-flow/internal/common"
	"github.com/Veraticus/the-leads-must-flow/internal/model"
)

func historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and manage lead fingerprint history",
	}
	cmd.AddCommand(historyCountCmd())
	cmd.AddCommand(historyPurgeCmd())
	return cmd
}

func historyCountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count stored fingerprints for a user and source",
		RunE:  runHistoryCount,
	}
	cmd.Flags().StringP("user", "u", "", "User identity (required)")
	cmd.Flags().StringP("source", "s", "", "Source (required)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func runHistoryCount(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	user, _ := cmd.Flags().GetString("user")
	sourceName, _ := cmd.Flags().GetString("source")
	source, err := model.ParseSource(sourceName)
	if err != nil {
		return common.NewUserError("invalid source", err)
	}

	store, err := initStorage(ctx)
	if err != nil {
		return common.NewUserError("failed to open database", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("Failed to close storage", "error", closeErr)
		}
	}()

	count, err := store.CountFingerprints(ctx, user, source)
	if err != nil {
		return common.NewUserError("failed to count fingerprints", err)
	}

	fmt.Println(cli.FormatInfo(fmt.Sprintf("%d fingerprints stored for %s on %s", count, user, source)))
	return nil
}

func historyPurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete a user's fingerprint history for one source",
		Long: `Deletes every stored fingerprint for the given user and source. Future
harvests will treat previously seen leads as new. This cannot be undone.`,
		RunE: runHistoryPurge,
	}
	cmd.Flags().StringP("user", "u", "", "User identity (required)")
	cmd.Flags().StringP("source", "s", "", "Source (required)")
	cmd.Flags().Bool("yes", false, "Skip confirmation")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

func runHistoryPurge(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	user, _ := cmd.Flags().GetString("user")
	sourceName, _ := cmd.Flags().GetString("source")
	confirmed, _ := cmd.Flags().GetBool("yes")

	source, err := model.ParseSource(sourceName)
	if err != nil {
		return common.NewUserError("invalid source", err)
	}

	if !confirmed {
		return common.NewUserError(
			fmt.Sprintf("refusing to purge %s history for %s without --yes", source, user), nil)
	}

	store, err := initStorage(ctx)
	if err != nil {
		return common.NewUserError("failed to open database", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("Failed to close storage", "error", closeErr)
		}
	}()

	if err := store.PurgeFingerprints(ctx, user, source); err != nil {
		return common.NewUserError("failed to purge fingerprints", err)
	}

	fmt.Println(cli.FormatSuccess(fmt.Sprintf("Cleared %s lead history for %s", source, user)))
	return nil
}
