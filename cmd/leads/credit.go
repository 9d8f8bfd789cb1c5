package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Veraticus/the-leads-must-flow/internal/cli"
	"github.com/Veraticus/the-leads-must-flow/internal/common"
	"github.com/Veraticus/the-leads-must-flow/internal/ledger"
)

func creditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credit",
		Short: "Manage credit deposits",
	}
	cmd.AddCommand(creditAddCmd())
	return cmd
}

func creditAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Deposit credits from an external payment event",
		Long: `Records a credit event against a user's account. The payment itself is
captured elsewhere; this ingests only its result. Crediting a trial
account upgrades it to a balance account.`,
		RunE: runCreditAdd,
	}

	cmd.Flags().StringP("user", "u", "", "User identity (required)")
	cmd.Flags().Int64P("amount", "a", 0, "Credits to deposit (required)")
	cmd.Flags().String("reason", "purchase", "Reason for the deposit")
	cmd.Flags().String("ref", "", "External reference (e.g. payment id)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func runCreditAdd(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	user, _ := cmd.Flags().GetString("user")
	amount, _ := cmd.Flags().GetInt64("amount")
	reason, _ := cmd.Flags().GetString("reason")
	ref, _ := cmd.Flags().GetString("ref")

	store, err := initStorage(ctx)
	if err != nil {
		return common.NewUserError("failed to open database", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("Failed to close storage", "error", closeErr)
		}
	}()

	ldgr := ledger.New(store)
	txn, err := ldgr.Credit(ctx, user, amount, reason, ref)
	if err != nil {
		return common.NewUserError("failed to apply credit", err)
	}

	balance, err := store.GetBalance(ctx, user)
	if err != nil {
		return common.NewUserError("credit applied but balance unreadable", err)
	}

	fmt.Println(cli.FormatSuccess(fmt.Sprintf("%s Deposited %d credits for %s (transaction %d)",
		cli.CreditIcon, txn.Amount, user, txn.ID)))
	fmt.Println(cli.FormatInfo(fmt.Sprintf("New balance: %d", balance)))
	return nil
}

func balanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Show a user's available budget",
		RunE:  runBalance,
	}
	cmd.Flags().StringP("user", "u", "", "User identity (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runBalance(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	user, _ := cmd.Flags().GetString("user")

	store, err := initStorage(ctx)
	if err != nil {
		return common.NewUserError("failed to open database", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("Failed to close storage", "error", closeErr)
		}
	}()

	ldgr := ledger.New(store)
	account, available, err := ldgr.Available(ctx, user)
	if err != nil {
		return common.NewUserError("failed to read account", err)
	}

	fmt.Println(cli.FormatInfo(fmt.Sprintf("%s %s", cli.CreditIcon, describeAvailability(account, available))))
	return nil
}
