package main

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Veraticus/the-leads-must-flow/internal/cli"
	"github.com/Veraticus/the-leads-must-flow/internal/common"
	"github.com/Veraticus/the-leads-must-flow/internal/model"
)

func statsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show a user's cumulative harvesting stats",
		RunE:  runStats,
	}
	cmd.Flags().StringP("user", "u", "", "User identity (required)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func runStats(cmd *cobra.Command, _ []string) error {
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

	stats, err := store.GetCumulativeStats(ctx, user)
	if err != nil {
		return common.NewUserError("failed to load stats", err)
	}

	content := fmt.Sprintf("Total leads: %d\nCampaigns: %d\nCredits used: %d",
		stats.TotalLeads, stats.Campaigns, stats.CreditsUsed)

	if len(stats.PerSource) > 0 {
		content += "\n\nBy source:"
		sources := make([]string, 0, len(stats.PerSource))
		for source := range stats.PerSource {
			sources = append(sources, string(source))
		}
		sort.Strings(sources)
		for _, source := range sources {
			entry := stats.PerSource[model.Source(source)]
			content += fmt.Sprintf("\n  %s: %d leads (last run %s)",
				source, entry.Leads, entry.LastRun.Format("2006-01-02 15:04"))
		}
	}

	fmt.Println(cli.RenderBox(fmt.Sprintf("%s Stats for %s", cli.ChartIcon, user), content))
	return nil
}
