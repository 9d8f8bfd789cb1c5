package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Veraticus/the-leads-must-flow/internal/cli"
	"github.com/Veraticus/the-leads-must-flow/internal/common"
	"github.com/Veraticus/the-leads-must-flow/internal/dedup"
	"github.com/Veraticus/the-leads-must-flow/internal/dispatch"
	"github.com/Veraticus/the-leads-must-flow/internal/ledger"
	"github.com/Veraticus/the-leads-must-flow/internal/model"
	"github.com/Veraticus/the-leads-must-flow/internal/session"
)

func harvestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Run a harvest session across the requested sources",
		Long: `Runs one collector per requested source in parallel, deduplicates the
results against your lead history, debits your account for the unique
leads, and records the session.`,
		RunE: runHarvest,
	}

	cmd.Flags().StringP("user", "u", "", "User identity (required)")
	cmd.Flags().StringSliceP("sources", "s", nil, "Sources to harvest (required)")
	cmd.Flags().StringP("search", "q", "", "Search term passed to collectors")
	cmd.Flags().Int("scrolls", 5, "Collection iterations per source")
	cmd.Flags().String("strategy", string(dedup.StrategyUserAware), "Deduplication strategy (keep_all, session_only, user_aware, aggressive)")
	cmd.Flags().Duration("job-timeout", dispatch.DefaultJobTimeout, "Per-source job timeout")
	cmd.Flags().Int("concurrency", dispatch.DefaultMaxWorkers, "Maximum concurrent sources")
	cmd.Flags().String("session-id", "", "Reuse a session ID (crash-recovery retries)")

	_ = viper.BindPFlag("harvest.user", cmd.Flags().Lookup("user"))
	_ = viper.BindPFlag("harvest.search", cmd.Flags().Lookup("search"))
	_ = viper.BindPFlag("harvest.scrolls", cmd.Flags().Lookup("scrolls"))
	_ = viper.BindPFlag("harvest.strategy", cmd.Flags().Lookup("strategy"))
	_ = viper.BindPFlag("harvest.job_timeout", cmd.Flags().Lookup("job-timeout"))
	_ = viper.BindPFlag("harvest.concurrency", cmd.Flags().Lookup("concurrency"))

	return cmd
}

func runHarvest(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	user := viper.GetString("harvest.user")
	if user == "" {
		return common.NewUserError("a user is required (--user)", common.ErrMissingConfig)
	}

	sourceNames, err := cmd.Flags().GetStringSlice("sources")
	if err != nil {
		return err
	}
	sources, err := model.ParseSources(sourceNames)
	if err != nil {
		return common.NewUserError("invalid sources", err)
	}
	if len(sources) == 0 {
		return common.NewUserError("at least one source is required (--sources)", common.ErrNoSources)
	}

	strategy, err := dedup.ParseStrategy(viper.GetString("harvest.strategy"))
	if err != nil {
		return common.NewUserError("invalid deduplication strategy", err)
	}

	sessionID, err := cmd.Flags().GetString("session-id")
	if err != nil {
		return err
	}
	if sessionID == "" {
		sessionID = session.NewSessionID()
	}

	rc := session.RunContext{
		StartedAt:  time.Now().UTC(),
		SessionID:  sessionID,
		User:       user,
		SearchTerm: viper.GetString("harvest.search"),
		Sources:    sources,
		Strategy:   strategy,
		Iterations: viper.GetInt("harvest.scrolls"),
		JobTimeout: viper.GetDuration("harvest.job_timeout"),
	}
	if err := rc.Validate(); err != nil {
		return common.NewUserError("invalid session configuration", err)
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

	account, err := ensureAccount(ctx, store, user)
	if err != nil {
		return common.NewUserError("failed to load account", err)
	}

	fmt.Println(cli.FormatTitle(fmt.Sprintf("Harvest session for %s", user)))
	fmt.Println(cli.SubtleStyle.Render(fmt.Sprintf("session %s | sources: %s | strategy: %s",
		rc.SessionID, joinSources(sources), strategy)))

	// Pre-flight budget gate
	ldgr := ledger.New(store)
	estimator := buildEstimator()
	estimates := make(map[model.Source]int, len(sources))
	for _, source := range sources {
		estimates[source] = estimator.EstimateYield(rc.JobConfig(source, 0))
	}

	pre, err := ldgr.Preflight(ctx, user, sources, estimates)
	if err != nil {
		return common.NewUserError("pre-flight check failed", err)
	}

	fmt.Println(cli.FormatInfo(describeAvailability(account, pre.Available)))

	var allowed []model.Source
	for _, source := range sources {
		plan := pre.Plans[source]
		if plan.Allowed {
			allowed = append(allowed, source)
			continue
		}
		// Gating is reported per source before execution, never afterward.
		fmt.Println(cli.FormatWarning(fmt.Sprintf("%s skipped: %s", source, plan.Reason)))
	}
	if !pre.Proceed {
		return common.NewUserError("no source has available budget; add credits with 'leads credit add'", common.ErrInsufficientFunds)
	}

	registry, err := buildRegistry(allowed)
	if err != nil {
		return err
	}

	// Collect the whole batch before any accounting happens
	dispatcher := dispatch.NewDispatcher(registry, dispatch.Config{
		MaxWorkers: viper.GetInt("harvest.concurrency"),
		JobTimeout: rc.JobTimeout,
	})

	bar := progressbar.NewOptions(len(allowed),
		progressbar.OptionSetDescription("Harvesting"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	dispatcher.OnResult(func(_ model.JobResult) {
		_ = bar.Add(1)
	})

	results, err := dispatcher.Dispatch(ctx, allowed, func(source model.Source) model.JobConfig {
		return rc.JobConfig(source, pre.Plans[source].MaxLeads)
	})
	if err != nil {
		return common.NewUserError("dispatch failed", err)
	}
	_ = bar.Finish()

	// Dedup, debit, summarize
	deduper := dedup.NewEngine(store)
	finalizer := session.NewFinalizer(store, deduper, ldgr)
	outcome, err := finalizer.Finalize(ctx, rc, pre, results)
	if err != nil {
		return common.NewUserError("failed to finalize session", err)
	}

	printSummary(outcome, results)
	return nil
}

func printSummary(outcome *session.Outcome, results map[model.Source]model.JobResult) {
	summary := outcome.Summary

	var content string
	for _, source := range summary.SourcesRun {
		result, ran := results[source]
		switch {
		case !ran:
			content += fmt.Sprintf("%s %s: skipped\n", cli.WarningIcon, source)
		case !result.Success:
			content += fmt.Sprintf("%s %s: failed (%v)\n", cli.ErrorIcon, source, result.Err)
		default:
			stats := outcome.Stats[source]
			content += fmt.Sprintf("%s %s: %d unique of %d raw (%.1fs)\n",
				cli.SuccessIcon, source, stats.Accepted, stats.Raw, result.Duration.Seconds())
		}
	}

	content += fmt.Sprintf("\nTotal: %d unique leads from %d raw", summary.TotalUnique, summary.TotalRaw)
	content += fmt.Sprintf("\nCounted against account: %d", summary.CountedLeads)
	content += fmt.Sprintf("\nSources: %d/%d succeeded", summary.SuccessCount, summary.AttemptedCount)
	content += fmt.Sprintf("\nDuration: %.1fs", summary.Duration.Seconds())

	fmt.Println(cli.RenderBox(fmt.Sprintf("%s Session complete", cli.ChartIcon), content))

	if summary.SuccessCount == 0 {
		fmt.Println(cli.FormatError("No source completed successfully"))
	}
	for _, source := range summary.UnresolvedDebts {
		fmt.Println(cli.FormatWarning(fmt.Sprintf(
			"consumption for %s could not be recorded; flagged for manual reconciliation", source)))
	}
}
