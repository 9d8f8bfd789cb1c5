package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"

	"github.com/Veraticus/the-leads-must-flow/internal/common"
	"github.com/Veraticus/the-leads-must-flow/internal/config"
	"github.com/Veraticus/the-leads-must-flow/internal/dispatch"
	"github.com/Veraticus/the-leads-must-flow/internal/harvest"
	"github.com/Veraticus/the-leads-must-flow/internal/model"
	"github.com/Veraticus/the-leads-must-flow/internal/service"
	"github.com/Veraticus/the-leads-must-flow/internal/storage"
)

// initStorage initializes the storage service with proper path expansion.
func initStorage(ctx context.Context) (service.Storage, error) {
	dbPath := viper.GetString("database.path")
	if dbPath == "" {
		dbPath = "$HOME/.local/share/leads/leads.db"
	}
	dbPath = config.ExpandPath(dbPath)

	store, err := storage.NewSQLiteStorage(dbPath)
	if err != nil {
		return nil, err
	}

	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// ensureAccount fetches the user's resource account, bootstrapping new users
// onto the trial allowance.
func ensureAccount(ctx context.Context, store service.Storage, user string) (*model.Account, error) {
	account, err := store.GetAccount(ctx, user)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, common.ErrUnknownAccount) {
		return nil, err
	}

	account, err = store.CreateAccount(ctx, user, model.KindAllowance, model.DefaultAllowanceCap)
	if err != nil {
		return nil, fmt.Errorf("failed to create trial account: %w", err)
	}
	slog.Info("Created trial account",
		"user", user,
		"allowance", account.Cap)
	return account, nil
}

// buildRegistry binds each requested source to its configured collector
// command. Collectors live under the harvest.collectors config key, e.g.:
//
//	harvest:
//	  collectors:
//	    instagram: ["python", "instagram_scraper.py"]
func buildRegistry(sources []model.Source) (*dispatch.Registry, error) {
	registry := dispatch.NewRegistry()
	for _, source := range sources {
		key := "harvest.collectors." + string(source)
		command := viper.GetStringSlice(key)
		if len(command) == 0 {
			return nil, common.NewUserError(
				fmt.Sprintf("no collector configured for source %q (set %s)", source, key), nil)
		}
		if err := registry.Register(source, harvest.NewExecJob(command[0], command[1:]...)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// buildEstimator loads per-source yield multiplier overrides from config.
func buildEstimator() *dispatch.Estimator {
	overrides := make(map[model.Source]int)
	for name, value := range viper.GetStringMap("harvest.estimates") {
		source, err := model.ParseSource(name)
		if err != nil {
			slog.Warn("Ignoring estimate override for unknown source", "source", name)
			continue
		}
		if m, ok := value.(int); ok && m > 0 {
			overrides[source] = m
		}
	}
	return dispatch.NewEstimator(overrides)
}

// describeAvailability renders a one-line account status.
func describeAvailability(account *model.Account, available int64) string {
	if account.Kind == model.KindAllowance {
		return fmt.Sprintf("trial allowance: %d of %d remaining", available, account.Cap)
	}
	return fmt.Sprintf("credit balance: %d", available)
}

func joinSources(sources []model.Source) string {
	names := make([]string, len(sources))
	for i, source := range sources {
		names[i] = string(source)
	}
	return strings.Join(names, ", ")
}
