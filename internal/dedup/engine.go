// Package dedup filters harvested leads against session and historical
// fingerprints so the same real-world entity is only delivered once.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/the-leads-must-flow/internal/model"
	"github.com/Veraticus/the-leads-must-flow/internal/service"
)

// Strategy selects how aggressively leads are deduplicated.
type Strategy string

const (
	// StrategyKeepAll performs no filtering.
	StrategyKeepAll Strategy = "keep_all"
	// StrategySessionOnly dedups within the current batch, ignoring history.
	StrategySessionOnly Strategy = "session_only"
	// StrategyUserAware dedups within the batch and against the user's
	// persistent fingerprint history. The default.
	StrategyUserAware Strategy = "user_aware"
	// StrategyAggressive dedups purely by normalized display name. Lower
	// precision; kept for backward compatibility only.
	StrategyAggressive Strategy = "aggressive"
)

// ParseStrategy converts a string to a Strategy, rejecting unknown values.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyKeepAll:
		return StrategyKeepAll, nil
	case StrategySessionOnly:
		return StrategySessionOnly, nil
	case StrategyUserAware, Strategy(""):
		return StrategyUserAware, nil
	case StrategyAggressive:
		return StrategyAggressive, nil
	default:
		return "", fmt.Errorf("unknown deduplication strategy %q", s)
	}
}

// Stats describes what happened to one batch.
type Stats struct {
	Raw                  int
	Accepted             int
	SessionDuplicates    int
	HistoricalDuplicates int
	Invalid              int
	// SameNameDifferentIdentity counts accepted leads that share a display
	// name with an earlier accepted lead but carry a stronger distinct
	// signal. Observability only.
	SameNameDifferentIdentity int
	// WeakFingerprints counts accepted leads whose fingerprint degraded to
	// name matching.
	WeakFingerprints int
}

// Result is the outcome of deduplicating one (user, source) batch.
type Result struct {
	Leads []model.Lead
	Stats Stats
	// Degraded is set when the fingerprint history could not be read and
	// dedup fell back to session-only matching.
	Degraded bool
	// StoreWriteFailed is set when newly accepted fingerprints could not be
	// persisted. The in-memory result is still valid; a later run may simply
	// re-admit some leads.
	StoreWriteFailed bool
}

// Engine applies a deduplication strategy over the fingerprint store.
type Engine struct {
	storage service.Storage
}

// NewEngine creates a deduplication engine backed by the given storage.
func NewEngine(storage service.Storage) *Engine {
	return &Engine{storage: storage}
}

// Deduplicate filters a batch of raw leads for one (user, source) pair.
// The dispatcher guarantees one job per (user, source) per session and the
// store is partitioned the same way, so there is never a write race on one
// store within a session.
func (e *Engine) Deduplicate(ctx context.Context, user string, source model.Source, leads []model.Lead, strategy Strategy) (Result, error) {
	result := Result{Stats: Stats{Raw: len(leads)}}
	if len(leads) == 0 {
		result.Leads = []model.Lead{}
		return result, nil
	}

	switch strategy {
	case StrategyKeepAll:
		result.Leads = leads
		result.Stats.Accepted = len(leads)
		return result, nil
	case StrategyAggressive:
		return e.dedupByName(leads, result), nil
	case StrategySessionOnly:
		return e.dedupByFingerprint(ctx, user, source, leads, result, false)
	case StrategyUserAware:
		return e.dedupByFingerprint(ctx, user, source, leads, result, true)
	default:
		return result, fmt.Errorf("unknown deduplication strategy %q", strategy)
	}
}

// dedupByName is the legacy strategy: one lead per normalized display name.
func (e *Engine) dedupByName(leads []model.Lead, result Result) Result {
	seen := make(map[string]bool, len(leads))
	for _, lead := range leads {
		name := model.NormalizeName(lead.Name)
		if len(name) < 2 {
			result.Stats.Invalid++
			continue
		}
		if seen[name] {
			result.Stats.SessionDuplicates++
			continue
		}
		seen[name] = true
		result.Leads = append(result.Leads, lead)
		result.Stats.Accepted++
	}
	return result
}

func (e *Engine) dedupByFingerprint(ctx context.Context, user string, source model.Source, leads []model.Lead, result Result, useHistory bool) (Result, error) {
	type keyed struct {
		fingerprint string
		weak        bool
	}

	keys := make([]keyed, len(leads))
	probe := make([]string, 0, len(leads))
	for i, lead := range leads {
		fp, weak := lead.Fingerprint()
		keys[i] = keyed{fingerprint: fp, weak: weak}
		if fp != "" {
			probe = append(probe, fp)
		}
	}

	historical := map[string]bool{}
	if useHistory {
		var err error
		historical, err = e.storage.HasFingerprints(ctx, user, source, probe)
		if err != nil {
			// Degrade to session-only matching rather than drop the batch.
			slog.Warn("Fingerprint history unreadable, using session-only dedup",
				"user", user,
				"source", source,
				"error", err)
			historical = map[string]bool{}
			result.Degraded = true
			useHistory = false
		}
	}

	now := time.Now().UTC()
	sessionSeen := make(map[string]bool, len(leads))
	acceptedNames := make(map[string]bool, len(leads))
	var pending []model.StoredFingerprint

	for i, lead := range leads {
		key := keys[i]
		if key.fingerprint == "" {
			result.Stats.Invalid++
			continue
		}
		if sessionSeen[key.fingerprint] {
			result.Stats.SessionDuplicates++
			continue
		}
		if historical[key.fingerprint] {
			result.Stats.HistoricalDuplicates++
			continue
		}

		name := model.NormalizeName(lead.Name)
		if acceptedNames[name] {
			result.Stats.SameNameDifferentIdentity++
		}
		acceptedNames[name] = true

		if key.weak {
			result.Stats.WeakFingerprints++
		}

		sessionSeen[key.fingerprint] = true
		pending = append(pending, model.StoredFingerprint{
			Fingerprint: key.fingerprint,
			FirstSeen:   now,
			SearchTerm:  lead.SearchTerm,
			Weak:        key.weak,
		})
		result.Leads = append(result.Leads, lead)
		result.Stats.Accepted++
	}

	if useHistory && len(pending) > 0 {
		if err := e.storage.SaveFingerprints(ctx, user, source, pending); err != nil {
			// Non-fatal: the next run re-admits at worst.
			slog.Warn("Failed to persist fingerprints",
				"user", user,
				"source", source,
				"count", len(pending),
				"error", err)
			result.StoreWriteFailed = true
		}
	}

	slog.Debug("Deduplication complete",
		"user", user,
		"source", source,
		"raw", result.Stats.Raw,
		"accepted", result.Stats.Accepted,
		"session_dupes", result.Stats.SessionDuplicates,
		"historical_dupes", result.Stats.HistoricalDuplicates,
		"invalid", result.Stats.Invalid)

	return result, nil
}
