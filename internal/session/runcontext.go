// Package session orchestrates one harvest run end to end and finalizes it
// into a durable, idempotent session record.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/the-leads-must-flow/internal/common"
	"github.com/Veraticus/the-leads-must-flow/internal/dedup"
	"github.com/Veraticus/the-leads-must-flow/internal/model"
)

// RunContext is the immutable per-session configuration, constructed once
// and threaded explicitly through dispatch, dedup, and finalization. No
// component reads ambient process-wide state.
type RunContext struct {
	StartedAt  time.Time
	SessionID  string
	User       string
	SearchTerm string
	Sources    []model.Source
	Strategy   dedup.Strategy
	Iterations int
	JobTimeout time.Duration
}

// NewSessionID mints a fresh session identifier. Callers reuse the same ID
// across crash-recovery retries so the ledger's idempotency key holds.
func NewSessionID() string {
	return uuid.NewString()
}

// Validate fails the session fast on missing identity or sources, before
// any job is dispatched.
func (rc *RunContext) Validate() error {
	if rc.SessionID == "" {
		return fmt.Errorf("%w: session id", common.ErrMissingConfig)
	}
	if rc.User == "" {
		return fmt.Errorf("%w: user", common.ErrMissingConfig)
	}
	if len(rc.Sources) == 0 {
		return common.ErrNoSources
	}
	seen := make(map[model.Source]bool, len(rc.Sources))
	for _, source := range rc.Sources {
		if _, err := model.ParseSource(string(source)); err != nil {
			return fmt.Errorf("%w: %v", common.ErrInvalidConfig, err)
		}
		if seen[source] {
			return fmt.Errorf("%w: duplicate source %s", common.ErrInvalidConfig, source)
		}
		seen[source] = true
	}
	if rc.StartedAt.IsZero() {
		return fmt.Errorf("%w: start time", common.ErrMissingConfig)
	}
	return nil
}

// JobConfig builds the independent per-source job configuration.
func (rc *RunContext) JobConfig(source model.Source, maxLeads int) model.JobConfig {
	return model.JobConfig{
		User:       rc.User,
		SearchTerm: rc.SearchTerm,
		Source:     source,
		Iterations: rc.Iterations,
		MaxLeads:   maxLeads,
	}
}
