package model

import "time"

// SessionSummary is the durable record of one harvest session.
type SessionSummary struct {
	Timestamp       time.Time
	SessionID       string
	User            string
	SearchTerm      string
	SourcesRun      []Source
	PerSourceLeads  map[Source]int
	TotalRaw        int
	TotalUnique     int
	CountedLeads    int // Consumption recorded against the account; capped for allowance accounts
	Duration        time.Duration
	SuccessCount    int
	AttemptedCount  int
	UnresolvedDebts []Source // Sources whose debit could not be reconciled
}

// SourceStats is the cumulative per-source tally for one user.
type SourceStats struct {
	LastRun time.Time
	Leads   int64
}

// CumulativeStats aggregates a user's harvesting history across sessions.
// Merges are keyed by session ID so replaying a summary is a no-op.
type CumulativeStats struct {
	PerSource     map[Source]SourceStats
	User          string
	LastSessionID string
	TotalLeads    int64
	Campaigns     int64
	CreditsUsed   int64
}
