package dispatch

import "github.com/Veraticus/the-leads-must-flow/internal/model"

// defaultYieldMultipliers estimate how many leads one iteration of each
// source tends to surface. Empirical, and deliberately tunable through
// configuration rather than authoritative: the real consumption number is
// always the post-dedup accepted count.
var defaultYieldMultipliers = map[model.Source]int{
	model.SourceInstagram: 12,
	model.SourceFacebook:  10,
	model.SourceTwitter:   15,
	model.SourceLinkedIn:  8,
	model.SourceYouTube:   6,
	model.SourceTikTok:    10,
	model.SourceMedium:    5,
	model.SourceReddit:    8,
}

// Estimator predicts per-source yields for pre-flight budget gating.
type Estimator struct {
	multipliers map[model.Source]int
}

// NewEstimator creates an estimator with the default multiplier table,
// overridden per source by the supplied map.
func NewEstimator(overrides map[model.Source]int) *Estimator {
	multipliers := make(map[model.Source]int, len(defaultYieldMultipliers))
	for source, m := range defaultYieldMultipliers {
		multipliers[source] = m
	}
	for source, m := range overrides {
		if m > 0 {
			multipliers[source] = m
		}
	}
	return &Estimator{multipliers: multipliers}
}

// EstimateYield predicts how many leads a job config could produce.
func (e *Estimator) EstimateYield(cfg model.JobConfig) int {
	iterations := cfg.Iterations
	if iterations < 1 {
		iterations = 1
	}
	multiplier, ok := e.multipliers[cfg.Source]
	if !ok {
		multiplier = 10
	}
	return iterations * multiplier
}
