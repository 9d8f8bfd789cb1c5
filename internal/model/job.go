package model

import "time"

// JobConfig carries everything one harvest job needs to run. Each dispatched
// job receives its own value; jobs never share a mutable context.
type JobConfig struct {
	User       string
	SearchTerm string
	Source     Source
	Iterations int // Scroll/page iterations; drives the pre-flight estimate
	MaxLeads   int // Pre-flight cap; 0 means uncapped
}

// JobResult is the outcome of one harvest job for one source.
type JobResult struct {
	Source   Source
	Success  bool
	Leads    []Lead
	Duration time.Duration
	Err      error
}

// FailedJobResult builds the result recorded when a job crashed, timed out,
// or otherwise never produced leads.
func FailedJobResult(source Source, duration time.Duration, err error) JobResult {
	return JobResult{
		Source:   source,
		Success:  false,
		Duration: duration,
		Err:      err,
	}
}
