package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/the-leads-must-flow/internal/common"
	"github.com/Veraticus/the-leads-must-flow/internal/model"
	"github.com/Veraticus/the-leads-must-flow/internal/service"
)

const (
	// DefaultMaxWorkers caps how many harvest jobs run at once.
	DefaultMaxWorkers = 7
	// DefaultJobTimeout bounds one job's execution.
	DefaultJobTimeout = 10 * time.Minute
)

// Config holds dispatcher tuning knobs.
type Config struct {
	MaxWorkers int
	JobTimeout time.Duration
}

// Dispatcher fans one harvest job per requested source out across a bounded
// worker pool and collects every result before returning. A job that panics,
// errors, or overruns its timeout becomes a failed JobResult; it never takes
// the other jobs down with it.
type Dispatcher struct {
	registry   *Registry
	onResult   func(model.JobResult)
	maxWorkers int
	jobTimeout time.Duration
}

// NewDispatcher creates a dispatcher over the given registry.
func NewDispatcher(registry *Registry, cfg Config) *Dispatcher {
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}
	return &Dispatcher{
		registry:   registry,
		maxWorkers: maxWorkers,
		jobTimeout: jobTimeout,
	}
}

// OnResult registers a callback invoked as each job settles, before the full
// batch returns. Used for progress reporting only; the batch is still
// withheld from downstream accounting until every job has settled.
func (d *Dispatcher) OnResult(fn func(model.JobResult)) {
	d.onResult = fn
}

// Dispatch runs one job per requested source and returns a result for every
// source, whether it succeeded, failed, or timed out. cfgFor builds an
// independent JobConfig per source; jobs never share a config value.
func (d *Dispatcher) Dispatch(ctx context.Context, sources []model.Source, cfgFor func(model.Source) model.JobConfig) (map[model.Source]model.JobResult, error) {
	if len(sources) == 0 {
		return nil, common.ErrNoSources
	}

	workers := d.maxWorkers
	if len(sources) < workers {
		workers = len(sources)
	}

	slog.Info("Dispatching harvest jobs",
		"sources", len(sources),
		"workers", workers,
		"job_timeout", d.jobTimeout)

	results := make(map[model.Source]model.JobResult, len(sources))
	var mu sync.Mutex

	record := func(result model.JobResult) {
		mu.Lock()
		results[result.Source] = result
		if d.onResult != nil {
			d.onResult(result)
		}
		mu.Unlock()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for _, source := range sources {
		job, err := d.registry.Resolve(source)
		if err != nil {
			record(model.FailedJobResult(source, 0, err))
			continue
		}

		source := source
		cfg := cfgFor(source)
		g.Go(func() error {
			record(d.runJob(ctx, source, job, cfg))
			// Failures are data, not errors; never cancel sibling jobs.
			return nil
		})
	}

	_ = g.Wait()

	for source, result := range results {
		if result.Success {
			slog.Info("Harvest job succeeded",
				"source", source,
				"leads", len(result.Leads),
				"duration", result.Duration)
		} else {
			slog.Warn("Harvest job failed",
				"source", source,
				"duration", result.Duration,
				"error", result.Err)
		}
	}

	return results, nil
}

// runJob executes one job under its own timeout, converting panics and
// overruns into failed results at this boundary. A job that ignores its
// context is abandoned at the deadline; its goroutine is left to finish
// into the void rather than stall the batch.
func (d *Dispatcher) runJob(ctx context.Context, source model.Source, job service.HarvestJob, cfg model.JobConfig) model.JobResult {
	jobCtx, cancel := context.WithTimeout(ctx, d.jobTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan model.JobResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- model.FailedJobResult(source, time.Since(start),
					fmt.Errorf("job panicked: %v", r))
			}
		}()
		done <- job.Run(jobCtx, cfg)
	}()

	select {
	case result := <-done:
		result.Source = source
		if result.Duration == 0 {
			result.Duration = time.Since(start)
		}
		if !result.Success && errors.Is(jobCtx.Err(), context.DeadlineExceeded) {
			result.Err = common.ErrJobTimeout
			result.Leads = nil
		}
		return result
	case <-jobCtx.Done():
		err := jobCtx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = common.ErrJobTimeout
		}
		return model.FailedJobResult(source, time.Since(start), err)
	}
}
