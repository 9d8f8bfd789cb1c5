package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Veraticus/the-leads-must-flow/internal/common"
	"github.com/Veraticus/the-leads-must-flow/internal/model"
	"github.com/Veraticus/the-leads-must-flow/internal/service"
)

func fixedLeads(n int, source model.Source) []model.Lead {
	leads := make([]model.Lead, n)
	for i := range leads {
		leads[i] = model.Lead{Name: "Lead Person", Source: source}
	}
	return leads
}

func staticConfig(source model.Source) model.JobConfig {
	return model.JobConfig{User: "alice", Source: source, Iterations: 1}
}

func TestDispatch_EveryRequestedSourceGetsAResult(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, registry.Register(model.SourceInstagram,
		service.HarvestJobFunc(func(_ context.Context, cfg model.JobConfig) model.JobResult {
			return model.JobResult{Source: cfg.Source, Success: true, Leads: fixedLeads(3, cfg.Source)}
		})))
	require.NoError(t, registry.Register(model.SourceFacebook,
		service.HarvestJobFunc(func(_ context.Context, cfg model.JobConfig) model.JobResult {
			return model.FailedJobResult(cfg.Source, 0, errors.New("login wall"))
		})))
	require.NoError(t, registry.Register(model.SourceTwitter,
		service.HarvestJobFunc(func(_ context.Context, _ model.JobConfig) model.JobResult {
			panic("scraper exploded")
		})))

	d := NewDispatcher(registry, Config{JobTimeout: 5 * time.Second})
	sources := []model.Source{
		model.SourceInstagram,
		model.SourceFacebook,
		model.SourceTwitter,
		model.SourceLinkedIn, // never registered
	}

	results, err := d.Dispatch(context.Background(), sources, staticConfig)
	require.NoError(t, err)
	require.Len(t, results, len(sources))

	assert.True(t, results[model.SourceInstagram].Success)
	assert.Len(t, results[model.SourceInstagram].Leads, 3)

	assert.False(t, results[model.SourceFacebook].Success)
	assert.Error(t, results[model.SourceFacebook].Err)

	assert.False(t, results[model.SourceTwitter].Success)
	assert.ErrorContains(t, results[model.SourceTwitter].Err, "panicked")

	assert.False(t, results[model.SourceLinkedIn].Success)
	assert.ErrorIs(t, results[model.SourceLinkedIn].Err, common.ErrUnknownSource)
}

func TestDispatch_NoSources(t *testing.T) {
	d := NewDispatcher(NewRegistry(), Config{})

	_, err := d.Dispatch(context.Background(), nil, staticConfig)
	assert.ErrorIs(t, err, common.ErrNoSources)
}

func TestDispatch_BoundedConcurrency(t *testing.T) {
	registry := NewRegistry()

	var running, peak int32
	block := make(chan struct{})
	job := service.HarvestJobFunc(func(_ context.Context, cfg model.JobConfig) model.JobResult {
		current := atomic.AddInt32(&running, 1)
		for {
			observed := atomic.LoadInt32(&peak)
			if current <= observed || atomic.CompareAndSwapInt32(&peak, observed, current) {
				break
			}
		}
		<-block
		atomic.AddInt32(&running, -1)
		return model.JobResult{Source: cfg.Source, Success: true}
	})

	sources := model.AllSources()
	for _, source := range sources {
		require.NoError(t, registry.Register(source, job))
	}

	d := NewDispatcher(registry, Config{MaxWorkers: 2, JobTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = d.Dispatch(context.Background(), sources, staticConfig)
	}()

	// Give the pool time to reach its limit, then release everything.
	time.Sleep(100 * time.Millisecond)
	close(block)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestDispatch_SlowJobTimesOut(t *testing.T) {
	registry := NewRegistry()

	require.NoError(t, registry.Register(model.SourceInstagram,
		service.HarvestJobFunc(func(ctx context.Context, cfg model.JobConfig) model.JobResult {
			<-ctx.Done()
			return model.FailedJobResult(cfg.Source, 0, ctx.Err())
		})))
	require.NoError(t, registry.Register(model.SourceFacebook,
		service.HarvestJobFunc(func(_ context.Context, cfg model.JobConfig) model.JobResult {
			return model.JobResult{Source: cfg.Source, Success: true, Leads: fixedLeads(2, cfg.Source)}
		})))

	d := NewDispatcher(registry, Config{JobTimeout: 50 * time.Millisecond})

	results, err := d.Dispatch(context.Background(),
		[]model.Source{model.SourceInstagram, model.SourceFacebook}, staticConfig)
	require.NoError(t, err)

	timedOut := results[model.SourceInstagram]
	assert.False(t, timedOut.Success)
	assert.ErrorIs(t, timedOut.Err, common.ErrJobTimeout)
	assert.Empty(t, timedOut.Leads)

	// The slow job does not take its siblings down.
	assert.True(t, results[model.SourceFacebook].Success)
}

func TestDispatch_AbandonsJobIgnoringContext(t *testing.T) {
	registry := NewRegistry()

	release := make(chan struct{})
	require.NoError(t, registry.Register(model.SourceInstagram,
		service.HarvestJobFunc(func(_ context.Context, cfg model.JobConfig) model.JobResult {
			<-release // never watches its context
			return model.JobResult{Source: cfg.Source, Success: true}
		})))

	d := NewDispatcher(registry, Config{JobTimeout: 50 * time.Millisecond})

	start := time.Now()
	results, err := d.Dispatch(context.Background(),
		[]model.Source{model.SourceInstagram}, staticConfig)
	close(release)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.ErrorIs(t, results[model.SourceInstagram].Err, common.ErrJobTimeout)
}

func TestDispatch_PerSourceConfig(t *testing.T) {
	registry := NewRegistry()

	var mu sync.Mutex
	seen := make(map[model.Source]model.JobConfig)
	job := service.HarvestJobFunc(func(_ context.Context, cfg model.JobConfig) model.JobResult {
		mu.Lock()
		seen[cfg.Source] = cfg
		mu.Unlock()
		return model.JobResult{Source: cfg.Source, Success: true}
	})
	require.NoError(t, registry.Register(model.SourceInstagram, job))
	require.NoError(t, registry.Register(model.SourceFacebook, job))

	d := NewDispatcher(registry, Config{JobTimeout: 5 * time.Second})

	caps := map[model.Source]int{
		model.SourceInstagram: 10,
		model.SourceFacebook:  3,
	}
	_, err := d.Dispatch(context.Background(),
		[]model.Source{model.SourceInstagram, model.SourceFacebook},
		func(source model.Source) model.JobConfig {
			return model.JobConfig{User: "alice", Source: source, MaxLeads: caps[source]}
		})
	require.NoError(t, err)

	assert.Equal(t, 10, seen[model.SourceInstagram].MaxLeads)
	assert.Equal(t, 3, seen[model.SourceFacebook].MaxLeads)
}

func TestDispatch_OnResultCallback(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(model.SourceInstagram, noopJob()))
	require.NoError(t, registry.Register(model.SourceFacebook, noopJob()))

	d := NewDispatcher(registry, Config{JobTimeout: 5 * time.Second})

	var settled int32
	d.OnResult(func(model.JobResult) { atomic.AddInt32(&settled, 1) })

	_, err := d.Dispatch(context.Background(),
		[]model.Source{model.SourceInstagram, model.SourceFacebook}, staticConfig)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&settled))
}

func TestEstimator_Yield(t *testing.T) {
	estimator := NewEstimator(nil)

	tests := []struct {
		name string
		cfg  model.JobConfig
		want int
	}{
		{
			name: "default multiplier",
			cfg:  model.JobConfig{Source: model.SourceInstagram, Iterations: 5},
			want: 60,
		},
		{
			name: "zero iterations counts as one",
			cfg:  model.JobConfig{Source: model.SourceMedium},
			want: 5,
		},
		{
			name: "unknown source falls back",
			cfg:  model.JobConfig{Source: model.Source("friendster"), Iterations: 2},
			want: 20,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, estimator.EstimateYield(tt.cfg))
		})
	}
}

func TestEstimator_Overrides(t *testing.T) {
	estimator := NewEstimator(map[model.Source]int{
		model.SourceInstagram: 3,
		model.SourceFacebook:  0, // non-positive overrides are ignored
	})

	assert.Equal(t, 3, estimator.EstimateYield(model.JobConfig{Source: model.SourceInstagram, Iterations: 1}))
	assert.Equal(t, 10, estimator.EstimateYield(model.JobConfig{Source: model.SourceFacebook, Iterations: 1}))
}
