// Package dispatch runs harvest jobs across sources under bounded concurrency.
package dispatch

import (
	"fmt"
	"sort"

	"github.com/Veraticus/the-leads-must-flow/internal/common"
	"github.com/Veraticus/the-leads-must-flow/internal/model"
	"github.com/Veraticus/the-leads-must-flow/internal/service"
)

// Registry binds each supported source to its harvest job implementation.
// Bindings are resolved once at startup; nothing is looked up by free-form
// string at dispatch time.
type Registry struct {
	jobs map[model.Source]service.HarvestJob
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		jobs: make(map[model.Source]service.HarvestJob),
	}
}

// Register binds a job to a source. Rebinding a source is an error.
func (r *Registry) Register(source model.Source, job service.HarvestJob) error {
	if _, err := model.ParseSource(string(source)); err != nil {
		return fmt.Errorf("%w: %v", common.ErrUnknownSource, err)
	}
	if job == nil {
		return fmt.Errorf("%w: nil job for source %s", common.ErrInvalidConfig, source)
	}
	if _, exists := r.jobs[source]; exists {
		return fmt.Errorf("%w: source %s already registered", common.ErrDuplicateEntry, source)
	}
	r.jobs[source] = job
	return nil
}

// Resolve returns the job bound to a source.
func (r *Registry) Resolve(source model.Source) (service.HarvestJob, error) {
	job, ok := r.jobs[source]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrUnknownSource, source)
	}
	return job, nil
}

// Sources lists the registered sources in canonical order.
func (r *Registry) Sources() []model.Source {
	sources := make([]model.Source, 0, len(r.jobs))
	for source := range r.jobs {
		sources = append(sources, source)
	}
	sort.Slice(sources, func(i, j int) bool { return sources[i] < sources[j] })
	return sources
}
