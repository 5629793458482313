// Package registry implements the pipeline registry and parameter
// validation framework.
package registry

import (
	"sort"
	"strings"
	"sync"

	spineerr "github.com/ryansmccoy/spine-core-sub006/internal/app/core/spine"
	"github.com/ryansmccoy/spine-core-sub006/internal/app/core/pipeline"
	domain "github.com/ryansmccoy/spine-core-sub006/internal/app/domain/spine"
)

// entry bundles a pipeline's registration record with its factory.
type entry struct {
	spec    domain.PipelineSpec
	factory pipeline.Factory
}

// Registry is a process-wide, stable-for-process-lifetime map from
// pipeline name to PipelineSpec + factory.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: map[string]entry{}}
}

// Register adds a pipeline. Calling Register twice for the same name
// replaces the prior registration; callers are expected to register once
// at process startup.
func (r *Registry) Register(spec domain.PipelineSpec, factory pipeline.Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[spec.Name] = entry{spec: spec, factory: factory}
}

// Lookup resolves a pipeline by exact name.
func (r *Registry) Lookup(name string) (domain.PipelineSpec, pipeline.Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return domain.PipelineSpec{}, nil, spineerr.PipelineNotFound(name)
	}
	return e.spec, e.factory, nil
}

// Describe returns just the spec for a registered pipeline.
func (r *Registry) Describe(name string) (domain.PipelineSpec, error) {
	spec, _, err := r.Lookup(name)
	return spec, err
}

// List returns every registered pipeline whose name has the given prefix,
// sorted by name. An empty prefix lists everything.
func (r *Registry) List(prefix string) []domain.PipelineSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.PipelineSpec, 0, len(r.entries))
	for _, e := range r.entries {
		if prefix == "" || strings.HasPrefix(e.spec.Name, prefix) {
			out = append(out, e.spec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
