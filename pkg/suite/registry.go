package suite

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
)

// Registry maps categories to modules.
type Registry struct {
	mu      sync.RWMutex
	modules map[Category]Module
}

// NewRegistry creates a registry holding the given modules.
func NewRegistry(modules ...Module) *Registry {
	r := &Registry{modules: make(map[Category]Module, len(modules))}

	for _, m := range modules {
		r.Register(m)
	}

	return r
}

// Register adds or replaces the module serving its category.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.modules[m.Describe().Category] = m
}

// Lookup returns the module that serves category and suiteType.
func (r *Registry) Lookup(category Category, suiteType string) (Module, error) {
	r.mu.RLock()
	m, ok := r.modules[category]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: no module for category %q", ErrUnknownSuite, category)
	}

	if !m.Describe().Supports(suiteType) {
		return nil, fmt.Errorf(
			"%w: category %q has no suite type %q",
			ErrUnknownSuite, category, suiteType,
		)
	}

	return m, nil
}

// Descriptors returns every registered module's descriptor, sorted by
// category.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.modules))
	for _, m := range r.modules {
		out = append(out, m.Describe())
	}

	slices.SortFunc(out, func(a, b Descriptor) int {
		return cmp.Compare(a.Category, b.Category)
	})

	return out
}
