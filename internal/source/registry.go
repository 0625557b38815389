// Package source holds the process-wide catalog of retrieval sources: the
// logical collections documents are ingested into and queries fan out
// across. Each source declares its embedding dimensionality, chunking
// policy, and priority (used as a fusion tie-breaker).
package source

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/kalambet/ragd/internal/chunking"
)

var (
	// ErrNotFound is returned when a source name is not registered.
	ErrNotFound = errors.New("source not found")

	// ErrExists is returned when registering a name twice.
	ErrExists = errors.New("source already registered")
)

// Source describes one registered vector collection.
type Source struct {
	Name      string
	Dimension int             // embedding dimensionality; all chunks must match
	Policy    chunking.Policy // chunk sizing for ingestion into this source
	Priority  int             // lower wins fusion ties; assigned at registration
}

// Registry is the thread-safe source catalog.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
	nextPri int
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Add registers a source. A zero Priority is assigned the next available
// rank; zero-value policy fields fall back to defaults at chunking time.
func (r *Registry) Add(s Source) error {
	if s.Name == "" {
		return errors.New("source name is required")
	}
	if s.Dimension <= 0 {
		return fmt.Errorf("source %q: dimension must be positive", s.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[s.Name]; ok {
		return fmt.Errorf("%w: %s", ErrExists, s.Name)
	}
	if s.Priority == 0 {
		r.nextPri++
		s.Priority = r.nextPri
	} else if s.Priority > r.nextPri {
		r.nextPri = s.Priority
	}
	r.sources[s.Name] = s
	return nil
}

// Remove unregisters a source. Sessions still referencing the name degrade
// gracefully: retrieval silently excludes it.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	delete(r.sources, name)
	return nil
}

// Get returns the source by name.
func (r *Registry) Get(name string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[name]
	if !ok {
		return Source{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return s, nil
}

// List returns all sources ordered by priority, then name.
func (r *Registry) List() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Resolve filters names down to registered sources, preserving priority
// order. Unknown names are skipped, not errors: a removed source must not
// break sessions that still reference it.
func (r *Registry) Resolve(names []string) []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Source
	for _, name := range names {
		if s, ok := r.sources[name]; ok {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}
