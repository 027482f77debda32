package backend

import (
	"sort"
	"sync"

	"foreman/internal/domain"
)

// Registry holds named inference backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]domain.Backend
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[string]domain.Backend),
	}
}

// Register adds a backend. Returns error if name already registered.
func (r *Registry) Register(b domain.Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := b.Name()
	if _, exists := r.backends[name]; exists {
		return domain.NewSubSystemError("backend", "Registry.Register", domain.ErrDuplicate, name)
	}
	r.backends[name] = b
	return nil
}

// Get retrieves a backend by name.
func (r *Registry) Get(name string) (domain.Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, domain.NewSubSystemError("backend", "Registry.Get", domain.ErrNotFound, name)
	}
	return b, nil
}

// List returns all registered backend names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every registered backend keyed by name.
func (r *Registry) All() map[string]domain.Backend {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]domain.Backend, len(r.backends))
	for name, b := range r.backends {
		out[name] = b
	}
	return out
}
