package layout

import (
	"sort"
	"sync"

	"github.com/prateek/gcheap/gcerr"
)

// Registry resolves type names to descriptors.
type Registry struct {
	mu    sync.RWMutex
	types map[string]TypeDescriptor
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]TypeDescriptor)}
}

// Register adds a descriptor. Registering a second descriptor under the
// same name fails with ErrInvalidState.
func (r *Registry) Register(td TypeDescriptor) error {
	if td == nil {
		return gcerr.InvalidArgument("type descriptor is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[td.Name()]; ok {
		return gcerr.InvalidState("type %q is already registered", td.Name())
	}
	r.types[td.Name()] = td
	return nil
}

func (r *Registry) Lookup(name string) (TypeDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	td, ok := r.types[name]
	return td, ok
}

// Names returns the registered type names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
