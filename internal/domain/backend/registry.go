package backend

import (
	"sync"

	"github.com/ai4all/worker/internal/domain/task"
	"github.com/ai4all/worker/internal/errs"
)

// Registry holds the registered backends and picks one per task type.
// Safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	backends    map[Kind]Backend
	defaultKind Kind
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[Kind]Backend)}
}

// Register adds a backend. The first backend registered becomes the
// default; the default is never unset while the registry lives.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.backends) == 0 {
		r.defaultKind = b.Kind()
	}
	r.backends[b.Kind()] = b
}

// Get returns the backend of a given kind.
func (r *Registry) Get(kind Kind) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[kind]
	return b, ok
}

// Default returns the first backend that was registered.
func (r *Registry) Default() (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[r.defaultKind]
	return b, ok
}

// FindForTask returns the highest-priority backend supporting the task
// type. The error carries a not-supported code when none does.
func (r *Registry) FindForTask(t task.Type) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, kind := range priorityOrder {
		b, ok := r.backends[kind]
		if !ok {
			continue
		}
		if b.Capabilities().SupportsTask(t) {
			return b, nil
		}
	}
	return nil, errs.Newf(errs.CodeNotSupported, "no backend supports task type %s", t)
}

// Kinds lists the registered backend kinds in priority order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var kinds []Kind
	for _, kind := range priorityOrder {
		if _, ok := r.backends[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// SupportedTasks returns the union of every registered backend's task
// types, in priority order without duplicates.
func (r *Registry) SupportedTasks() []task.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[task.Type]bool)
	var types []task.Type
	for _, kind := range priorityOrder {
		b, ok := r.backends[kind]
		if !ok {
			continue
		}
		for _, t := range b.Capabilities().SupportedTasks {
			if !seen[t] {
				seen[t] = true
				types = append(types, t)
			}
		}
	}
	return types
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}
