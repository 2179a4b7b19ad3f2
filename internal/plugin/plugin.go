// Package plugin defines the resource handler contract for anchor.
//
// A handler knows how to observe, converge, and delete one kind of resource.
// Handlers are written against a typed spec and adapted with For so the
// convergence driver can dispatch on kind without knowing any spec type.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/yairfalse/anchor/orchestrator"
	"github.com/yairfalse/anchor/pkg/fault"
	"github.com/yairfalse/anchor/pkg/resource"
)

// ResourceHandler is the typed contract implemented per kind.
type ResourceHandler[S any] interface {
	// Current returns the live state of spec, or nil when it does not exist.
	Current(ctx context.Context, spec S) (*S, error)

	// Converge submits the work needed to make the live state match spec.
	// It must be idempotent.
	Converge(ctx context.Context, name resource.Name, spec S) (orchestrator.TaskRef, error)

	// Delete submits teardown of spec.
	Delete(ctx context.Context, name resource.Name, spec S) (orchestrator.TaskRef, error)

	// Diff returns the changes between desired and current. Empty means equal.
	Diff(desired, current S) []resource.Change
}

// Observation is the result of comparing desired against live state.
type Observation struct {
	Absent  bool
	Changes []resource.Change
}

// InSync reports whether nothing needs to be done.
func (o Observation) InSync() bool {
	return !o.Absent && len(o.Changes) == 0
}

// Handler is the kind-erased contract the driver dispatches to.
type Handler interface {
	Kind() string
	Observe(ctx context.Context, r resource.Resource) (Observation, error)
	Converge(ctx context.Context, r resource.Resource) (orchestrator.TaskRef, error)
	Delete(ctx context.Context, r resource.Resource) (orchestrator.TaskRef, error)
}

// For adapts a typed handler to Handler.
func For[S any](kind string, h ResourceHandler[S]) Handler {
	return &adapter[S]{kind: kind, h: h}
}

type adapter[S any] struct {
	kind string
	h    ResourceHandler[S]
}

func (a *adapter[S]) Kind() string { return a.kind }

func (a *adapter[S]) decode(r resource.Resource) (S, error) {
	var spec S
	if err := r.DecodeSpec(&spec); err != nil {
		return spec, fault.Invalid("invalid spec", err).WithResource(r.Name().String())
	}
	if v, ok := any(&spec).(validator); ok {
		if err := v.Validate(); err != nil {
			return spec, fault.Invalid("invalid spec", err).WithResource(r.Name().String())
		}
	}
	return spec, nil
}

// validator is implemented by spec types with constraints beyond decoding.
type validator interface {
	Validate() error
}

func (a *adapter[S]) Observe(ctx context.Context, r resource.Resource) (Observation, error) {
	desired, err := a.decode(r)
	if err != nil {
		return Observation{}, err
	}

	current, err := a.h.Current(ctx, desired)
	if err != nil {
		return Observation{}, err
	}
	if current == nil {
		return Observation{Absent: true}, nil
	}
	return Observation{Changes: a.h.Diff(desired, *current)}, nil
}

func (a *adapter[S]) Converge(ctx context.Context, r resource.Resource) (orchestrator.TaskRef, error) {
	spec, err := a.decode(r)
	if err != nil {
		return orchestrator.TaskRef{}, err
	}
	return a.h.Converge(ctx, r.Name(), spec)
}

func (a *adapter[S]) Delete(ctx context.Context, r resource.Resource) (orchestrator.TaskRef, error) {
	spec, err := a.decode(r)
	if err != nil {
		return orchestrator.TaskRef{}, err
	}
	return a.h.Delete(ctx, r.Name(), spec)
}

// Registry maps kinds to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds h, replacing any handler previously registered for its kind.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Kind()] = h
}

// Get returns the handler for kind. An unknown kind is a configuration fault.
func (r *Registry) Get(kind string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fault.Configuration(fmt.Sprintf("no handler registered for kind %q", kind), nil)
	}
	return h, nil
}

// Kinds returns the registered kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
