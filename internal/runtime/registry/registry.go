// Package registry implements the component registry: dependency-declared
// factories, cycle detection at registration time, deterministic start
// ordering, and scope-aware instantiation.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	configpkg "github.com/mkd-tools/mkd/internal/runtime/config"
	errspkg "github.com/mkd-tools/mkd/internal/runtime/errors"
	loggingpkg "github.com/mkd-tools/mkd/internal/runtime/logging"
)

// Scope controls how many instances of a component exist.
type Scope int

const (
	// ScopeSingleton builds the component once and caches it.
	ScopeSingleton Scope = iota
	// ScopeTransient builds a fresh instance on every resolve.
	ScopeTransient
	// ScopeScoped builds one instance per scope token.
	ScopeScoped
)

func (s Scope) String() string {
	switch s {
	case ScopeSingleton:
		return "singleton"
	case ScopeTransient:
		return "transient"
	case ScopeScoped:
		return "scoped"
	default:
		return "unknown"
	}
}

// Component is a registered, independently lifecycled service object.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Factory builds a component instance. The resolver exposes configuration
// and the component's declared dependencies, already constructed.
type Factory func(ctx context.Context, r *Resolver) (Component, error)

// Registration describes a component type: how to build it, what it needs,
// and where it sits in the start order. Higher priority starts earlier among
// components with no ordering constraint between them.
type Registration struct {
	Type         string
	Factory      Factory
	Dependencies []string
	Scope        Scope
	Priority     int
}

// CircularDependencyError reports a registration that would close a
// dependency cycle. The registry is left unchanged when it is returned.
type CircularDependencyError struct {
	Cycle []string
}

func (e *CircularDependencyError) Error() string {
	return "circular dependency: " + strings.Join(e.Cycle, " -> ")
}

// ComponentNotFoundError reports a resolve or ordering request for a type
// that was never registered.
type ComponentNotFoundError struct {
	Type string
}

func (e *ComponentNotFoundError) Error() string {
	return fmt.Sprintf("component not found: %s", e.Type)
}

// Registry stores component registrations and built instances. All methods
// are safe for concurrent use.
type Registry struct {
	conf   *configpkg.Config
	logger loggingpkg.ServiceLogger

	mu            sync.RWMutex
	registrations map[string]Registration
	singletons    map[string]Component
	scoped        map[string]map[string]Component
}

// New creates an empty registry.
func New(conf *configpkg.Config, logger loggingpkg.ServiceLogger) *Registry {
	if logger == nil {
		logger = loggingpkg.Nop()
	}
	return &Registry{
		conf:          conf,
		logger:        logger,
		registrations: make(map[string]Registration),
		singletons:    make(map[string]Component),
		scoped:        make(map[string]map[string]Component),
	}
}

// Register adds a component type. Dependencies may reference types that are
// registered later. A registration that would introduce a cycle fails with
// *CircularDependencyError and leaves the registry untouched.
func (r *Registry) Register(reg Registration) error {
	if reg.Type == "" {
		return errspkg.ErrComponentRequired
	}
	if reg.Factory == nil {
		return errspkg.ErrFactoryRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.registrations[reg.Type]; exists {
		return fmt.Errorf("component already registered: %s", reg.Type)
	}

	if cycle := r.findCycleLocked(reg); cycle != nil {
		return &CircularDependencyError{Cycle: cycle}
	}

	r.registrations[reg.Type] = reg
	r.logger.Debug("component registered", loggingpkg.LogFields{
		"component_type": reg.Type,
		"dependencies":   reg.Dependencies,
		"scope":          reg.Scope.String(),
	})
	return nil
}

type nodeColor int

const (
	colorWhite nodeColor = iota
	colorGray
	colorBlack
)

// findCycleLocked runs an iterative depth-first search over the adjacency
// map with the candidate registration included. The graph was acyclic before
// the call, so any cycle must pass through the candidate node.
func (r *Registry) findCycleLocked(candidate Registration) []string {
	adjacency := make(map[string][]string, len(r.registrations)+1)
	for name, reg := range r.registrations {
		adjacency[name] = reg.Dependencies
	}
	adjacency[candidate.Type] = candidate.Dependencies

	colors := make(map[string]nodeColor, len(adjacency))

	type frame struct {
		node string
		next int
	}

	stack := []frame{{node: candidate.Type}}
	colors[candidate.Type] = colorGray
	path := []string{candidate.Type}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		deps := adjacency[top.node]

		if top.next >= len(deps) {
			colors[top.node] = colorBlack
			stack = stack[:len(stack)-1]
			path = path[:len(path)-1]
			continue
		}

		dep := deps[top.next]
		top.next++

		switch colors[dep] {
		case colorGray:
			// Found a back edge; slice the current path into a cycle.
			start := 0
			for i, node := range path {
				if node == dep {
					start = i
					break
				}
			}
			return append(append([]string{}, path[start:]...), dep)
		case colorWhite:
			colors[dep] = colorGray
			stack = append(stack, frame{node: dep})
			path = append(path, dep)
		}
	}
	return nil
}

// DependencyOrder returns every registered type, each dependency placed
// before its dependents. Independent components are ordered by descending
// priority, then name, so the result is deterministic. Depending on a type
// that was never registered is an error.
func (r *Registry) DependencyOrder() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	indegree := make(map[string]int, len(r.registrations))
	dependents := make(map[string][]string, len(r.registrations))

	for name, reg := range r.registrations {
		if _, ok := indegree[name]; !ok {
			indegree[name] = 0
		}
		for _, dep := range reg.Dependencies {
			if _, ok := r.registrations[dep]; !ok {
				return nil, &ComponentNotFoundError{Type: dep}
			}
			indegree[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	ready := make([]string, 0, len(indegree))
	for name, degree := range indegree {
		if degree == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(indegree))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool {
			pi := r.registrations[ready[i]].Priority
			pj := r.registrations[ready[j]].Priority
			if pi != pj {
				return pi > pj
			}
			return ready[i] < ready[j]
		})

		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, dependent := range dependents[next] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	// Registration-time cycle detection keeps the graph acyclic, so every
	// node ends up in the order.
	return order, nil
}

// Has reports whether a type is registered.
func (r *Registry) Has(componentType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.registrations[componentType]
	return ok
}

// Types returns the registered type names in no particular order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.registrations))
	for name := range r.registrations {
		types = append(types, name)
	}
	return types
}

// Registration returns the stored registration for a type.
func (r *Registry) Registration(componentType string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[componentType]
	return reg, ok
}

// Resolve builds (or returns the cached) instance for a type using the
// default scope token.
func (r *Registry) Resolve(ctx context.Context, componentType string) (Component, error) {
	return r.ResolveInScope(ctx, "", componentType)
}

// ResolveInScope builds an instance within the given scope token. Scoped
// components are cached per token; singletons ignore the token entirely.
func (r *Registry) ResolveInScope(ctx context.Context, scope, componentType string) (Component, error) {
	return r.resolve(ctx, scope, componentType, nil)
}

func (r *Registry) resolve(ctx context.Context, scope, componentType string, chain []string) (Component, error) {
	r.mu.RLock()
	reg, ok := r.registrations[componentType]
	r.mu.RUnlock()
	if !ok {
		return nil, &ComponentNotFoundError{Type: componentType}
	}

	switch reg.Scope {
	case ScopeSingleton:
		r.mu.RLock()
		cached, ok := r.singletons[componentType]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}
	case ScopeScoped:
		r.mu.RLock()
		cached, ok := r.scoped[scope][componentType]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}
	}

	resolver := &Resolver{
		registry: r,
		ctx:      ctx,
		scope:    scope,
		declared: reg.Dependencies,
		chain:    append(chain, componentType),
	}

	instance, err := reg.Factory(ctx, resolver)
	if err != nil {
		return nil, fmt.Errorf("building component %s: %w", componentType, err)
	}

	switch reg.Scope {
	case ScopeSingleton:
		r.mu.Lock()
		// Another goroutine may have won the build race; keep the first.
		if cached, ok := r.singletons[componentType]; ok {
			instance = cached
		} else {
			r.singletons[componentType] = instance
		}
		r.mu.Unlock()
	case ScopeScoped:
		r.mu.Lock()
		if r.scoped[scope] == nil {
			r.scoped[scope] = make(map[string]Component)
		}
		if cached, ok := r.scoped[scope][componentType]; ok {
			instance = cached
		} else {
			r.scoped[scope][componentType] = instance
		}
		r.mu.Unlock()
	}

	return instance, nil
}

// ClearScope drops all cached instances for a scope token.
func (r *Registry) ClearScope(scope string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.scoped, scope)
}

// Resolver is handed to factories so they can reach configuration and their
// declared dependencies.
type Resolver struct {
	registry *Registry
	ctx      context.Context
	scope    string
	declared []string
	chain    []string
}

// Config returns the shared configuration. May be nil when the registry was
// created without one.
func (r *Resolver) Config() *configpkg.Config {
	return r.registry.conf
}

// Component resolves one of the factory's declared dependencies. Requesting
// a type outside the declaration is an error so the dependency graph stays
// honest.
func (r *Resolver) Component(componentType string) (Component, error) {
	declared := false
	for _, dep := range r.declared {
		if dep == componentType {
			declared = true
			break
		}
	}
	if !declared {
		return nil, fmt.Errorf("component %s does not declare dependency on %s", r.chain[len(r.chain)-1], componentType)
	}
	return r.registry.resolve(r.ctx, r.scope, componentType, r.chain)
}
