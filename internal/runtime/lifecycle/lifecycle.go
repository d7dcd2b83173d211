// Package lifecycle drives ordered component startup and shutdown through a
// fixed state machine, with priority-sorted hooks around every transition
// and bounded automatic recovery after failures.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	buspkg "github.com/mkd-tools/mkd/internal/runtime/bus"
	loggingpkg "github.com/mkd-tools/mkd/internal/runtime/logging"
	registrypkg "github.com/mkd-tools/mkd/internal/runtime/registry"
)

const (
	defaultHookTimeout      = 5 * time.Second
	defaultRecoveryAttempts = 3
)

// State is the lifecycle position of the managed system.
type State int

const (
	StateStopped State = iota
	StateInitializing
	StateStarting
	StateRunning
	StateStopping
	StateError
	StateRecovery
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateInitializing:
		return "initializing"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	case StateRecovery:
		return "recovery"
	default:
		return "unknown"
	}
}

// Options configures a Manager.
type Options struct {
	Registry *registrypkg.Registry
	// Bus receives lifecycle events when set.
	Bus    *buspkg.Bus
	Logger loggingpkg.ServiceLogger
	// HookTimeout is the default per-hook budget.
	HookTimeout time.Duration
	// MaxRecoveryAttempts bounds automatic restarts after a failure.
	MaxRecoveryAttempts int
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = loggingpkg.Nop()
	}
	if o.HookTimeout <= 0 {
		o.HookTimeout = defaultHookTimeout
	}
	if o.MaxRecoveryAttempts <= 0 {
		o.MaxRecoveryAttempts = defaultRecoveryAttempts
	}
	return o
}

// Manager owns the lifecycle state machine. Transitions are serialised; a
// single Manager drives one registry.
type Manager struct {
	opts   Options
	logger loggingpkg.ServiceLogger
	tracer trace.Tracer

	// mu serialises transitions; stateMu guards reads so hooks running
	// inside a transition can still observe the current state.
	mu      sync.Mutex
	stateMu sync.RWMutex
	state   State

	hookMu sync.RWMutex
	hooks  map[Phase][]Hook

	started    []string
	instances  map[string]registrypkg.Component
	recoveries int
}

// New creates a Manager for the supplied registry.
func New(opts Options) (*Manager, error) {
	if opts.Registry == nil {
		return nil, errors.New("lifecycle: registry is required")
	}
	opts = opts.withDefaults()

	return &Manager{
		opts:      opts,
		logger:    opts.Logger,
		tracer:    otel.Tracer("mkd/lifecycle"),
		hooks:     make(map[Phase][]Hook),
		instances: make(map[string]registrypkg.Component),
	}, nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Recoveries returns how many automatic recoveries have run.
func (m *Manager) Recoveries() int {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.recoveries
}

// StartOrder returns the component types started so far, in start order.
func (m *Manager) StartOrder() []string {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return append([]string{}, m.started...)
}

// Instance returns a started component by type.
func (m *Manager) Instance(componentType string) (registrypkg.Component, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	c, ok := m.instances[componentType]
	return c, ok
}

// Start initialises and starts every registered component in dependency
// order. On failure the manager enters the error state, runs recovery hooks,
// and retries the full start up to MaxRecoveryAttempts times before giving
// up and staying in the error state.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == StateRunning {
		return errors.New("lifecycle: already running")
	}

	var lastErr error
	for attempt := 0; attempt <= m.opts.MaxRecoveryAttempts; attempt++ {
		if attempt > 0 {
			m.setState(StateRecovery)
			m.bumpRecoveries()
			m.runHooks(ctx, PhaseOnRecovery, false)
			m.stopComponents(ctx)
		}

		err := m.startOnce(ctx)
		if err == nil {
			if attempt > 0 {
				m.publish(buspkg.NewEvent(buspkg.TypeSystemRecovered, "lifecycle",
					buspkg.WithPriority(buspkg.PriorityHigh),
					buspkg.WithData(map[string]any{"attempts": attempt})))
			}
			return nil
		}

		lastErr = err
		m.enterError(ctx, err)
	}
	return lastErr
}

// Stop shuts every started component down in reverse start order. Stop
// errors do not abort the teardown; they are joined and returned once every
// component had its chance to stop.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == StateStopped {
		return nil
	}

	ctx, span := m.tracer.Start(ctx, "lifecycle.stop")
	defer span.End()

	m.setState(StateStopping)
	m.runHooks(ctx, PhasePreStop, false)
	errs := m.stopComponents(ctx)
	m.runHooks(ctx, PhasePostStop, false)
	m.setState(StateStopped)

	m.publish(buspkg.NewEvent(buspkg.TypeSystemStopped, "lifecycle"))
	return errors.Join(errs...)
}

// ReportFailure is the entry point for runtime component failures. It
// publishes the failure, enters the error state, and attempts the bounded
// automatic recovery (full stop + start). Returns nil when the system is
// running again.
func (m *Manager) ReportFailure(ctx context.Context, componentType string, cause error) error {
	m.publish(buspkg.NewEvent(buspkg.TypeComponentFailed, componentType,
		buspkg.WithPriority(buspkg.PriorityCritical),
		buspkg.WithData(map[string]any{"error": cause.Error()})))

	m.mu.Lock()
	defer m.mu.Unlock()

	m.enterError(ctx, cause)

	lastErr := cause
	for attempt := 1; attempt <= m.opts.MaxRecoveryAttempts; attempt++ {
		m.setState(StateRecovery)
		m.bumpRecoveries()
		m.runHooks(ctx, PhaseOnRecovery, false)
		m.stopComponents(ctx)

		if err := m.startOnce(ctx); err == nil {
			m.publish(buspkg.NewEvent(buspkg.TypeSystemRecovered, "lifecycle",
				buspkg.WithPriority(buspkg.PriorityHigh),
				buspkg.WithData(map[string]any{"attempts": attempt})))
			return nil
		} else {
			lastErr = err
			m.enterError(ctx, err)
		}
	}
	return lastErr
}

func (m *Manager) startOnce(ctx context.Context) error {
	ctx, span := m.tracer.Start(ctx, "lifecycle.start")
	defer span.End()

	m.setState(StateInitializing)
	m.runHooks(ctx, PhasePreInit, false)

	order, err := m.opts.Registry.DependencyOrder()
	if err != nil {
		return fmt.Errorf("resolving start order: %w", err)
	}
	span.SetAttributes(attribute.Int("components", len(order)))

	instances := make(map[string]registrypkg.Component, len(order))
	for _, name := range order {
		instance, err := m.opts.Registry.Resolve(ctx, name)
		if err != nil {
			return fmt.Errorf("initialising component %s: %w", name, err)
		}
		instances[name] = instance
	}

	m.stateMu.Lock()
	m.instances = instances
	m.stateMu.Unlock()

	m.runHooks(ctx, PhasePostInit, false)

	m.setState(StateStarting)
	m.runHooks(ctx, PhasePreStart, false)

	for _, name := range order {
		if err := instances[name].Start(ctx); err != nil {
			m.publish(buspkg.NewEvent(buspkg.TypeComponentFailed, name,
				buspkg.WithPriority(buspkg.PriorityCritical),
				buspkg.WithData(map[string]any{"error": err.Error()})))
			return fmt.Errorf("starting component %s: %w", name, err)
		}

		m.stateMu.Lock()
		m.started = append(m.started, name)
		m.stateMu.Unlock()

		m.publish(buspkg.NewEvent(buspkg.TypeComponentStarted, name))
	}

	m.runHooks(ctx, PhasePostStart, false)
	m.setState(StateRunning)
	m.publish(buspkg.NewEvent(buspkg.TypeSystemStarted, "lifecycle"))
	return nil
}

// stopComponents tears down started components in reverse order. Individual
// stop failures are logged and collected, never fatal.
func (m *Manager) stopComponents(ctx context.Context) []error {
	m.stateMu.Lock()
	started := m.started
	m.started = nil
	m.stateMu.Unlock()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		name := started[i]
		instance, ok := m.instances[name]
		if !ok {
			continue
		}
		if err := instance.Stop(ctx); err != nil {
			m.logger.Error("component stop failed", err, loggingpkg.LogFields{
				"component_type": name,
			})
			errs = append(errs, fmt.Errorf("stopping component %s: %w", name, err))
			continue
		}
		m.publish(buspkg.NewEvent(buspkg.TypeComponentStopped, name))
	}
	return errs
}

func (m *Manager) enterError(ctx context.Context, cause error) {
	m.setState(StateError)
	m.publish(buspkg.NewEvent(buspkg.TypeSystemError, "lifecycle",
		buspkg.WithPriority(buspkg.PriorityCritical),
		buspkg.WithData(map[string]any{"error": cause.Error()})))
	m.runHooks(ctx, PhaseOnError, true)
}

func (m *Manager) setState(next State) {
	m.stateMu.Lock()
	prev := m.state
	m.state = next
	m.stateMu.Unlock()

	if prev != next {
		m.logger.Debug("lifecycle transition", loggingpkg.LogFields{
			"from": prev.String(),
			"to":   next.String(),
		})
	}
}

func (m *Manager) bumpRecoveries() {
	m.stateMu.Lock()
	m.recoveries++
	m.stateMu.Unlock()
}

func (m *Manager) publish(event buspkg.Event) {
	if m.opts.Bus == nil {
		return
	}
	if err := m.opts.Bus.Publish(event); err != nil {
		m.logger.Debug("lifecycle event not published", loggingpkg.LogFields{
			"event_type": event.Type,
			"error":      err.Error(),
		})
	}
}
