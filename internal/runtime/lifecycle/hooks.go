package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	loggingpkg "github.com/mkd-tools/mkd/internal/runtime/logging"
)

// Phase names a hook point in the lifecycle state machine.
type Phase string

const (
	PhasePreInit    Phase = "pre_init"
	PhasePostInit   Phase = "post_init"
	PhasePreStart   Phase = "pre_start"
	PhasePostStart  Phase = "post_start"
	PhasePreStop    Phase = "pre_stop"
	PhasePostStop   Phase = "post_stop"
	PhaseOnError    Phase = "on_error"
	PhaseOnRecovery Phase = "on_recovery"
)

func validPhase(p Phase) bool {
	switch p {
	case PhasePreInit, PhasePostInit, PhasePreStart, PhasePostStart,
		PhasePreStop, PhasePostStop, PhaseOnError, PhaseOnRecovery:
		return true
	}
	return false
}

// Hook is a callback attached to a lifecycle phase. Hooks run in descending
// priority order with a per-hook timeout. A failing hook is logged and, for
// phases other than on_error, routed through the error hooks; the transition
// itself continues.
type Hook struct {
	Name     string
	Phase    Phase
	Priority int
	// Timeout overrides the manager's default hook timeout when positive.
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// AddHook attaches a hook to its phase.
func (m *Manager) AddHook(h Hook) error {
	if !validPhase(h.Phase) {
		return fmt.Errorf("lifecycle: unknown phase %q", h.Phase)
	}
	if h.Run == nil {
		return fmt.Errorf("lifecycle: hook %q has no Run function", h.Name)
	}
	if h.Name == "" {
		h.Name = "anonymous_hook"
	}

	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hooks[h.Phase] = append(m.hooks[h.Phase], h)
	sort.SliceStable(m.hooks[h.Phase], func(i, j int) bool {
		return m.hooks[h.Phase][i].Priority > m.hooks[h.Phase][j].Priority
	})
	return nil
}

// runHooks executes every hook of a phase in priority order. inErrorPath
// suppresses re-entering the error hooks while they are already running.
func (m *Manager) runHooks(ctx context.Context, phase Phase, inErrorPath bool) {
	m.hookMu.RLock()
	hooks := make([]Hook, len(m.hooks[phase]))
	copy(hooks, m.hooks[phase])
	m.hookMu.RUnlock()

	for _, h := range hooks {
		if err := m.runHook(ctx, h); err != nil {
			m.logger.Error("lifecycle hook failed", err, loggingpkg.LogFields{
				"hook":  h.Name,
				"phase": string(phase),
			})
			if !inErrorPath {
				m.runHooks(ctx, PhaseOnError, true)
			}
		}
	}
}

// runHook runs a single hook on its own goroutine so a stuck hook cannot
// exceed its timeout budget.
func (m *Manager) runHook(ctx context.Context, h Hook) error {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = m.opts.HookTimeout
	}
	hookCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("hook panic: %v", r)
			}
		}()
		done <- h.Run(hookCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-hookCtx.Done():
		return hookCtx.Err()
	}
}
