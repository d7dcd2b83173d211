package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	buspkg "github.com/mkd-tools/mkd/internal/runtime/bus"
	registrypkg "github.com/mkd-tools/mkd/internal/runtime/registry"
)

type fakeComponent struct {
	name string
	log  *callLog

	startErr func() error
	stopErr  error
}

func (c *fakeComponent) Start(context.Context) error {
	c.log.record("start:" + c.name)
	if c.startErr != nil {
		return c.startErr()
	}
	return nil
}

func (c *fakeComponent) Stop(context.Context) error {
	c.log.record("stop:" + c.name)
	return c.stopErr
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) record(call string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, call)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.calls...)
}

func registerFake(t *testing.T, r *registrypkg.Registry, log *callLog, name string, deps []string) *fakeComponent {
	t.Helper()
	c := &fakeComponent{name: name, log: log}
	require.NoError(t, r.Register(registrypkg.Registration{
		Type:         name,
		Dependencies: deps,
		Factory: func(context.Context, *registrypkg.Resolver) (registrypkg.Component, error) {
			return c, nil
		},
	}))
	return c
}

func newManager(t *testing.T, r *registrypkg.Registry, opts Options) *Manager {
	t.Helper()
	opts.Registry = r
	m, err := New(opts)
	require.NoError(t, err)
	return m
}

func TestNewRequiresRegistry(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestStartStopFollowsDependencyOrder(t *testing.T) {
	r := registrypkg.New(nil, nil)
	log := &callLog{}
	registerFake(t, r, log, "bus", nil)
	registerFake(t, r, log, "sessions", []string{"bus"})
	registerFake(t, r, log, "engine", []string{"sessions"})

	m := newManager(t, r, Options{})
	ctx := context.Background()

	require.NoError(t, m.Start(ctx))
	assert.Equal(t, StateRunning, m.State())
	assert.Equal(t, []string{"bus", "sessions", "engine"}, m.StartOrder())

	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, StateStopped, m.State())

	assert.Equal(t, []string{
		"start:bus", "start:sessions", "start:engine",
		"stop:engine", "stop:sessions", "stop:bus",
	}, log.snapshot())
}

func TestStartPublishesLifecycleEvents(t *testing.T) {
	b := buspkg.New(buspkg.Options{})
	defer b.Stop()

	seen := make(chan string, 16)
	for _, eventType := range []string{
		buspkg.TypeComponentStarted,
		buspkg.TypeSystemStarted,
	} {
		_, err := b.Subscribe(eventType, func(_ context.Context, event buspkg.Event) error {
			seen <- event.Type
			return nil
		})
		require.NoError(t, err)
	}

	r := registrypkg.New(nil, nil)
	log := &callLog{}
	registerFake(t, r, log, "only", nil)

	m := newManager(t, r, Options{Bus: b})
	require.NoError(t, m.Start(context.Background()))

	got := map[string]int{}
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case eventType := <-seen:
			got[eventType]++
		case <-timeout:
			t.Fatalf("missing lifecycle events, saw %v", got)
		}
	}
	assert.Equal(t, 1, got[buspkg.TypeComponentStarted])
	assert.Equal(t, 1, got[buspkg.TypeSystemStarted])
}

func TestHooksRunInPriorityOrder(t *testing.T) {
	r := registrypkg.New(nil, nil)
	log := &callLog{}
	registerFake(t, r, log, "only", nil)

	m := newManager(t, r, Options{})
	for _, h := range []Hook{
		{Name: "low", Phase: PhasePreStart, Priority: 1, Run: func(context.Context) error {
			log.record("hook:low")
			return nil
		}},
		{Name: "high", Phase: PhasePreStart, Priority: 10, Run: func(context.Context) error {
			log.record("hook:high")
			return nil
		}},
	} {
		require.NoError(t, m.AddHook(h))
	}

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, []string{"hook:high", "hook:low", "start:only"}, log.snapshot())
}

func TestAddHookValidation(t *testing.T) {
	r := registrypkg.New(nil, nil)
	m := newManager(t, r, Options{})

	err := m.AddHook(Hook{Phase: "nope", Run: func(context.Context) error { return nil }})
	assert.ErrorContains(t, err, "unknown phase")

	err = m.AddHook(Hook{Phase: PhasePreInit})
	assert.ErrorContains(t, err, "no Run function")
}

func TestHookFailureDoesNotAbortStart(t *testing.T) {
	r := registrypkg.New(nil, nil)
	log := &callLog{}
	registerFake(t, r, log, "only", nil)

	m := newManager(t, r, Options{})
	require.NoError(t, m.AddHook(Hook{
		Name:  "broken",
		Phase: PhasePreStart,
		Run:   func(context.Context) error { return errors.New("hook boom") },
	}))

	var errorHookRuns int
	require.NoError(t, m.AddHook(Hook{
		Name:  "observer",
		Phase: PhaseOnError,
		Run: func(context.Context) error {
			errorHookRuns++
			return nil
		},
	}))

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, StateRunning, m.State())
	assert.Equal(t, 1, errorHookRuns)
}

func TestHookTimeoutIsEnforced(t *testing.T) {
	r := registrypkg.New(nil, nil)
	log := &callLog{}
	registerFake(t, r, log, "only", nil)

	m := newManager(t, r, Options{HookTimeout: 20 * time.Millisecond})
	require.NoError(t, m.AddHook(Hook{
		Name:  "stuck",
		Phase: PhasePreStart,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}))

	start := time.Now()
	require.NoError(t, m.Start(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, StateRunning, m.State())
}

func TestStartRecoversAfterTransientFailure(t *testing.T) {
	r := registrypkg.New(nil, nil)
	log := &callLog{}
	flaky := registerFake(t, r, log, "flaky", nil)

	var failures int
	flaky.startErr = func() error {
		if failures < 2 {
			failures++
			return errors.New("not ready")
		}
		return nil
	}

	var recoveryRuns int
	m := newManager(t, r, Options{MaxRecoveryAttempts: 3})
	require.NoError(t, m.AddHook(Hook{
		Name:  "recovery",
		Phase: PhaseOnRecovery,
		Run: func(context.Context) error {
			recoveryRuns++
			return nil
		},
	}))

	require.NoError(t, m.Start(context.Background()))
	assert.Equal(t, StateRunning, m.State())
	assert.Equal(t, 2, recoveryRuns)
	assert.Equal(t, 2, m.Recoveries())
}

func TestStartStaysInErrorAfterExhaustedRecovery(t *testing.T) {
	r := registrypkg.New(nil, nil)
	log := &callLog{}
	broken := registerFake(t, r, log, "broken", nil)
	broken.startErr = func() error { return errors.New("permanently down") }

	m := newManager(t, r, Options{MaxRecoveryAttempts: 2})
	err := m.Start(context.Background())

	require.Error(t, err)
	assert.ErrorContains(t, err, "permanently down")
	assert.Equal(t, StateError, m.State())
	assert.Equal(t, 2, m.Recoveries())
}

func TestStartFailureStopsAlreadyStartedComponents(t *testing.T) {
	r := registrypkg.New(nil, nil)
	log := &callLog{}
	registerFake(t, r, log, "first", nil)
	second := registerFake(t, r, log, "second", []string{"first"})
	second.startErr = func() error { return errors.New("boom") }

	m := newManager(t, r, Options{MaxRecoveryAttempts: 1})
	require.Error(t, m.Start(context.Background()))

	// Recovery stops the partially started system before retrying.
	assert.Contains(t, log.snapshot(), "stop:first")
}

func TestStopCollectsComponentErrors(t *testing.T) {
	r := registrypkg.New(nil, nil)
	log := &callLog{}
	registerFake(t, r, log, "good", nil)
	bad := registerFake(t, r, log, "bad", []string{"good"})
	bad.stopErr = errors.New("stop boom")

	m := newManager(t, r, Options{})
	require.NoError(t, m.Start(context.Background()))

	err := m.Stop(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "stop boom")

	// The failing component did not block the rest of the teardown.
	assert.Contains(t, log.snapshot(), "stop:good")
	assert.Equal(t, StateStopped, m.State())
}

func TestStopWhenStoppedIsNoop(t *testing.T) {
	r := registrypkg.New(nil, nil)
	m := newManager(t, r, Options{})
	require.NoError(t, m.Stop(context.Background()))
}

func TestStartTwiceFails(t *testing.T) {
	r := registrypkg.New(nil, nil)
	log := &callLog{}
	registerFake(t, r, log, "only", nil)

	m := newManager(t, r, Options{})
	require.NoError(t, m.Start(context.Background()))

	err := m.Start(context.Background())
	assert.ErrorContains(t, err, "already running")
}

func TestReportFailureRecovers(t *testing.T) {
	r := registrypkg.New(nil, nil)
	log := &callLog{}
	registerFake(t, r, log, "only", nil)

	m := newManager(t, r, Options{})
	require.NoError(t, m.Start(context.Background()))

	err := m.ReportFailure(context.Background(), "only", errors.New("wedged"))
	require.NoError(t, err)
	assert.Equal(t, StateRunning, m.State())
	assert.Equal(t, 1, m.Recoveries())

	calls := log.snapshot()
	assert.Contains(t, calls, "stop:only")
	assert.GreaterOrEqual(t, len(calls), 3)
}
