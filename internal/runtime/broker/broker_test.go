package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/mkd-tools/mkd/internal/runtime/errors"
)

func newRunningBroker(t *testing.T, opts Options) *Broker {
	t.Helper()
	b, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, b.Start(ctx))

	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRegisterCommandValidation(t *testing.T) {
	b, err := New(Options{})
	require.NoError(t, err)
	defer b.Close()

	assert.ErrorIs(t, b.RegisterCommand("", func(context.Context, Command) (map[string]any, error) {
		return nil, nil
	}), errspkg.ErrCommandRequired)

	assert.ErrorIs(t, b.RegisterCommand("x", nil), errspkg.ErrCommandHandlerNil)
}

func TestRegisterCommandDuplicate(t *testing.T) {
	b, err := New(Options{})
	require.NoError(t, err)
	defer b.Close()

	handler := func(context.Context, Command) (map[string]any, error) { return nil, nil }
	require.NoError(t, b.RegisterCommand("recording.start", handler))

	err = b.RegisterCommand("recording.start", handler)
	assert.ErrorContains(t, err, "already registered")
	assert.ElementsMatch(t, []string{"recording.start"}, b.Commands())
}

func TestDispatchRoundTrip(t *testing.T) {
	b := newRunningBroker(t, Options{})

	require.NoError(t, b.RegisterCommand("recording.start", func(_ context.Context, cmd Command) (map[string]any, error) {
		return map[string]any{"session": cmd.Params["session"]}, nil
	}))

	resp, err := b.Dispatch(context.Background(), Command{
		ID:      "cmd-1",
		Command: "recording.start",
		Params:  map[string]any{"session": "s-42"},
	})
	require.NoError(t, err)

	assert.Equal(t, "cmd-1", resp.ID)
	assert.True(t, resp.Success)
	assert.Equal(t, "response", resp.Type)
	assert.Equal(t, "s-42", resp.Data["session"])
	assert.False(t, resp.Timestamp.IsZero())
}

func TestDispatchFillsCommandID(t *testing.T) {
	b := newRunningBroker(t, Options{})

	require.NoError(t, b.RegisterCommand("ping", func(context.Context, Command) (map[string]any, error) {
		return nil, nil
	}))

	resp, err := b.Dispatch(context.Background(), Command{Command: "ping"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ID)
}

func TestDispatchUnknownCommand(t *testing.T) {
	b := newRunningBroker(t, Options{})

	resp, err := b.Dispatch(context.Background(), Command{ID: "cmd-2", Command: "nope"})
	require.NoError(t, err)

	assert.False(t, resp.Success)
	assert.Equal(t, "error", resp.Type)
	assert.Contains(t, resp.Error, "unknown command: nope")
}

func TestDispatchExactNameMatchOnly(t *testing.T) {
	b := newRunningBroker(t, Options{})

	require.NoError(t, b.RegisterCommand("recording.start", func(context.Context, Command) (map[string]any, error) {
		return nil, nil
	}))

	resp, err := b.Dispatch(context.Background(), Command{Command: "recording"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "unknown command")
}

func TestDispatchHandlerErrorBecomesErrorResponse(t *testing.T) {
	b := newRunningBroker(t, Options{})

	require.NoError(t, b.RegisterCommand("broken", func(context.Context, Command) (map[string]any, error) {
		return nil, errors.New("handler boom")
	}))

	resp, err := b.Dispatch(context.Background(), Command{Command: "broken"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "handler boom", resp.Error)
}

func TestDispatchRequiresCommandName(t *testing.T) {
	b := newRunningBroker(t, Options{})

	_, err := b.Dispatch(context.Background(), Command{})
	assert.ErrorIs(t, err, errspkg.ErrCommandRequired)
}

func TestDispatchTimesOut(t *testing.T) {
	b := newRunningBroker(t, Options{DispatchTimeout: 50 * time.Millisecond})

	release := make(chan struct{})
	require.NoError(t, b.RegisterCommand("slow", func(context.Context, Command) (map[string]any, error) {
		<-release
		return nil, nil
	}))
	defer close(release)

	_, err := b.Dispatch(context.Background(), Command{Command: "slow"})
	assert.ErrorIs(t, err, errspkg.ErrDispatchTimeout)
}

func TestDispatchHonoursCallerContext(t *testing.T) {
	b := newRunningBroker(t, Options{})

	release := make(chan struct{})
	require.NoError(t, b.RegisterCommand("slow", func(context.Context, Command) (map[string]any, error) {
		<-release
		return nil, nil
	}))
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.Dispatch(ctx, Command{Command: "slow"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPanickingHandlerDoesNotKillRouter(t *testing.T) {
	b := newRunningBroker(t, Options{})

	require.NoError(t, b.RegisterCommand("explode", func(context.Context, Command) (map[string]any, error) {
		panic("handler exploded")
	}))
	require.NoError(t, b.RegisterCommand("ping", func(context.Context, Command) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	}))

	// The panicking command never produces a response; bound the wait and
	// let the retries drain in the background.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := b.Dispatch(ctx, Command{Command: "explode"})
	require.Error(t, err)

	resp, err := b.Dispatch(context.Background(), Command{Command: "ping"})
	require.NoError(t, err)
	assert.True(t, resp.Success)
}

func TestDispatchAfterClose(t *testing.T) {
	b, err := New(Options{})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Close())

	_, err = b.Dispatch(ctx, Command{Command: "x"})
	assert.ErrorIs(t, err, errspkg.ErrBrokerStopped)
}

func TestCloseIsIdempotent(t *testing.T) {
	b, err := New(Options{})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
}

func TestCloseWithoutStart(t *testing.T) {
	b, err := New(Options{})
	require.NoError(t, err)
	require.NoError(t, b.Close())
}

func TestConcurrentDispatches(t *testing.T) {
	b := newRunningBroker(t, Options{})

	require.NoError(t, b.RegisterCommand("echo", func(_ context.Context, cmd Command) (map[string]any, error) {
		return map[string]any{"n": cmd.Params["n"]}, nil
	}))

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			resp, err := b.Dispatch(context.Background(), Command{
				Command: "echo",
				Params:  map[string]any{"n": float64(n)},
			})
			if err != nil {
				errs <- err
				return
			}
			if resp.Data["n"] != float64(n) {
				errs <- errors.New("response matched the wrong dispatch")
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}
