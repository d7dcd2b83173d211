package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/mkd-tools/mkd/internal/runtime/errors"
	loggingpkg "github.com/mkd-tools/mkd/internal/runtime/logging"
)

// newIdleBus builds a bus without a running dispatcher so queue behaviour
// can be observed deterministically.
func newIdleBus(queueSize int) *Bus {
	opts := Options{QueueSize: queueSize}.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		opts:     opts,
		logger:   loggingpkg.Nop(),
		subs:     make(map[string][]*subscription),
		byID:     make(map[string]*subscription),
		notify:   make(chan struct{}, 1),
		failures: newFailureLog(opts.FailureHistory),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New(Options{})
	defer b.Stop()

	err := b.Publish(NewEvent(TypeComponentFailed, "test"))
	require.NoError(t, err)
}

func TestSubscribePublishDeliversExactlyOnce(t *testing.T) {
	b := New(Options{})
	defer b.Stop()

	var count atomic.Int32
	received := make(chan Event, 4)
	_, err := b.Subscribe("user.action", func(_ context.Context, event Event) error {
		count.Add(1)
		received <- event
		return nil
	})
	require.NoError(t, err)

	published := NewEvent("user.action", "test", WithData(map[string]any{"key": "value"}))
	require.NoError(t, b.Publish(published))

	select {
	case got := <-received:
		assert.Equal(t, published.ID, got.ID)
		assert.Equal(t, "value", got.Data["key"])
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}

	// No duplicate delivery under normal operation.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), count.Load())
}

func TestSubscribeValidation(t *testing.T) {
	b := New(Options{})
	defer b.Stop()

	_, err := b.Subscribe("", func(context.Context, Event) error { return nil })
	assert.ErrorIs(t, err, errspkg.ErrEventTypeRequired)

	_, err = b.Subscribe("x", nil)
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)
}

func TestFilterExcludesEvents(t *testing.T) {
	b := New(Options{})
	defer b.Stop()

	received := make(chan Event, 2)
	_, err := b.Subscribe("session.event", func(_ context.Context, event Event) error {
		received <- event
		return nil
	}, WithFilter(func(event Event) bool {
		return event.Source == "wanted"
	}))
	require.NoError(t, err)

	require.NoError(t, b.Publish(NewEvent("session.event", "ignored")))
	require.NoError(t, b.Publish(NewEvent("session.event", "wanted")))

	select {
	case got := <-received:
		assert.Equal(t, "wanted", got.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("filtered event was not delivered")
	}

	select {
	case got := <-received:
		t.Fatalf("unexpected extra delivery from %q", got.Source)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWaitForEvent(t *testing.T) {
	b := New(Options{})
	defer b.Stop()

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = b.Publish(NewEvent(TypeRecordingStopped, "engine"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	event, err := b.WaitForEvent(ctx, TypeRecordingStopped, nil)
	require.NoError(t, err)
	assert.Equal(t, TypeRecordingStopped, event.Type)
}

func TestWaitForEventContextCancelled(t *testing.T) {
	b := New(Options{})
	defer b.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := b.WaitForEvent(ctx, "never.published", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnsubscribe(t *testing.T) {
	b := New(Options{})
	defer b.Stop()

	id, err := b.Subscribe("x", func(context.Context, Event) error { return nil })
	require.NoError(t, err)

	assert.True(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe(id))
	assert.False(t, b.Unsubscribe("unknown"))
}

func TestRetryRecordsFailureHistory(t *testing.T) {
	b := New(Options{MaxRetries: 1, DeliveryTimeout: time.Second})
	defer b.Stop()

	var attempts atomic.Int32
	_, err := b.Subscribe("flaky", func(context.Context, Event) error {
		attempts.Add(1)
		return errors.New("boom")
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(NewEvent("flaky", "test")))

	require.Eventually(t, func() bool {
		return b.Stats().Failed == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), attempts.Load())

	failures := b.RecentFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, "flaky", failures[0].EventType)
	assert.Equal(t, 2, failures[0].Attempts)
	assert.Contains(t, failures[0].Error, "boom")
}

func TestPanicIsIsolated(t *testing.T) {
	b := New(Options{MaxRetries: 1})
	defer b.Stop()

	received := make(chan struct{}, 1)
	_, err := b.Subscribe("shared", func(context.Context, Event) error {
		panic("handler exploded")
	})
	require.NoError(t, err)

	_, err = b.Subscribe("shared", func(context.Context, Event) error {
		received <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(NewEvent("shared", "test")))

	select {
	case <-received:
	case <-time.After(2 * time.Second):
		t.Fatal("healthy subscriber was blocked by the panicking one")
	}
}

func TestPublishAfterStop(t *testing.T) {
	b := New(Options{})
	b.Stop()

	err := b.Publish(NewEvent("x", "test"))
	assert.ErrorIs(t, err, errspkg.ErrBusStopped)
}

func TestStopIsIdempotent(t *testing.T) {
	b := New(Options{})
	b.Stop()
	b.Stop()
}

func TestQueuePriorityOrder(t *testing.T) {
	b := newIdleBus(8)

	require.NoError(t, b.Publish(NewEvent("a", "t", WithPriority(PriorityLow))))
	require.NoError(t, b.Publish(NewEvent("b", "t", WithPriority(PriorityCritical))))
	require.NoError(t, b.Publish(NewEvent("c", "t", WithPriority(PriorityNormal))))
	require.NoError(t, b.Publish(NewEvent("d", "t", WithPriority(PriorityHigh))))

	var order []string
	for {
		event, ok := b.pop()
		if !ok {
			break
		}
		order = append(order, event.Type)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, order)
}

func TestBoundedQueueDropsWhenFull(t *testing.T) {
	b := newIdleBus(2)

	require.NoError(t, b.Publish(NewEvent("one", "t")))
	require.NoError(t, b.Publish(NewEvent("two", "t")))
	require.NoError(t, b.Publish(NewEvent("three", "t")))

	stats := b.Stats()
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, uint64(1), stats.Dropped)

	// Critical events bypass the bounded queue.
	require.NoError(t, b.Publish(NewEvent("urgent", "t", WithPriority(PriorityCritical))))
	assert.Equal(t, uint64(1), b.Stats().Dropped)
}

func TestFailureLogIsBounded(t *testing.T) {
	log := newFailureLog(3)
	for i := 0; i < 5; i++ {
		log.Record(DeliveryFailure{EventID: string(rune('a' + i))})
	}

	snapshot := log.Snapshot()
	require.Len(t, snapshot, 3)
	assert.Equal(t, "c", snapshot[0].EventID)
	assert.Equal(t, "e", snapshot[2].EventID)
	assert.Equal(t, uint64(5), log.Total())
}

func TestConcurrentPublish(t *testing.T) {
	b := New(Options{QueueSize: 4096})
	defer b.Stop()

	var delivered atomic.Int64
	_, err := b.Subscribe("burst", func(context.Context, Event) error {
		delivered.Add(1)
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = b.Publish(NewEvent("burst", "t"))
			}
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return delivered.Load() == 400
	}, 5*time.Second, 10*time.Millisecond)
}
