// Package bus implements the toolkit's asynchronous publish/subscribe event
// bus. Delivery is at-least-once per subscription: a background dispatcher
// drains priority queues and hands each event to every matching subscriber
// with a bounded number of retries and a per-handler timeout. One failing
// subscriber never blocks the others; exhausted deliveries land in a bounded
// failure history instead.
package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/mkd-tools/mkd/internal/runtime/errors"
	idspkg "github.com/mkd-tools/mkd/internal/runtime/ids"
	loggingpkg "github.com/mkd-tools/mkd/internal/runtime/logging"
)

const (
	defaultQueueSize       = 1024
	defaultDeliveryTimeout = 5 * time.Second
	defaultMaxRetries      = 3
	defaultFailureHistory  = 100
)

// Handler consumes a delivered event. Returning an error triggers a retry;
// panics are recovered and treated as errors.
type Handler func(ctx context.Context, event Event) error

// Filter decides whether a subscription wants a particular event.
type Filter func(Event) bool

// Options tunes the bus. Zero values fall back to library defaults.
type Options struct {
	// QueueSize bounds the high and normal/low priority queues. Critical
	// events are never queued against this limit.
	QueueSize int
	// DeliveryTimeout bounds a single handler invocation.
	DeliveryTimeout time.Duration
	// MaxRetries is how often a failing delivery is retried after the first
	// attempt.
	MaxRetries int
	// FailureHistory is the size of the retained delivery-failure ring.
	FailureHistory int

	Logger loggingpkg.ServiceLogger

	// Registerer receives the bus metrics when set. Leave nil to disable
	// Prometheus registration (tests create many buses).
	Registerer prometheus.Registerer
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.DeliveryTimeout <= 0 {
		o.DeliveryTimeout = defaultDeliveryTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = defaultMaxRetries
	}
	if o.FailureHistory <= 0 {
		o.FailureHistory = defaultFailureHistory
	}
	if o.Logger == nil {
		o.Logger = loggingpkg.Nop()
	}
	return o
}

type subscription struct {
	id        string
	eventType string
	handler   Handler
	filter    Filter
}

// Stats is a point-in-time snapshot of bus activity.
type Stats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
	Dropped   uint64 `json:"dropped"`
	Queued    int    `json:"queued"`
}

// Bus routes events from publishers to subscriptions. Create one with New
// and release it with Stop.
type Bus struct {
	opts   Options
	logger loggingpkg.ServiceLogger

	subMu sync.RWMutex
	subs  map[string][]*subscription
	byID  map[string]*subscription

	queueMu  sync.Mutex
	critical []Event
	high     []Event
	normal   []Event
	notify   chan struct{}

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64

	failures *failureLog
	metrics  *busMetrics

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped atomic.Bool
	once    sync.Once
}

// New creates a bus and starts its dispatcher goroutine.
func New(opts Options) *Bus {
	opts = opts.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		opts:     opts,
		logger:   opts.Logger,
		subs:     make(map[string][]*subscription),
		byID:     make(map[string]*subscription),
		notify:   make(chan struct{}, 1),
		failures: newFailureLog(opts.FailureHistory),
		ctx:      ctx,
		cancel:   cancel,
	}
	b.metrics = newBusMetrics(opts.Registerer)

	b.wg.Add(1)
	go b.dispatch()

	return b
}

// SubscribeOption customises a subscription.
type SubscribeOption func(*subscription)

// WithFilter delivers only events for which the predicate returns true.
func WithFilter(filter Filter) SubscribeOption {
	return func(s *subscription) { s.filter = filter }
}

// Subscribe registers a handler for an event type and returns the
// subscription id.
func (b *Bus) Subscribe(eventType string, handler Handler, opts ...SubscribeOption) (string, error) {
	if eventType == "" {
		return "", errspkg.ErrEventTypeRequired
	}
	if handler == nil {
		return "", errspkg.ErrHandlerRequired
	}

	sub := &subscription{
		id:        idspkg.CreateULID(),
		eventType: eventType,
		handler:   handler,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.subMu.Lock()
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.byID[sub.id] = sub
	b.subMu.Unlock()

	return sub.id, nil
}

// Unsubscribe removes a subscription. Returns false if the id is unknown.
func (b *Bus) Unsubscribe(id string) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)

	list := b.subs[sub.eventType]
	for i, s := range list {
		if s.id == id {
			b.subs[sub.eventType] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.eventType]) == 0 {
		delete(b.subs, sub.eventType)
	}
	return true
}

// Publish enqueues an event for delivery. Publishing succeeds even when no
// subscription matches; the only error condition is a stopped bus. Events at
// normal or low priority are dropped when the bounded queue is full.
func (b *Bus) Publish(event Event) error {
	if b.stopped.Load() {
		return errspkg.ErrBusStopped
	}
	if event.ID == "" {
		event.ID = idspkg.CreateULID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.queueMu.Lock()
	switch event.Priority {
	case PriorityCritical:
		b.critical = append(b.critical, event)
	case PriorityHigh:
		if len(b.high) >= b.opts.QueueSize {
			b.queueMu.Unlock()
			b.recordDrop(event)
			return nil
		}
		b.high = append(b.high, event)
	default:
		if len(b.normal) >= b.opts.QueueSize {
			b.queueMu.Unlock()
			b.recordDrop(event)
			return nil
		}
		b.normal = append(b.normal, event)
	}
	b.queueMu.Unlock()

	b.published.Add(1)
	b.metrics.published(event.Priority)

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// WaitForEvent blocks until one event of the given type (matching the
// optional filter) is observed, then removes its temporary subscription so
// the event is seen exactly once.
func (b *Bus) WaitForEvent(ctx context.Context, eventType string, filter Filter) (Event, error) {
	ch := make(chan Event, 1)
	var once sync.Once

	opts := []SubscribeOption{}
	if filter != nil {
		opts = append(opts, WithFilter(filter))
	}
	id, err := b.Subscribe(eventType, func(_ context.Context, event Event) error {
		once.Do(func() { ch <- event })
		return nil
	}, opts...)
	if err != nil {
		return Event{}, err
	}
	defer b.Unsubscribe(id)

	select {
	case event := <-ch:
		return event, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case <-b.ctx.Done():
		return Event{}, errspkg.ErrBusStopped
	}
}

// RecentFailures returns the retained delivery failures, oldest first.
func (b *Bus) RecentFailures() []DeliveryFailure {
	return b.failures.Snapshot()
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	b.queueMu.Lock()
	queued := len(b.critical) + len(b.high) + len(b.normal)
	b.queueMu.Unlock()

	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Failed:    b.failed.Load(),
		Dropped:   b.dropped.Load(),
		Queued:    queued,
	}
}

// Stop cancels the dispatcher and waits for queued deliveries to settle.
// In-flight handlers are cancelled through their contexts; cancellation is
// best-effort.
func (b *Bus) Stop() {
	b.once.Do(func() {
		b.stopped.Store(true)
		b.cancel()
		b.wg.Wait()
	})
}

func (b *Bus) dispatch() {
	defer b.wg.Done()

	for {
		event, ok := b.pop()
		if ok {
			b.deliver(event)
			continue
		}

		select {
		case <-b.ctx.Done():
			return
		case <-b.notify:
		}
	}
}

// pop removes the next event in priority order: critical, then high, then
// the shared normal/low FIFO.
func (b *Bus) pop() (Event, bool) {
	b.queueMu.Lock()
	defer b.queueMu.Unlock()

	switch {
	case len(b.critical) > 0:
		event := b.critical[0]
		b.critical = b.critical[1:]
		return event, true
	case len(b.high) > 0:
		event := b.high[0]
		b.high = b.high[1:]
		return event, true
	case len(b.normal) > 0:
		event := b.normal[0]
		b.normal = b.normal[1:]
		return event, true
	}
	return Event{}, false
}

func (b *Bus) deliver(event Event) {
	b.subMu.RLock()
	matching := make([]*subscription, 0, len(b.subs[event.Type]))
	for _, sub := range b.subs[event.Type] {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		matching = append(matching, sub)
	}
	b.subMu.RUnlock()

	for _, sub := range matching {
		b.wg.Add(1)
		go func(sub *subscription) {
			defer b.wg.Done()
			b.deliverTo(sub, event)
		}(sub)
	}
}

func (b *Bus) deliverTo(sub *subscription, event Event) {
	attempts := b.opts.MaxRetries + 1

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if b.ctx.Err() != nil {
			return
		}

		ctx, cancel := context.WithTimeout(b.ctx, b.opts.DeliveryTimeout)
		err := b.invoke(ctx, sub, event)
		cancel()

		if err == nil {
			b.delivered.Add(1)
			b.metrics.delivered()
			return
		}
		lastErr = err
		b.logger.Debug("event delivery attempt failed", loggingpkg.LogFields{
			"subscription_id": sub.id,
			"event_id":        event.ID,
			"event_type":      event.Type,
			"attempt":         attempt,
			"error":           err.Error(),
		})
	}

	b.failed.Add(1)
	b.metrics.failed()
	b.failures.Record(DeliveryFailure{
		SubscriptionID: sub.id,
		EventID:        event.ID,
		EventType:      event.Type,
		Attempts:       attempts,
		Error:          lastErr.Error(),
		FailedAt:       time.Now().UTC(),
	})
	b.logger.Error("event delivery failed", lastErr, loggingpkg.LogFields{
		"subscription_id": sub.id,
		"event_id":        event.ID,
		"event_type":      event.Type,
		"attempts":        attempts,
	})
}

// invoke runs the handler on its own goroutine so a stuck handler cannot
// outlive the delivery timeout from the dispatcher's point of view.
func (b *Bus) invoke(ctx context.Context, sub *subscription, event Event) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- sub.handler(ctx, event)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) recordDrop(event Event) {
	b.dropped.Add(1)
	b.metrics.droppedEvent()
	b.logger.Debug("event dropped, queue full", loggingpkg.LogFields{
		"event_id":   event.ID,
		"event_type": event.Type,
		"priority":   event.Priority.String(),
	})
}

type busMetrics struct {
	publishedVec *prometheus.CounterVec
	deliveredCtr prometheus.Counter
	failedCtr    prometheus.Counter
	droppedCtr   prometheus.Counter
}

func newBusMetrics(reg prometheus.Registerer) *busMetrics {
	if reg == nil {
		return nil
	}

	m := &busMetrics{
		publishedVec: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mkd",
			Subsystem: "bus",
			Name:      "events_published_total",
			Help:      "Events accepted by the bus, by priority.",
		}, []string{"priority"}),
		deliveredCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mkd",
			Subsystem: "bus",
			Name:      "events_delivered_total",
			Help:      "Successful subscription deliveries.",
		}),
		failedCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mkd",
			Subsystem: "bus",
			Name:      "events_failed_total",
			Help:      "Deliveries that exhausted all retry attempts.",
		}),
		droppedCtr: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mkd",
			Subsystem: "bus",
			Name:      "events_dropped_total",
			Help:      "Events dropped because the bounded queue was full.",
		}),
	}
	reg.MustRegister(m.publishedVec, m.deliveredCtr, m.failedCtr, m.droppedCtr)
	return m
}

func (m *busMetrics) published(p Priority) {
	if m == nil {
		return
	}
	m.publishedVec.WithLabelValues(p.String()).Inc()
}

func (m *busMetrics) delivered() {
	if m == nil {
		return
	}
	m.deliveredCtr.Inc()
}

func (m *busMetrics) failed() {
	if m == nil {
		return
	}
	m.failedCtr.Inc()
}

func (m *busMetrics) droppedEvent() {
	if m == nil {
		return
	}
	m.droppedCtr.Inc()
}
