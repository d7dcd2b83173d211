package runtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	buspkg "github.com/mkd-tools/mkd/internal/runtime/bus"
	lifecyclepkg "github.com/mkd-tools/mkd/internal/runtime/lifecycle"
	loggingpkg "github.com/mkd-tools/mkd/internal/runtime/logging"
)

// HealthChecker is implemented by components that can report their own
// health. Components without it are assumed healthy while started.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// healthMonitor probes started components on an interval and raises a
// health.degraded event when any of them fails its probe.
type healthMonitor struct {
	interval  time.Duration
	lifecycle *lifecyclepkg.Manager
	bus       *buspkg.Bus
	logger    loggingpkg.ServiceLogger

	gauge      *prometheus.GaugeVec
	goroutines prometheus.Gauge
	heapAlloc  prometheus.Gauge

	mu   sync.RWMutex
	last []ComponentHealth

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newHealthMonitor(
	interval time.Duration,
	manager *lifecyclepkg.Manager,
	bus *buspkg.Bus,
	logger loggingpkg.ServiceLogger,
	registerer prometheus.Registerer,
) *healthMonitor {
	m := &healthMonitor{
		interval:  interval,
		lifecycle: manager,
		bus:       bus,
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	if registerer != nil {
		m.gauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "mkd",
			Subsystem: "health",
			Name:      "component_up",
			Help:      "Whether a component passed its last health probe.",
		}, []string{"component"})
		m.goroutines = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mkd",
			Subsystem: "health",
			Name:      "goroutines",
			Help:      "Goroutine count at the last health probe.",
		})
		m.heapAlloc = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mkd",
			Subsystem: "health",
			Name:      "heap_alloc_bytes",
			Help:      "Heap bytes allocated at the last health probe.",
		})
		registerer.MustRegister(m.gauge, m.goroutines, m.heapAlloc)
	}

	return m
}

func (m *healthMonitor) Start() {
	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.check(context.Background())
			case <-m.stop:
				return
			}
		}
	}()
}

func (m *healthMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// check probes every started component and records the results. Components
// failing their probe are reported once per check on the event bus.
func (m *healthMonitor) check(ctx context.Context) {
	order := m.lifecycle.StartOrder()
	results := make([]ComponentHealth, 0, len(order))
	var failing []string

	now := time.Now().UTC()
	for _, name := range order {
		instance, ok := m.lifecycle.Instance(name)
		if !ok {
			continue
		}

		health := ComponentHealth{Type: name, Healthy: true, CheckedAt: now}
		if checker, ok := instance.(HealthChecker); ok {
			if err := checker.Healthy(ctx); err != nil {
				health.Healthy = false
				health.Error = err.Error()
				failing = append(failing, name)
			}
		}

		if m.gauge != nil {
			up := 1.0
			if !health.Healthy {
				up = 0
			}
			m.gauge.WithLabelValues(name).Set(up)
		}
		results = append(results, health)
	}

	m.mu.Lock()
	m.last = results
	m.mu.Unlock()

	if m.goroutines != nil {
		stats := readRuntimeStats()
		m.goroutines.Set(float64(stats.Goroutines))
		m.heapAlloc.Set(float64(stats.HeapAllocBytes))
	}

	if len(failing) > 0 {
		m.logger.Error("components failed health probe",
			fmt.Errorf("unhealthy components: %s", strings.Join(failing, ",")),
			loggingpkg.LogFields{"components": strings.Join(failing, ",")})
		if m.bus != nil {
			_ = m.bus.Publish(buspkg.NewEvent(buspkg.TypeHealthDegraded, "health_monitor",
				buspkg.WithPriority(buspkg.PriorityHigh),
				buspkg.WithData(map[string]any{"components": failing})))
		}
	}
}

// Snapshot returns the results of the last probe round.
func (m *healthMonitor) Snapshot() []ComponentHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ComponentHealth{}, m.last...)
}
