// Package runtime wires the event bus, component registry, lifecycle
// manager, and command broker into one system controller. It is the single
// entry point the public facade re-exports.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	brokerpkg "github.com/mkd-tools/mkd/internal/runtime/broker"
	buspkg "github.com/mkd-tools/mkd/internal/runtime/bus"
	configpkg "github.com/mkd-tools/mkd/internal/runtime/config"
	lifecyclepkg "github.com/mkd-tools/mkd/internal/runtime/lifecycle"
	loggingpkg "github.com/mkd-tools/mkd/internal/runtime/logging"
	registrypkg "github.com/mkd-tools/mkd/internal/runtime/registry"
)

const defaultHealthInterval = 10 * time.Second

// ControllerDependencies holds the optional collaborators of a Controller.
// Leave fields nil to use the built-in defaults.
type ControllerDependencies struct {
	Logger loggingpkg.ServiceLogger
	// Registerer enables Prometheus metrics when non-nil.
	Registerer prometheus.Registerer
}

// Controller is the facade over the integration core. Register components
// and commands on it, then Start; the controller owns startup order, health
// monitoring, and shutdown.
type Controller struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	bus       *buspkg.Bus
	registry  *registrypkg.Registry
	lifecycle *lifecyclepkg.Manager
	broker    *brokerpkg.Broker
	health    *healthMonitor

	httpServers   map[int]*http.ServeMux
	httpListeners []*http.Server
	httpMu        sync.Mutex

	startedAt time.Time
	started   bool
	startedMu sync.Mutex
}

// NewController constructs the system from configuration. Register handlers
// and components on the returned controller before calling Start.
func NewController(conf *configpkg.Config, deps ControllerDependencies) (*Controller, error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := deps.Logger
	if logger == nil {
		logger = loggingpkg.NewSlogServiceLogger(slog.Default())
	}

	bus := buspkg.New(buspkg.Options{
		QueueSize:       conf.EventQueueSize,
		DeliveryTimeout: conf.DeliveryTimeout,
		MaxRetries:      conf.DeliveryMaxRetries,
		Logger:          logger,
		Registerer:      deps.Registerer,
	})

	registry := registrypkg.New(conf, logger)

	manager, err := lifecyclepkg.New(lifecyclepkg.Options{
		Registry:            registry,
		Bus:                 bus,
		Logger:              logger,
		HookTimeout:         conf.HookTimeout,
		MaxRecoveryAttempts: conf.RecoveryMaxAttempts,
	})
	if err != nil {
		bus.Stop()
		return nil, err
	}

	broker, err := brokerpkg.New(brokerpkg.Options{
		Logger:          logger,
		DispatchTimeout: conf.DispatchTimeout,
		PoisonTopic:     conf.CommandPoisonTopic,
		Registerer:      deps.Registerer,
	})
	if err != nil {
		bus.Stop()
		return nil, err
	}

	interval := conf.HealthInterval
	if interval <= 0 {
		interval = defaultHealthInterval
	}

	c := &Controller{
		Conf:      conf,
		Logger:    logger,
		bus:       bus,
		registry:  registry,
		lifecycle: manager,
		broker:    broker,
		health:    newHealthMonitor(interval, manager, bus, logger, deps.Registerer),
	}

	if err := broker.RegisterCommand("system.status", c.statusCommand); err != nil {
		return nil, err
	}

	if conf.MetricsEnabled && conf.MetricsPort > 0 && deps.Registerer != nil {
		if gatherer, ok := deps.Registerer.(prometheus.Gatherer); ok {
			c.RegisterHTTPHandler(conf.MetricsPort, "/metrics",
				promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		}
	}

	return c, nil
}

// Bus returns the event bus.
func (c *Controller) Bus() *buspkg.Bus { return c.bus }

// Registry returns the component registry.
func (c *Controller) Registry() *registrypkg.Registry { return c.registry }

// Lifecycle returns the lifecycle manager.
func (c *Controller) Lifecycle() *lifecyclepkg.Manager { return c.lifecycle }

// Broker returns the command broker.
func (c *Controller) Broker() *brokerpkg.Broker { return c.broker }

// RegisterComponent adds a component type to the registry.
func (c *Controller) RegisterComponent(reg registrypkg.Registration) error {
	return c.registry.Register(reg)
}

// RegisterCommand binds a command handler on the broker.
func (c *Controller) RegisterCommand(name string, handler brokerpkg.Handler) error {
	return c.broker.RegisterCommand(name, handler)
}

// AddHook attaches a lifecycle hook.
func (c *Controller) AddHook(h lifecyclepkg.Hook) error {
	return c.lifecycle.AddHook(h)
}

// Dispatch sends a command through the broker and waits for its response.
func (c *Controller) Dispatch(ctx context.Context, cmd brokerpkg.Command) (brokerpkg.Response, error) {
	return c.broker.Dispatch(ctx, cmd)
}

// Start brings the whole system up: command broker first so components can
// dispatch during startup, then the component lifecycle, then the health
// monitor and HTTP servers.
func (c *Controller) Start(ctx context.Context) error {
	c.startedMu.Lock()
	defer c.startedMu.Unlock()

	if c.started {
		return errors.New("controller: already started")
	}

	if err := c.broker.Start(ctx); err != nil {
		return fmt.Errorf("starting command broker: %w", err)
	}

	if err := c.lifecycle.Start(ctx); err != nil {
		_ = c.broker.Close()
		return fmt.Errorf("starting components: %w", err)
	}

	c.health.Start()
	c.startHTTPServers()

	c.started = true
	c.startedAt = time.Now().UTC()
	c.Logger.Info("system started", loggingpkg.LogFields{
		"components": c.lifecycle.StartOrder(),
		"commands":   c.broker.Commands(),
	})
	return nil
}

// Stop tears the system down in reverse order. Errors are collected; every
// part gets its chance to shut down.
func (c *Controller) Stop(ctx context.Context) error {
	c.startedMu.Lock()
	defer c.startedMu.Unlock()

	if !c.started {
		return nil
	}
	c.started = false

	var errs []error

	c.health.Stop()
	c.stopHTTPServers(ctx)

	if err := c.lifecycle.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.broker.Close(); err != nil {
		errs = append(errs, err)
	}
	c.bus.Stop()

	c.Logger.Info("system stopped", nil)
	return errors.Join(errs...)
}

// Status reports the current state of the system.
func (c *Controller) Status() SystemStatus {
	c.startedMu.Lock()
	startedAt := c.startedAt
	started := c.started
	c.startedMu.Unlock()

	var uptime time.Duration
	if started {
		uptime = time.Since(startedAt)
	}

	components := c.health.Snapshot()
	healthy := c.lifecycle.State() == lifecyclepkg.StateRunning
	for _, component := range components {
		if !component.Healthy {
			healthy = false
		}
	}

	return SystemStatus{
		State:      c.lifecycle.State().String(),
		Healthy:    healthy,
		Uptime:     uptime,
		Recoveries: c.lifecycle.Recoveries(),
		Components: components,
		Bus:        c.bus.Stats(),
		Commands:   c.broker.Commands(),
		Runtime:    readRuntimeStats(),
	}
}

// statusCommand exposes Status over the command broker.
func (c *Controller) statusCommand(ctx context.Context, cmd brokerpkg.Command) (map[string]any, error) {
	status := c.Status()
	return map[string]any{
		"state":      status.State,
		"healthy":    status.Healthy,
		"uptime_ms":  status.Uptime.Milliseconds(),
		"recoveries": status.Recoveries,
		"commands":   status.Commands,
		"goroutines": status.Runtime.Goroutines,
		"heap_bytes": status.Runtime.HeapAllocBytes,
		"bus": map[string]any{
			"published": status.Bus.Published,
			"delivered": status.Bus.Delivered,
			"failed":    status.Bus.Failed,
			"dropped":   status.Bus.Dropped,
		},
	}, nil
}

// RegisterHTTPHandler mounts a handler on the controller-managed HTTP server
// for the given port. Servers are started with the controller.
func (c *Controller) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	c.httpMu.Lock()
	defer c.httpMu.Unlock()

	if c.httpServers == nil {
		c.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := c.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		c.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (c *Controller) startHTTPServers() {
	c.httpMu.Lock()
	defer c.httpMu.Unlock()

	for port, mux := range c.httpServers {
		server := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		}
		c.httpListeners = append(c.httpListeners, server)

		c.Logger.Info("starting HTTP server", loggingpkg.LogFields{"address": server.Addr})
		go func(server *http.Server) {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				c.Logger.Error("HTTP server failed", err, loggingpkg.LogFields{"address": server.Addr})
			}
		}(server)
	}
}

func (c *Controller) stopHTTPServers(ctx context.Context) {
	c.httpMu.Lock()
	listeners := c.httpListeners
	c.httpListeners = nil
	c.httpMu.Unlock()

	for _, server := range listeners {
		if err := server.Shutdown(ctx); err != nil {
			c.Logger.Error("HTTP server shutdown failed", err, loggingpkg.LogFields{"address": server.Addr})
		}
	}
}
