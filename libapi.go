package mkd

import (
	runtimepkg "github.com/mkd-tools/mkd/internal/runtime"
	brokerpkg "github.com/mkd-tools/mkd/internal/runtime/broker"
	buspkg "github.com/mkd-tools/mkd/internal/runtime/bus"
	configpkg "github.com/mkd-tools/mkd/internal/runtime/config"
	errspkg "github.com/mkd-tools/mkd/internal/runtime/errors"
	lifecyclepkg "github.com/mkd-tools/mkd/internal/runtime/lifecycle"
	loggingpkg "github.com/mkd-tools/mkd/internal/runtime/logging"
	recordingpkg "github.com/mkd-tools/mkd/internal/runtime/recording"
	registrypkg "github.com/mkd-tools/mkd/internal/runtime/registry"
	sessionspkg "github.com/mkd-tools/mkd/internal/runtime/sessions"
)

type (
	Config = configpkg.Config

	// System controller facade.
	Controller             = runtimepkg.Controller
	ControllerDependencies = runtimepkg.ControllerDependencies
	SystemStatus           = runtimepkg.SystemStatus
	ComponentHealth        = runtimepkg.ComponentHealth
	RuntimeStats           = runtimepkg.RuntimeStats
	HealthChecker          = runtimepkg.HealthChecker

	// Event bus.
	Event           = buspkg.Event
	EventOption     = buspkg.EventOption
	Priority        = buspkg.Priority
	EventHandler    = buspkg.Handler
	EventFilter     = buspkg.Filter
	BusOptions      = buspkg.Options
	Bus             = buspkg.Bus
	BusStats        = buspkg.Stats
	DeliveryFailure = buspkg.DeliveryFailure

	// Component registry.
	Registry                = registrypkg.Registry
	Registration            = registrypkg.Registration
	Component               = registrypkg.Component
	ComponentFactory        = registrypkg.Factory
	ComponentScope          = registrypkg.Scope
	Resolver                = registrypkg.Resolver
	CircularDependencyError = registrypkg.CircularDependencyError
	ComponentNotFoundError  = registrypkg.ComponentNotFoundError

	// Lifecycle management.
	LifecycleManager = lifecyclepkg.Manager
	LifecycleOptions = lifecyclepkg.Options
	LifecycleState   = lifecyclepkg.State
	Hook             = lifecyclepkg.Hook
	HookPhase        = lifecyclepkg.Phase

	// Command broker.
	Broker                    = brokerpkg.Broker
	BrokerOptions             = brokerpkg.Options
	Command                   = brokerpkg.Command
	Response                  = brokerpkg.Response
	CommandHandler            = brokerpkg.Handler
	BrokerMiddleware          = brokerpkg.MiddlewareRegistration
	BrokerRetryConfig         = brokerpkg.RetryConfig
	UnprocessableCommandError = brokerpkg.UnprocessableCommandError

	// Sessions.
	SessionStore = sessionspkg.Store
	Session      = sessionspkg.Session
	SessionState = sessionspkg.State
	User         = sessionspkg.User

	// Recording engine.
	RecordingEngine  = recordingpkg.Engine
	RecordingOptions = recordingpkg.Options
	RecordingState   = recordingpkg.State
	EventProcessor   = recordingpkg.Processor

	// Logging.
	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
)

// Event priorities.
const (
	PriorityLow      = buspkg.PriorityLow
	PriorityNormal   = buspkg.PriorityNormal
	PriorityHigh     = buspkg.PriorityHigh
	PriorityCritical = buspkg.PriorityCritical
)

// Component scopes.
const (
	ScopeSingleton = registrypkg.ScopeSingleton
	ScopeTransient = registrypkg.ScopeTransient
	ScopeScoped    = registrypkg.ScopeScoped
)

// Lifecycle hook phases.
const (
	PhasePreInit    = lifecyclepkg.PhasePreInit
	PhasePostInit   = lifecyclepkg.PhasePostInit
	PhasePreStart   = lifecyclepkg.PhasePreStart
	PhasePostStart  = lifecyclepkg.PhasePostStart
	PhasePreStop    = lifecyclepkg.PhasePreStop
	PhasePostStop   = lifecyclepkg.PhasePostStop
	PhaseOnError    = lifecyclepkg.PhaseOnError
	PhaseOnRecovery = lifecyclepkg.PhaseOnRecovery
)

// Well-known event types.
const (
	TypeComponentRegistered = buspkg.TypeComponentRegistered
	TypeComponentStarted    = buspkg.TypeComponentStarted
	TypeComponentStopped    = buspkg.TypeComponentStopped
	TypeComponentFailed     = buspkg.TypeComponentFailed
	TypeSystemStarted       = buspkg.TypeSystemStarted
	TypeSystemStopped       = buspkg.TypeSystemStopped
	TypeSystemError         = buspkg.TypeSystemError
	TypeSystemRecovered     = buspkg.TypeSystemRecovered
	TypeHealthDegraded      = buspkg.TypeHealthDegraded
	TypeRecordingStarted    = buspkg.TypeRecordingStarted
	TypeRecordingPaused     = buspkg.TypeRecordingPaused
	TypeRecordingResumed    = buspkg.TypeRecordingResumed
	TypeRecordingStopped    = buspkg.TypeRecordingStopped
)

var (
	NewController = runtimepkg.NewController
	NewBus        = buspkg.New
	NewEvent      = buspkg.NewEvent
	WithPriority  = buspkg.WithPriority
	WithData      = buspkg.WithData

	NewRegistry  = registrypkg.New
	NewLifecycle = lifecyclepkg.New
	NewBroker    = brokerpkg.New

	OpenSessionStore = sessionspkg.Open
	NewEngine        = recordingpkg.NewEngine
	NewProcessor     = recordingpkg.NewProcessor

	ValidateConfig = configpkg.ValidateConfig

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
)

// Sentinel errors surfaced by the toolkit.
var (
	ErrBusStopped         = errspkg.ErrBusStopped
	ErrBrokerStopped      = errspkg.ErrBrokerStopped
	ErrDispatchTimeout    = errspkg.ErrDispatchTimeout
	ErrCommandRequired    = errspkg.ErrCommandRequired
	ErrAlreadyRecording   = errspkg.ErrAlreadyRecording
	ErrNotRecording       = errspkg.ErrNotRecording
	ErrNotPaused          = errspkg.ErrNotPaused
	ErrActiveSession      = errspkg.ErrActiveSession
	ErrSessionNotFound    = errspkg.ErrSessionNotFound
	ErrSessionTerminal    = errspkg.ErrSessionTerminal
	ErrUserNotFound       = errspkg.ErrUserNotFound
	ErrInvalidCredentials = errspkg.ErrInvalidCredentials
)
