package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config groups the settings required to run the toolkit's integration core.
// Each component only uses the keys that are relevant to it; zero values fall
// back to the documented defaults.
type Config struct {
	// CaptureSource selects the input capture backend. Supported values are
	// the names registered by the capture packages, for example "synthetic"
	// or "replay".
	CaptureSource string

	// ReplayFile is the script file fed to the replay capture source.
	ReplayFile string

	// SessionDBFile is the path to the SQLite session database.
	// Use ":memory:" for an in-memory database (useful for testing).
	SessionDBFile string

	// RecordingsDir is where finished recordings are written.
	RecordingsDir string

	// Event bus tuning. Zero values fall back to library defaults.
	// EventQueueSize bounds the normal/low priority queue; when full, new
	// events at those priorities are dropped.
	EventQueueSize int
	// DeliveryTimeout is the per-handler delivery timeout.
	DeliveryTimeout time.Duration
	// DeliveryMaxRetries is how often a failing handler is retried.
	DeliveryMaxRetries int

	// HookTimeout bounds each lifecycle hook execution.
	HookTimeout time.Duration

	// RecoveryMaxAttempts bounds automatic restarts after a system error.
	RecoveryMaxAttempts int

	// HealthInterval is the period of the controller's health monitor loop.
	HealthInterval time.Duration

	// DispatchTimeout bounds synchronous command dispatch. Defaults to 30s.
	DispatchTimeout time.Duration
	// CommandPoisonTopic receives commands that cannot be processed even
	// after retries.
	CommandPoisonTopic string

	// MinConfidence is the processor threshold below which captured events
	// are silently dropped. Defaults to 0.3.
	MinConfidence float64

	// Metrics configuration.
	MetricsEnabled bool
	// MetricsPort is the port where Prometheus metrics will be exposed.
	MetricsPort int
}

// Getter methods to implement the capture.Config interface.
func (c *Config) GetCaptureSource() string { return c.CaptureSource }
func (c *Config) GetReplayFile() string    { return c.ReplayFile }

// Validate checks that the configuration is internally consistent. Returns
// an error describing every invalid field.
// Note: capture source names are not validated here so custom registrations
// keep working.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateCapture()...)
	errs = append(errs, c.validateBus()...)
	errs = append(errs, c.validatePorts()...)

	return errors.Join(errs...)
}

func (c *Config) validateCapture() []error {
	if strings.EqualFold(c.CaptureSource, "replay") && c.ReplayFile == "" {
		return []error{errors.New("capture: replay source requires a replay file")}
	}
	return nil
}

func (c *Config) validateBus() []error {
	var errs []error
	if c.EventQueueSize < 0 {
		errs = append(errs, errors.New("bus: queue size cannot be negative"))
	}
	if c.DeliveryMaxRetries < 0 {
		errs = append(errs, errors.New("bus: max retries cannot be negative"))
	}
	if c.DeliveryTimeout < 0 {
		errs = append(errs, errors.New("bus: delivery timeout cannot be negative"))
	}
	if c.RecoveryMaxAttempts < 0 {
		errs = append(errs, errors.New("lifecycle: recovery attempts cannot be negative"))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("recording: min confidence %v outside [0, 1]", c.MinConfidence))
	}
	return errs
}

func (c *Config) validatePorts() []error {
	var errs []error
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
