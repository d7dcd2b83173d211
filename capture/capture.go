// Package capture defines the input capture interfaces and types. Each
// capture backend (synthetic, replay, ...) lives in its own sub-package and
// registers itself with the capture registry.
package capture

import (
	"context"
	"time"
)

// InputType classifies a raw captured input event.
type InputType string

const (
	InputKeyPress     InputType = "key_press"
	InputKeyRelease   InputType = "key_release"
	InputMouseMove    InputType = "mouse_move"
	InputMouseClick   InputType = "mouse_click"
	InputMouseRelease InputType = "mouse_release"
	InputScroll       InputType = "scroll"
	InputWindowFocus  InputType = "window_focus"
)

// Input is one raw event emitted by a capture source, before any filtering
// or confidence scoring.
type Input struct {
	ID        string    `json:"id"`
	Type      InputType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	Key       string   `json:"key,omitempty"`
	Button    string   `json:"button,omitempty"`
	Modifiers []string `json:"modifiers,omitempty"`

	Data map[string]any `json:"data,omitempty"`
}

// Source produces a stream of raw input events. Events blocks until the
// source is started; the returned channel closes when the source is
// exhausted, closed, or the context is cancelled.
type Source interface {
	Events(ctx context.Context) (<-chan Input, error)
	Close() error
}

// Builder is the function signature for creating a source from config. Each
// capture package provides a Builder that it registers under its name.
type Builder func(ctx context.Context, cfg Config) (Source, error)

// Config provides the configuration values needed by capture backends. The
// interface keeps backends decoupled from the full config package.
type Config interface {
	// GetCaptureSource returns the backend name to use.
	GetCaptureSource() string

	// GetReplayFile returns the recording file for the replay backend.
	GetReplayFile() string
}

// CapabilitiesProvider is implemented by sources that can report their
// capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
