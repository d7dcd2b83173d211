// Package script defines the recording file format: a versioned JSON
// document, stored either plain or LZ4-compressed. Load detects the storage
// format from the file content, so consumers never need to know how a
// recording was saved.
package script

import (
	"fmt"
	"time"
)

// FormatVersion is the current recording document version.
const FormatVersion = 1

// Format selects how a script is stored on disk.
type Format string

const (
	// FormatJSON stores the document as plain JSON.
	FormatJSON Format = "json"
	// FormatMKD stores the document as LZ4-compressed JSON.
	FormatMKD Format = "mkd"
)

// Event is one recorded input event, relative to the start of the recording.
type Event struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Offset int64  `json:"offset_ms"`

	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	Key       string   `json:"key,omitempty"`
	Button    string   `json:"button,omitempty"`
	Modifiers []string `json:"modifiers,omitempty"`

	Confidence float64        `json:"confidence"`
	Data       map[string]any `json:"data,omitempty"`
}

// Stats summarises a finished recording.
type Stats struct {
	TotalEvents   int64 `json:"total_events"`
	DroppedEvents int64 `json:"dropped_events"`
	DurationMs    int64 `json:"duration_ms"`
}

// Script is a complete recording document.
type Script struct {
	Version     int       `json:"version"`
	Session     string    `json:"session"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	Platform    string    `json:"platform"`
	CreatedAt   time.Time `json:"created_at"`
	Events      []Event   `json:"events"`
	Stats       Stats     `json:"stats"`
}

// Validate checks the structural invariants of a loaded script.
func (s *Script) Validate() error {
	if s.Version <= 0 {
		return fmt.Errorf("script: missing version")
	}
	if s.Version > FormatVersion {
		return fmt.Errorf("script: unsupported version %d", s.Version)
	}
	if s.Session == "" {
		return fmt.Errorf("script: missing session")
	}
	return nil
}

// Duration returns the recorded wall-clock duration.
func (s *Script) Duration() time.Duration {
	return time.Duration(s.Stats.DurationMs) * time.Millisecond
}
