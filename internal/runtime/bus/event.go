package bus

import (
	"time"

	idspkg "github.com/mkd-tools/mkd/internal/runtime/ids"
)

// Priority orders event delivery. Critical events bypass the bounded queue
// entirely; High drains before Normal and Low.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Well-known event types published by the integration core. Applications may
// publish their own types; the bus treats types as opaque strings.
const (
	TypeComponentRegistered = "component.registered"
	TypeComponentStarted    = "component.started"
	TypeComponentStopped    = "component.stopped"
	TypeComponentFailed     = "component.failed"

	TypeSystemStarted   = "system.started"
	TypeSystemStopped   = "system.stopped"
	TypeSystemError     = "system.error"
	TypeSystemRecovered = "system.recovered"

	TypeHealthDegraded = "health.degraded"

	TypeRecordingStarted = "recording.started"
	TypeRecordingPaused  = "recording.paused"
	TypeRecordingResumed = "recording.resumed"
	TypeRecordingStopped = "recording.stopped"
)

// Event is the unit of communication on the bus. Once published it should be
// treated as immutable; handlers receive the same value, not a copy of Data.
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Source        string         `json:"source"`
	Priority      Priority       `json:"priority"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Data          map[string]any `json:"data,omitempty"`
}

// EventOption customises an event at construction time.
type EventOption func(*Event)

// WithPriority sets the delivery priority. Defaults to PriorityNormal.
func WithPriority(p Priority) EventOption {
	return func(e *Event) { e.Priority = p }
}

// WithData attaches the payload map.
func WithData(data map[string]any) EventOption {
	return func(e *Event) { e.Data = data }
}

// WithCorrelationID links the event to a command or an earlier event.
func WithCorrelationID(id string) EventOption {
	return func(e *Event) { e.CorrelationID = id }
}

// NewEvent creates an event with a fresh ULID and UTC timestamp.
func NewEvent(eventType, source string, opts ...EventOption) Event {
	e := Event{
		ID:        idspkg.CreateULID(),
		Type:      eventType,
		Source:    source,
		Priority:  PriorityNormal,
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}
