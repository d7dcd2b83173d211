package sessions

import "time"

// State is the persisted session state.
type State string

const (
	StateInactive  State = "inactive"
	StateStarting  State = "starting"
	StateRecording State = "recording"
	StatePaused    State = "paused"
	StateStopping  State = "stopping"
	StateCompleted State = "completed"
	StateError     State = "error"
)

var knownStates = map[State]struct{}{
	StateInactive:  {},
	StateStarting:  {},
	StateRecording: {},
	StatePaused:    {},
	StateStopping:  {},
	StateCompleted: {},
	StateError:     {},
}

// Valid reports whether the state is one of the persisted states.
func (s State) Valid() bool {
	_, ok := knownStates[s]
	return ok
}

// Terminal reports whether a session in this state is finished. A user can
// only hold one non-terminal session at a time.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// DefaultRole is assigned to accounts created through CreateUser.
const DefaultRole = "user"

// User is a registered account that owns recording sessions.
type User struct {
	ID        string         `json:"id"`
	Username  string         `json:"username"`
	Role      string         `json:"role"`
	CreatedAt time.Time      `json:"created_at"`
	LastLogin *time.Time     `json:"last_login,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
}

// Session is one recording run owned by a user.
type Session struct {
	ID            string         `json:"id"`
	UserID        string         `json:"user_id"`
	Name          string         `json:"name"`
	State         State          `json:"state"`
	Config        map[string]any `json:"config,omitempty"`
	EventCount    int64          `json:"event_count"`
	RecordingPath string         `json:"recording_path,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
}
