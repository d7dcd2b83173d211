package capture

// Capabilities describes the features supported by a capture backend. Use
// this to introspect what a configured source can deliver at runtime.
type Capabilities struct {
	// SupportsKeyboard indicates the backend captures keyboard events.
	SupportsKeyboard bool

	// SupportsMouse indicates the backend captures pointer events.
	SupportsMouse bool

	// SupportsScroll indicates the backend captures scroll events.
	SupportsScroll bool

	// SupportsWindowEvents indicates the backend reports focus changes.
	SupportsWindowEvents bool

	// Deterministic indicates the backend replays the same stream for the
	// same configuration, which makes it usable in tests.
	Deterministic bool

	// Live indicates the backend captures real user input rather than
	// generating or replaying it.
	Live bool

	// MaxEventRate is the maximum sustained events per second the backend
	// can deliver (0 = unlimited/unknown).
	MaxEventRate int64

	// Name is the human-readable name of the backend.
	Name string

	// Version is the backend version.
	Version string
}

// Predefined capability sets for the built-in backends.
var (
	// SyntheticCapabilities for the generated input backend.
	SyntheticCapabilities = Capabilities{
		Name:                 "synthetic",
		SupportsKeyboard:     true,
		SupportsMouse:        true,
		SupportsScroll:       true,
		SupportsWindowEvents: false,
		Deterministic:        true,
		Live:                 false,
	}

	// ReplayCapabilities for the recording replay backend.
	ReplayCapabilities = Capabilities{
		Name:                 "replay",
		SupportsKeyboard:     true,
		SupportsMouse:        true,
		SupportsScroll:       true,
		SupportsWindowEvents: true,
		Deterministic:        true,
		Live:                 false,
	}
)
