package recording

import (
	"sync/atomic"
	"time"

	"github.com/mkd-tools/mkd/capture"
	"github.com/mkd-tools/mkd/script"
)

// DefaultMinConfidence is the score below which events are discarded.
const DefaultMinConfidence = 0.3

// Processor turns raw capture input into recorded events. Every input gets a
// confidence score; inputs scoring below the threshold are dropped so noise
// from flaky capture backends never reaches the recording.
type Processor struct {
	minConfidence float64

	processed atomic.Uint64
	dropped   atomic.Uint64
}

// NewProcessor creates a processor with the given confidence threshold.
// Non-positive thresholds fall back to the default.
func NewProcessor(minConfidence float64) *Processor {
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Processor{minConfidence: minConfidence}
}

// Process scores one input and converts it into a recorded event relative to
// the recording start. The second return value is false when the input was
// dropped.
func (p *Processor) Process(in capture.Input, start time.Time) (script.Event, bool) {
	confidence := score(in)
	if confidence < p.minConfidence {
		p.dropped.Add(1)
		return script.Event{}, false
	}
	p.processed.Add(1)

	offset := in.Timestamp.Sub(start).Milliseconds()
	if offset < 0 {
		offset = 0
	}

	return script.Event{
		ID:         in.ID,
		Type:       string(in.Type),
		Offset:     offset,
		X:          in.X,
		Y:          in.Y,
		Key:        in.Key,
		Button:     in.Button,
		Modifiers:  in.Modifiers,
		Confidence: confidence,
		Data:       in.Data,
	}, true
}

// Counts returns how many inputs were kept and dropped.
func (p *Processor) Counts() (processed, dropped uint64) {
	return p.processed.Load(), p.dropped.Load()
}

// score rates how trustworthy an input looks. Complete events of a known
// type score 1.0; missing fields pull the score down until the event falls
// under the threshold.
func score(in capture.Input) float64 {
	confidence := 1.0

	switch in.Type {
	case capture.InputKeyPress, capture.InputKeyRelease:
		if in.Key == "" {
			confidence -= 0.8
		}
	case capture.InputMouseClick, capture.InputMouseRelease:
		if in.Button == "" {
			confidence -= 0.5
		}
	case capture.InputMouseMove, capture.InputScroll, capture.InputWindowFocus:
	default:
		// Unknown event types are almost certainly capture glitches.
		confidence = 0.1
	}

	if in.Timestamp.IsZero() {
		confidence -= 0.5
	}
	if in.ID == "" {
		confidence -= 0.2
	}

	if confidence < 0 {
		return 0
	}
	return confidence
}
