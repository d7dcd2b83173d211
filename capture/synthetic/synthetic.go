// Package synthetic provides a generated input backend. It emits a
// deterministic, seeded stream of keyboard and mouse events, which makes it
// useful for testing and local development without touching real input
// devices.
package synthetic

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/mkd-tools/mkd/capture"
)

// SourceName is the name used to register this backend.
const SourceName = "synthetic"

func init() {
	capture.RegisterWithCapabilities(SourceName, Build, capture.SyntheticCapabilities)
}

// Build creates a synthetic source with default options.
func Build(ctx context.Context, cfg capture.Config) (capture.Source, error) {
	return New(Options{}), nil
}

// Capabilities returns the capabilities of this backend.
func Capabilities() capture.Capabilities {
	return capture.SyntheticCapabilities
}

// Options configures the generated stream.
type Options struct {
	// Rate is the number of events per second. Zero means as fast as the
	// consumer reads them.
	Rate int
	// Count bounds the stream; zero means unbounded.
	Count int
	// Seed makes the stream reproducible. The same seed always yields the
	// same sequence.
	Seed int64
}

// Source generates input events from a seeded random walk.
type Source struct {
	opts Options

	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a synthetic source.
func New(opts Options) *Source {
	return &Source{
		opts:   opts,
		closed: make(chan struct{}),
	}
}

var keyRow = []string{"a", "s", "d", "f", "g", "h", "j", "k", "l"}

// Events starts the generator. The channel closes after Count events, on
// Close, or when ctx is cancelled.
func (s *Source) Events(ctx context.Context) (<-chan capture.Input, error) {
	out := make(chan capture.Input)

	var interval time.Duration
	if s.opts.Rate > 0 {
		interval = time.Second / time.Duration(s.opts.Rate)
	}

	go func() {
		defer close(out)

		rng := rand.New(rand.NewSource(s.opts.Seed))
		x, y := 640, 400

		for n := 0; s.opts.Count == 0 || n < s.opts.Count; n++ {
			event := s.nextEvent(rng, n, &x, &y)

			select {
			case out <- event:
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			}

			if interval > 0 {
				select {
				case <-time.After(interval):
				case <-ctx.Done():
					return
				case <-s.closed:
					return
				}
			}
		}
	}()

	return out, nil
}

// nextEvent advances the random walk by one event. The mix leans heavily on
// mouse movement, matching what a real capture stream looks like.
func (s *Source) nextEvent(rng *rand.Rand, n int, x, y *int) capture.Input {
	event := capture.Input{
		ID:        fmt.Sprintf("syn-%d", n),
		Timestamp: time.Now().UTC(),
	}

	switch roll := rng.Float64(); {
	case roll < 0.70:
		*x += rng.Intn(41) - 20
		*y += rng.Intn(41) - 20
		if *x < 0 {
			*x = 0
		}
		if *y < 0 {
			*y = 0
		}
		event.Type = capture.InputMouseMove
		event.X, event.Y = *x, *y
	case roll < 0.80:
		event.Type = capture.InputMouseClick
		event.X, event.Y = *x, *y
		event.Button = "left"
		if rng.Float64() < 0.1 {
			event.Button = "right"
		}
	case roll < 0.95:
		event.Type = capture.InputKeyPress
		event.Key = keyRow[rng.Intn(len(keyRow))]
		if rng.Float64() < 0.15 {
			event.Modifiers = []string{"ctrl"}
		}
	default:
		event.Type = capture.InputScroll
		event.X, event.Y = *x, *y
		event.Data = map[string]any{"delta": rng.Intn(7) - 3}
	}

	return event
}

// Close stops the generator.
func (s *Source) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
