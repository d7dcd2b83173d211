// Package replay provides a capture backend that re-emits the events of a
// previously saved recording. It is the bridge between recorded scripts and
// anything that consumes live capture streams.
package replay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mkd-tools/mkd/capture"
	"github.com/mkd-tools/mkd/script"
)

// SourceName is the name used to register this backend.
const SourceName = "replay"

func init() {
	capture.RegisterWithCapabilities(SourceName, Build, capture.ReplayCapabilities)
}

// Build creates a replay source from the configured replay file.
func Build(ctx context.Context, cfg capture.Config) (capture.Source, error) {
	path := cfg.GetReplayFile()
	if path == "" {
		return nil, fmt.Errorf("replay source requires a replay file")
	}
	return Open(path, Options{})
}

// Capabilities returns the capabilities of this backend.
func Capabilities() capture.Capabilities {
	return capture.ReplayCapabilities
}

// Options configures playback.
type Options struct {
	// Speed scales the recorded timing: 2 plays twice as fast. Zero or
	// negative replays without waiting, which is what tests want.
	Speed float64
}

// Source replays the events of a loaded recording in order.
type Source struct {
	recording *script.Script
	opts      Options

	closed    chan struct{}
	closeOnce sync.Once
}

// Open loads a recording and prepares it for playback.
func Open(path string, opts Options) (*Source, error) {
	recording, err := script.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading replay recording: %w", err)
	}
	return FromScript(recording, opts), nil
}

// FromScript wraps an already loaded recording.
func FromScript(recording *script.Script, opts Options) *Source {
	return &Source{
		recording: recording,
		opts:      opts,
		closed:    make(chan struct{}),
	}
}

// Recording returns the script being replayed.
func (s *Source) Recording() *script.Script {
	return s.recording
}

// Events starts playback. The channel closes after the last recorded event,
// on Close, or when ctx is cancelled.
func (s *Source) Events(ctx context.Context) (<-chan capture.Input, error) {
	out := make(chan capture.Input)

	go func() {
		defer close(out)

		start := time.Now().UTC()
		var lastOffset int64

		for _, event := range s.recording.Events {
			if wait := s.waitFor(event.Offset - lastOffset); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				case <-s.closed:
					return
				}
			}
			lastOffset = event.Offset

			input := capture.Input{
				ID:        event.ID,
				Type:      capture.InputType(event.Type),
				Timestamp: start.Add(time.Duration(event.Offset) * time.Millisecond),
				X:         event.X,
				Y:         event.Y,
				Key:       event.Key,
				Button:    event.Button,
				Modifiers: event.Modifiers,
				Data:      event.Data,
			}

			select {
			case out <- input:
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			}
		}
	}()

	return out, nil
}

func (s *Source) waitFor(deltaMs int64) time.Duration {
	if s.opts.Speed <= 0 || deltaMs <= 0 {
		return 0
	}
	return time.Duration(float64(deltaMs)/s.opts.Speed) * time.Millisecond
}

// Close stops playback.
func (s *Source) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}
