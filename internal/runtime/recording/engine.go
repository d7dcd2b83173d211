// Package recording implements the recording engine: a state machine that
// consumes a capture source, filters the stream through the event processor,
// and writes finished recordings as script files.
package recording

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	buspkg "github.com/mkd-tools/mkd/internal/runtime/bus"
	errspkg "github.com/mkd-tools/mkd/internal/runtime/errors"
	loggingpkg "github.com/mkd-tools/mkd/internal/runtime/logging"
	"github.com/mkd-tools/mkd/internal/runtime/sessions"

	"github.com/mkd-tools/mkd/capture"
	"github.com/mkd-tools/mkd/script"
)

// State is the engine's position in the recording state machine.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRecording
	StatePaused
	StateStopping
	// StateError is entered when the capture stream dies mid-recording.
	// The next StartRecording clears it.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Options configures an Engine.
type Options struct {
	// Source delivers the raw input stream. Required.
	Source capture.Source
	// Bus receives recording lifecycle events when set.
	Bus *buspkg.Bus
	// Store tracks session state when set.
	Store  *sessions.Store
	Logger loggingpkg.ServiceLogger
	// RecordingsDir is where finished recordings are written.
	RecordingsDir string
	// MinConfidence is the event processor threshold.
	MinConfidence float64
	// Platform overrides the recorded platform name.
	Platform string
}

// Engine records one session at a time. All methods are safe for concurrent
// use; only one recording can be active.
type Engine struct {
	opts   Options
	logger loggingpkg.ServiceLogger

	mu        sync.Mutex
	state     State
	sessionID string
	startedAt time.Time
	processor *Processor
	cancel    context.CancelFunc
	consumed  sync.WaitGroup

	eventsMu sync.Mutex
	events   []script.Event

	paused      atomic.Bool
	pausedDrops atomic.Uint64
	totalInputs atomic.Uint64
}

// NewEngine creates an idle engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("recording: capture source is required")
	}
	if opts.Logger == nil {
		opts.Logger = loggingpkg.Nop()
	}
	if opts.RecordingsDir == "" {
		opts.RecordingsDir = "recordings"
	}
	if opts.Platform == "" {
		opts.Platform = runtime.GOOS
	}

	return &Engine{
		opts:   opts,
		logger: opts.Logger,
	}, nil
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// SessionID returns the session being recorded, empty when idle.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// StartRecording begins capturing for a session. Fails with
// ErrAlreadyRecording unless the engine is idle or in the error state.
func (e *Engine) StartRecording(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("recording: session id is required")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateIdle && e.state != StateError {
		return errspkg.ErrAlreadyRecording
	}
	e.state = StateStarting

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stream, err := e.opts.Source.Events(runCtx)
	if err != nil {
		cancel()
		e.state = StateIdle
		return fmt.Errorf("starting capture source: %w", err)
	}

	e.sessionID = sessionID
	e.startedAt = time.Now().UTC()
	e.processor = NewProcessor(e.opts.MinConfidence)
	e.cancel = cancel
	e.events = nil
	e.paused.Store(false)
	e.pausedDrops.Store(0)
	e.totalInputs.Store(0)

	e.consumed.Add(1)
	go e.consume(runCtx, sessionID, stream)

	e.state = StateRecording
	e.updateSession(ctx, sessionID, sessions.StateRecording)
	e.publish(buspkg.NewEvent(buspkg.TypeRecordingStarted, "recording_engine",
		buspkg.WithData(map[string]any{"session": sessionID})))

	e.logger.Info("recording started", loggingpkg.LogFields{"session_id": sessionID})
	return nil
}

// consume drains the capture stream until it closes. Inputs arriving while
// the engine is paused are counted but not recorded. A stream that closes
// without the run context being cancelled means the source died.
func (e *Engine) consume(ctx context.Context, sessionID string, stream <-chan capture.Input) {
	defer e.consumed.Done()

	for input := range stream {
		e.totalInputs.Add(1)

		if e.paused.Load() {
			e.pausedDrops.Add(1)
			continue
		}

		event, ok := e.processor.Process(input, e.startedAt)
		if !ok {
			continue
		}

		e.eventsMu.Lock()
		e.events = append(e.events, event)
		e.eventsMu.Unlock()
	}

	if ctx.Err() == nil {
		// Run on its own goroutine so a concurrent StopRecording waiting
		// on the consumer never deadlocks against the state lock.
		go e.sourceFailed(sessionID)
	}
}

// sourceFailed moves the engine to the error state after the capture stream
// closed unexpectedly. A stop that won the race leaves nothing to do.
func (e *Engine) sourceFailed(sessionID string) {
	e.mu.Lock()
	if (e.state != StateRecording && e.state != StatePaused) || e.sessionID != sessionID {
		e.mu.Unlock()
		return
	}
	e.state = StateError
	e.cancel()
	e.mu.Unlock()

	cause := fmt.Errorf("recording: capture source closed unexpectedly")
	e.failSession(context.Background(), sessionID, cause)
	e.publish(buspkg.NewEvent(buspkg.TypeComponentFailed, "recording_engine",
		buspkg.WithPriority(buspkg.PriorityCritical),
		buspkg.WithData(map[string]any{
			"session": sessionID,
			"error":   cause.Error(),
		})))
	e.logger.Error("capture source died", cause, loggingpkg.LogFields{
		"session_id": sessionID,
	})
}

// Pause suspends recording without stopping the capture source.
func (e *Engine) Pause(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRecording {
		return errspkg.ErrNotRecording
	}
	e.state = StatePaused
	e.paused.Store(true)

	e.updateSession(ctx, e.sessionID, sessions.StatePaused)
	e.publish(buspkg.NewEvent(buspkg.TypeRecordingPaused, "recording_engine",
		buspkg.WithData(map[string]any{"session": e.sessionID})))
	return nil
}

// Resume continues a paused recording.
func (e *Engine) Resume(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePaused {
		return errspkg.ErrNotPaused
	}
	e.state = StateRecording
	e.paused.Store(false)

	e.updateSession(ctx, e.sessionID, sessions.StateRecording)
	e.publish(buspkg.NewEvent(buspkg.TypeRecordingResumed, "recording_engine",
		buspkg.WithData(map[string]any{"session": e.sessionID})))
	return nil
}

// StopRecording finishes the active recording, writes the script file, and
// returns its path. Valid from both the recording and paused states.
func (e *Engine) StopRecording(ctx context.Context) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRecording && e.state != StatePaused {
		return "", errspkg.ErrNotRecording
	}
	e.state = StateStopping
	sessionID := e.sessionID

	e.updateSession(ctx, sessionID, sessions.StateStopping)

	// Stop the stream and wait for the consumer to drain it completely
	// before reading the collected events.
	e.cancel()
	e.consumed.Wait()

	duration := time.Since(e.startedAt)
	_, dropped := e.processor.Counts()

	e.eventsMu.Lock()
	events := e.events
	e.events = nil
	e.eventsMu.Unlock()

	doc := &script.Script{
		Version:   script.FormatVersion,
		Session:   sessionID,
		Platform:  e.opts.Platform,
		CreatedAt: e.startedAt,
		Events:    events,
		Stats: script.Stats{
			TotalEvents:   int64(len(events)),
			DroppedEvents: int64(dropped + e.pausedDrops.Load()),
			DurationMs:    duration.Milliseconds(),
		},
	}

	path, err := e.writeRecording(sessionID, doc)
	if err != nil {
		e.state = StateError
		e.failSession(ctx, sessionID, err)
		return "", err
	}

	if e.opts.Store != nil {
		if err := e.opts.Store.Complete(ctx, sessionID, int64(len(events)), path); err != nil {
			e.logger.Error("completing session failed", err, loggingpkg.LogFields{
				"session_id": sessionID,
			})
		}
	}

	e.publish(buspkg.NewEvent(buspkg.TypeRecordingStopped, "recording_engine",
		buspkg.WithData(map[string]any{
			"session": sessionID,
			"path":    path,
			"events":  len(events),
			"inputs":  e.totalInputs.Load(),
		})))

	e.logger.Info("recording stopped", loggingpkg.LogFields{
		"session_id": sessionID,
		"path":       path,
		"events":     len(events),
		"inputs":     e.totalInputs.Load(),
		"dropped":    doc.Stats.DroppedEvents,
	})

	e.state = StateIdle
	e.sessionID = ""
	return path, nil
}

func (e *Engine) writeRecording(sessionID string, doc *script.Script) (string, error) {
	if err := os.MkdirAll(e.opts.RecordingsDir, 0o755); err != nil {
		return "", fmt.Errorf("creating recordings directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s.mkd", sessionID, e.startedAt.Format("20060102-150405"))
	path := filepath.Join(e.opts.RecordingsDir, name)

	if err := script.Save(path, doc); err != nil {
		return "", fmt.Errorf("writing recording: %w", err)
	}
	return path, nil
}

// EventCount returns how many events are collected so far.
func (e *Engine) EventCount() int {
	e.eventsMu.Lock()
	defer e.eventsMu.Unlock()
	return len(e.events)
}

// Start makes the engine usable as a managed component. The engine starts
// idle; recordings are driven by commands.
func (e *Engine) Start(ctx context.Context) error {
	return nil
}

// Stop aborts any active recording and closes the capture source.
func (e *Engine) Stop(ctx context.Context) error {
	if state := e.State(); state == StateRecording || state == StatePaused {
		if _, err := e.StopRecording(ctx); err != nil {
			return err
		}
	}
	return e.opts.Source.Close()
}

func (e *Engine) updateSession(ctx context.Context, sessionID string, state sessions.State) {
	if e.opts.Store == nil {
		return
	}
	if err := e.opts.Store.UpdateState(ctx, sessionID, state); err != nil {
		e.logger.Error("updating session state failed", err, loggingpkg.LogFields{
			"session_id": sessionID,
			"state":      string(state),
		})
	}
}

func (e *Engine) failSession(ctx context.Context, sessionID string, cause error) {
	if e.opts.Store == nil {
		return
	}
	if err := e.opts.Store.Fail(ctx, sessionID, cause.Error()); err != nil {
		e.logger.Error("failing session failed", err, loggingpkg.LogFields{
			"session_id": sessionID,
		})
	}
}

func (e *Engine) publish(event buspkg.Event) {
	if e.opts.Bus == nil {
		return
	}
	if err := e.opts.Bus.Publish(event); err != nil {
		e.logger.Debug("recording event not published", loggingpkg.LogFields{
			"event_type": event.Type,
			"error":      err.Error(),
		})
	}
}
