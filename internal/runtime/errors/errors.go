// Package errors holds the sentinel errors shared across the toolkit's
// runtime packages. Typed errors that carry context (for example
// CircularDependencyError) live next to the package that raises them.
package errors

import sterrors "errors"

var (
	ErrBusStopped          = sterrors.New("mkd: event bus is stopped")
	ErrHandlerRequired     = sterrors.New("mkd: event handler is required")
	ErrEventTypeRequired   = sterrors.New("mkd: event type is required")
	ErrComponentRequired   = sterrors.New("mkd: component type is required")
	ErrFactoryRequired     = sterrors.New("mkd: component factory is required")
	ErrCommandRequired     = sterrors.New("mkd: command name is required")
	ErrCommandHandlerNil   = sterrors.New("mkd: command handler is required")
	ErrBrokerStopped       = sterrors.New("mkd: message broker is stopped")
	ErrDispatchTimeout     = sterrors.New("mkd: command dispatch timed out")
	ErrConfigRequired      = sterrors.New("mkd: config is required")
	ErrLoggerRequired      = sterrors.New("mkd: logger is required")
	ErrAlreadyRecording    = sterrors.New("mkd: recording already in progress")
	ErrNotRecording        = sterrors.New("mkd: no recording in progress")
	ErrNotPaused           = sterrors.New("mkd: recording is not paused")
	ErrActiveSession       = sterrors.New("mkd: user already has an active session")
	ErrSessionNotFound     = sterrors.New("mkd: session not found")
	ErrSessionTerminal     = sterrors.New("mkd: session is in a terminal state")
	ErrUserNotFound        = sterrors.New("mkd: user not found")
	ErrInvalidCredentials  = sterrors.New("mkd: invalid credentials")
	ErrUnknownScriptFormat = sterrors.New("mkd: unknown script format")
)
