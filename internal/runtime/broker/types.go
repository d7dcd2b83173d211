package broker

import (
	"fmt"
	"time"
)

// Command is a request routed to a registered command handler. Params carries
// the handler-specific arguments.
type Command struct {
	ID      string         `json:"id"`
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response is the reply to a dispatched command.
type Response struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data,omitempty"`
	Error     string         `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

const (
	responseTypeResult = "response"
	responseTypeError  = "error"
)

func successResponse(id string, data map[string]any) Response {
	return Response{
		ID:        id,
		Type:      responseTypeResult,
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

func errorResponse(id, errMsg string) Response {
	return Response{
		ID:        id,
		Type:      responseTypeError,
		Success:   false,
		Error:     errMsg,
		Timestamp: time.Now().UTC(),
	}
}

// UnprocessableCommandError marks a payload that can never be handled, no
// matter how often it is retried. The poison queue filter matches on it.
type UnprocessableCommandError struct {
	payload string
	err     error
}

func (e *UnprocessableCommandError) Error() string {
	return fmt.Sprintf("unprocessable command %q: %v", e.payload, e.err)
}

func (e *UnprocessableCommandError) Unwrap() error { return e.err }
