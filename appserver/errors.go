package appserver

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Sentinel errors for common error conditions.
var (
	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("client already started")

	// ErrNotStarted is returned when an operation requires a started client.
	ErrNotStarted = errors.New("client not started")

	// ErrClientClosed is returned once Stop has been called, and is the
	// completion error of turns cut short by it.
	ErrClientClosed = errors.New("client is closed")

	// ErrTurnExists is returned when a turn id is registered twice on one
	// connection.
	ErrTurnExists = errors.New("turn already registered")

	// ErrTurnClosed completes a turn whose handle was closed by the caller.
	ErrTurnClosed = errors.New("turn handle closed")

	// ErrMissingTurnID is returned when turn/start answers without an id.
	ErrMissingTurnID = errors.New("turn/start returned no turn id")
)

// RemoteError is a rejection from a live app-server. It is never retried.
type RemoteError struct {
	Data    json.RawMessage
	Method  string
	Message string
	Code    int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error %d: %s", e.Method, e.Code, e.Message)
}

// DisconnectedError reports that the connection epoch died. Later calls on
// the client may succeed once a restart completes.
type DisconnectedError struct {
	Cause error
	// Diagnostic is the redacted tail of the process's stderr.
	Diagnostic string
	Epoch      uint64
	PID        int
	// ExitCode is -1 when unknown.
	ExitCode int
}

func (e *DisconnectedError) Error() string {
	msg := fmt.Sprintf("app-server disconnected (epoch %d", e.Epoch)
	if e.PID > 0 {
		msg += fmt.Sprintf(", pid %d", e.PID)
	}
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(", exit code %d", e.ExitCode)
	}
	msg += ")"
	if e.Diagnostic != "" {
		msg += ": " + lastLine(e.Diagnostic)
	}
	return msg
}

func (e *DisconnectedError) Unwrap() error {
	return e.Cause
}

// UnavailableError means the restart policy is exhausted. It is permanent
// for the life of the client. Cause, usually the last *DisconnectedError, is
// reachable through errors.As; use IsUnavailable before IsDisconnected.
type UnavailableError struct {
	Cause    error
	Restarts int
}

func (e *UnavailableError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("app-server unavailable after %d restarts: %v", e.Restarts, e.Cause)
	}
	return fmt.Sprintf("app-server unavailable after %d restarts", e.Restarts)
}

func (e *UnavailableError) Unwrap() error {
	return e.Cause
}

// TurnError carries the error object of a failed turn/completed.
type TurnError struct {
	ThreadID string
	TurnID   string
	Message  string
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn %s failed (thread=%s): %s", e.TurnID, e.ThreadID, e.Message)
}

// IsRemote reports whether err is a *RemoteError.
func IsRemote(err error) bool {
	var e *RemoteError
	return errors.As(err, &e)
}

// IsDisconnected reports whether err is a *DisconnectedError that a
// restart may recover from. It is false for an *UnavailableError even when
// the fault's cause is a disconnect.
func IsDisconnected(err error) bool {
	if IsUnavailable(err) {
		return false
	}
	var e *DisconnectedError
	return errors.As(err, &e)
}

// IsUnavailable reports whether err is an *UnavailableError.
func IsUnavailable(err error) bool {
	var e *UnavailableError
	return errors.As(err, &e)
}

func lastLine(s string) string {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '\n' {
			return s[i+1:]
		}
	}
	return s
}
