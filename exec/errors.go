package exec

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common error conditions.
var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
	ErrSessionClosed  = errors.New("session is closed")
	// ErrNoTurnResult means the process exited without reporting how the
	// turn ended.
	ErrNoTurnResult = errors.New("codex exec exited without a turn result")
)

// ProtocolError represents an unparseable line from the CLI.
type ProtocolError struct {
	Cause   error
	Message string
	Line    string
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("protocol error: %s", e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// ProcessError represents a process-level error.
type ProcessError struct {
	Cause    error
	Message  string
	Stderr   string
	ExitCode int
}

func (e *ProcessError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("process error: %s (exit code %d)", e.Message, e.ExitCode)
	}
	return fmt.Sprintf("process error: %s", e.Message)
}

func (e *ProcessError) Unwrap() error {
	return e.Cause
}

// TurnFailedError is the failure reported by a turn.failed event.
type TurnFailedError struct {
	Message string
}

func (e *TurnFailedError) Error() string {
	return "turn failed: " + e.Message
}

// TimeoutError is returned when a session monitor gave up on the process.
type TimeoutError struct {
	Kind  string // "idle" or "exit"
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("codex exec %s timeout after %s", e.Kind, e.After)
}
