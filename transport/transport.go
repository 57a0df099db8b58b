// Package transport provides the per-epoch connection to a Codex app-server:
// a JSON-RPC request/response primitive, a push-notification stream, and an
// exit signal. One Transport lives for exactly one process (or socket)
// lifetime and is never reused.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Transport is one connection epoch to the app-server.
type Transport interface {
	// Call issues a request and waits for its response. A server-side
	// rejection is reported as *RPCError; death of the connection while the
	// call is pending (or before it is written) as *ExitError.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Notifications streams server notifications in arrival order. The
	// channel is closed once the connection has ended.
	Notifications() <-chan Notification

	// Done is closed after the connection has ended and Notifications has
	// been closed.
	Done() <-chan struct{}

	// Err describes why the connection ended. It is nil until Done is
	// closed and an *ExitError afterwards.
	Err() error

	// PID returns the process id of the peer, or 0 when not a subprocess.
	PID() int

	// Close terminates the connection. It is idempotent and waits (bounded)
	// for the peer to exit.
	Close() error
}

// Factory builds a fresh Transport. It is invoked once per epoch.
type Factory func(ctx context.Context) (Transport, error)

// Notification is a server-pushed JSON-RPC notification.
type Notification struct {
	Method string
	Params json.RawMessage
}

// RequestHandler answers server-initiated requests (approvals and the like).
// Returning an *RPCError sends that error code; any other error is reported
// as an internal error.
type RequestHandler interface {
	HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// RequestHandlerFunc adapts a function to RequestHandler.
type RequestHandlerFunc func(ctx context.Context, method string, params json.RawMessage) (any, error)

// HandleRequest implements RequestHandler.
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, method string, params json.RawMessage) (any, error) {
	return f(ctx, method, params)
}

// ErrClosed is the cause recorded when the connection was closed locally.
var ErrClosed = errors.New("transport closed")

// RPCError is an error response from a live connection.
type RPCError struct {
	Data    json.RawMessage
	Message string
	Code    int
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ExitError reports that the connection died.
type ExitError struct {
	Cause error
	// Stderr is a redacted tail of the process's stderr.
	Stderr string
	PID    int
	// ExitCode is -1 when unknown (still running, signalled, or not a
	// process).
	ExitCode int
}

func (e *ExitError) Error() string {
	msg := "app-server connection lost"
	if e.PID > 0 {
		msg += fmt.Sprintf(" (pid %d", e.PID)
		if e.ExitCode >= 0 {
			msg += fmt.Sprintf(", exit code %d", e.ExitCode)
		}
		msg += ")"
	} else if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" (exit code %d)", e.ExitCode)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// CLINotFoundError is returned when the codex binary cannot be located.
// Restarting will never fix it.
type CLINotFoundError struct {
	Cause error
	Path  string
}

func (e *CLINotFoundError) Error() string {
	return fmt.Sprintf("codex CLI not found at %q: %v", e.Path, e.Cause)
}

func (e *CLINotFoundError) Unwrap() error {
	return e.Cause
}

// StartError wraps any other failure to bring up a connection.
type StartError struct {
	Cause   error
	Message string
}

func (e *StartError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *StartError) Unwrap() error {
	return e.Cause
}
