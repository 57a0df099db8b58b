package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

const (
	defaultNotificationBuffer = 256
	// writeFailureGrace is how long a failed write waits for the read side
	// to report the real exit status before synthesizing one.
	writeFailureGrace = 250 * time.Millisecond
	closeWait         = 3 * time.Second
)

// wire moves whole JSON-RPC messages over some framing.
type wire interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
}

// connConfig is shared by every framing.
type connConfig struct {
	handler            RequestHandler
	logger             *slog.Logger
	notificationBuffer int
}

type rpcResult struct {
	err   error
	value json.RawMessage
}

// rpcConn multiplexes calls, notifications and server requests over a wire.
// The framing supplies shutdown (to make the wire fail) and finish (to turn
// the read error into the epoch's exit status).
type rpcConn struct {
	wire           wire
	handler        RequestHandler
	logger         *slog.Logger
	handlerCtx     context.Context
	cancelHandlers context.CancelFunc
	shutdown       func() error
	pending        map[int64]chan rpcResult
	notifications  chan Notification
	done           chan struct{}
	closing        chan struct{}
	exitErr        *ExitError
	ids            idGenerator
	pid            int
	mu             sync.Mutex
	closeOnce      sync.Once
	finished       bool
}

func newRPCConn(w wire, cfg connConfig) *rpcConn {
	if cfg.notificationBuffer <= 0 {
		cfg.notificationBuffer = defaultNotificationBuffer
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &rpcConn{
		wire:           w,
		handler:        cfg.handler,
		logger:         cfg.logger,
		handlerCtx:     ctx,
		cancelHandlers: cancel,
		shutdown:       func() error { return nil },
		pending:        make(map[int64]chan rpcResult),
		notifications:  make(chan Notification, cfg.notificationBuffer),
		done:           make(chan struct{}),
		closing:        make(chan struct{}),
	}
}

// serve pumps the wire until it fails, then settles every pending call with
// the exit error and closes Notifications followed by Done.
func (c *rpcConn) serve(finish func(readErr error) *ExitError) {
	var readErr error
	for {
		data, err := c.wire.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		c.dispatch(data)
	}

	exitErr := finish(readErr)
	if c.isClosing() {
		exitErr.Cause = ErrClosed
	}
	c.cancelHandlers()

	c.mu.Lock()
	c.finished = true
	c.exitErr = exitErr
	pending := c.pending
	c.pending = make(map[int64]chan rpcResult)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- rpcResult{err: exitErr}
	}
	close(c.notifications)
	close(c.done)

	c.logger.Debug("transport finished", "pid", exitErr.PID, "exit_code", exitErr.ExitCode, "error", exitErr.Cause)
}

func (c *rpcConn) dispatch(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Warn("dropping malformed message", "error", err, "bytes", len(data))
		return
	}
	hasID := len(msg.ID) > 0 && string(msg.ID) != "null"

	switch {
	case msg.Method != "" && hasID:
		c.handleRequest(msg)
	case hasID:
		c.handleResponse(msg)
	case msg.Method != "":
		select {
		case c.notifications <- Notification{Method: msg.Method, Params: msg.Params}:
		case <-c.closing:
		}
	default:
		c.logger.Debug("ignoring message without id or method")
	}
}

func (c *rpcConn) handleResponse(msg message) {
	id, ok := parseID(msg.ID)
	if !ok {
		c.logger.Warn("response with unrecognized id", "id", string(msg.ID))
		return
	}

	c.mu.Lock()
	ch, found := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !found {
		// Caller gave up (context cancelled) before the answer arrived.
		return
	}

	if msg.Error != nil {
		ch <- rpcResult{err: &RPCError{Code: msg.Error.Code, Message: msg.Error.Message, Data: msg.Error.Data}}
		return
	}
	result := msg.Result
	if result == nil {
		result = json.RawMessage("null")
	}
	ch <- rpcResult{value: result}
}

func (c *rpcConn) handleRequest(msg message) {
	go func() {
		if c.handler == nil {
			c.reply(newErrorResponse(msg.ID, ErrCodeMethodNotFound, "method not found: "+msg.Method, nil))
			return
		}
		result, err := c.handler.HandleRequest(c.handlerCtx, msg.Method, msg.Params)
		if err != nil {
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				c.reply(newErrorResponse(msg.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data))
			} else {
				c.reply(newErrorResponse(msg.ID, ErrCodeInternalError, err.Error(), nil))
			}
			return
		}
		data, err := newResponse(msg.ID, result)
		if err != nil {
			c.reply(newErrorResponse(msg.ID, ErrCodeInternalError, "encode result: "+err.Error(), nil))
			return
		}
		c.reply(data)
	}()
}

func (c *rpcConn) reply(data []byte) {
	if err := c.wire.WriteMessage(data); err != nil {
		c.logger.Debug("failed to answer server request", "error", err)
	}
}

// Call implements Transport.
func (c *rpcConn) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.ids.Next()
	data, err := newRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", method, err)
	}

	ch := make(chan rpcResult, 1)
	c.mu.Lock()
	if c.finished {
		exitErr := c.exitErr
		c.mu.Unlock()
		return nil, exitErr
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.wire.WriteMessage(data); err != nil {
		c.forget(id)
		return nil, c.writeFailure(err)
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		c.forget(id)
		return nil, ctx.Err()
	}
}

// Notify implements Transport.
func (c *rpcConn) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := newNotification(method, params)
	if err != nil {
		return fmt.Errorf("encode %s params: %w", method, err)
	}
	if err := c.Err(); err != nil {
		return err
	}
	if err := c.wire.WriteMessage(data); err != nil {
		return c.writeFailure(err)
	}
	return nil
}

// Notifications implements Transport.
func (c *rpcConn) Notifications() <-chan Notification {
	return c.notifications
}

// Done implements Transport.
func (c *rpcConn) Done() <-chan struct{} {
	return c.done
}

// Err implements Transport.
func (c *rpcConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exitErr == nil {
		return nil
	}
	return c.exitErr
}

// PID implements Transport.
func (c *rpcConn) PID() int {
	return c.pid
}

// Close implements Transport.
func (c *rpcConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.shutdown()
	})
	t := time.NewTimer(closeWait)
	defer t.Stop()
	select {
	case <-c.done:
	case <-t.C:
		c.logger.Warn("transport did not finish after close", "pid", c.pid)
	}
	return err
}

func (c *rpcConn) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// writeFailure maps a broken write to the exit status the read side is
// about to report.
func (c *rpcConn) writeFailure(err error) error {
	t := time.NewTimer(writeFailureGrace)
	defer t.Stop()
	select {
	case <-c.done:
		return c.Err()
	case <-t.C:
	}
	return &ExitError{PID: c.pid, ExitCode: -1, Cause: err}
}

func (c *rpcConn) isClosing() bool {
	select {
	case <-c.closing:
		return true
	default:
		return false
	}
}

func parseID(raw json.RawMessage) (int64, bool) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}
