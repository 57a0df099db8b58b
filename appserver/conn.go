package appserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/tidwall/gjson"

	"github.com/bazelment/yoloswe/codexsdk/internal/ringq"
	"github.com/bazelment/yoloswe/codexsdk/transport"
)

// retireWait bounds how long a restart waits for a dead epoch to flush its
// remaining notifications.
const retireWait = 5 * time.Second

// connConfig is what an epoch needs from the client.
type connConfig struct {
	logger *slog.Logger
	clock  clock.Clock
	// queue is the notification queue this epoch feeds.
	queue *ringq.Queue[Notification]
	// onDisconnect runs once, on the goroutine that detected the death.
	onDisconnect      func(*conn, *DisconnectedError)
	turnQueueCapacity int
	orphanTurns       int
	// closeQueueOnExit fails queue with the disconnect error when the epoch
	// dies (per-epoch queues only).
	closeQueueOnExit bool
}

// conn is one connection epoch: a transport plus the turns running on it.
type conn struct {
	tr       transport.Transport
	turns    *turnRegistry
	cfg      connConfig
	stop     chan struct{}
	pumpDone chan struct{}
	dead     chan struct{}
	deadErr  atomic.Pointer[DisconnectedError]
	epoch    uint64
	// held buffers notifications that arrive before start; see hold.
	held    *ringq.Queue[transport.Notification]
	release chan struct{}
	holding chan struct{}
	// heldAll is set when the transport's channel closed while holding.
	heldAll bool
	// disconnected guards the single disconnect event.
	disconnected atomic.Bool
	disposed     atomic.Bool
}

func newConn(epoch uint64, tr transport.Transport, cfg connConfig) *conn {
	c := &conn{
		tr:       tr,
		turns:    newTurnRegistry(cfg.turnQueueCapacity, cfg.orphanTurns),
		cfg:      cfg,
		epoch:    epoch,
		stop:     make(chan struct{}),
		pumpDone: make(chan struct{}),
		dead:     make(chan struct{}),
	}
	c.cfg.logger = cfg.logger.With("epoch", epoch, "pid", tr.PID())
	return c
}

// hold drains the transport's notifications into a bounded buffer until
// start, so a server that notifies before answering initialize never fills
// the transport's channel and stalls the handshake.
func (c *conn) hold() {
	c.held = ringq.New(c.cfg.queue.Cap(), ringq.WithDropHook(func(transport.Notification) {
		c.cfg.logger.Warn("dropped notification received before initialize")
	}))
	c.release = make(chan struct{})
	c.holding = make(chan struct{})
	go func() {
		defer close(c.holding)
		notes := c.tr.Notifications()
		for {
			select {
			case n, ok := <-notes:
				if !ok {
					c.heldAll = true
					return
				}
				c.held.Push(n)
			case <-c.release:
				return
			case <-c.stop:
				return
			}
		}
	}()
}

// start begins pumping notifications. Until then they wait in the
// transport (or the hold buffer), which lets the client queue a restart
// marker ahead of them.
func (c *conn) start() {
	if c.release != nil {
		close(c.release)
	}
	go c.run()
}

// run pumps notifications in transport order and watches for exit.
func (c *conn) run() {
	defer close(c.pumpDone)
	defer c.endQueue()
	notes := c.tr.Notifications()
	if c.holding != nil {
		<-c.holding
		for {
			n, ok := c.held.TryPop()
			if !ok {
				break
			}
			c.dispatch(n)
		}
		if c.heldAll {
			notes = nil
		}
	}
	for {
		select {
		case n, ok := <-notes:
			if !ok {
				notes = nil
				continue
			}
			c.dispatch(n)
		case <-c.tr.Done():
			// Notifications is closed before Done; flush what is buffered.
			if notes != nil {
				for n := range notes {
					c.dispatch(n)
				}
			}
			c.raiseDisconnect(c.disconnectError(c.tr.Err()))
			return
		case <-c.stop:
			return
		}
	}
}

func (c *conn) dispatch(tn transport.Notification) {
	n := Notification{
		Method:   tn.Method,
		Params:   tn.Params,
		Epoch:    c.epoch,
		Received: c.cfg.clock.Now(),
		TurnID:   ExtractTurnID(tn.Params),
	}
	c.cfg.queue.Push(n)

	if n.TurnID == "" {
		return
	}
	h := c.turns.route(n)
	if h == nil {
		return
	}
	h.deliver(n)
	if n.Method == NotifyTurnCompleted {
		h.complete(turnCompletedResult(h.ThreadID, h.TurnID, n.Params))
		c.turns.Remove(h)
	}
}

// raiseDisconnect marks the epoch dead exactly once and fails everything
// that depended on it. It is a no-op after dispose.
func (c *conn) raiseDisconnect(err *DisconnectedError) {
	if c.disposed.Load() {
		return
	}
	if !c.disconnected.CompareAndSwap(false, true) {
		return
	}
	c.deadErr.Store(err)
	close(c.dead)

	res := TurnResult{Status: TurnStatusDisconnected, Err: err}
	c.turns.Seal(res)
	for _, h := range c.turns.DrainAll() {
		h.complete(res)
	}
	c.cfg.logger.Warn("app-server disconnected", "exit_code", err.ExitCode, "error", err.Cause)
	if c.cfg.onDisconnect != nil {
		c.cfg.onDisconnect(c, err)
	}
}

// endQueue ends a per-epoch queue with the disconnect error. It runs when
// the pump stops, after every notification the epoch received is queued.
func (c *conn) endQueue() {
	if !c.cfg.closeQueueOnExit {
		return
	}
	if d := c.deadErr.Load(); d != nil {
		c.cfg.queue.Close(d)
	}
}

// err returns the disconnect error once the epoch has died.
func (c *conn) err() *DisconnectedError {
	return c.deadErr.Load()
}

// call forwards to the transport and classifies failures: *RemoteError for
// a live rejection, *DisconnectedError (raising the disconnect) for a dead
// transport, context and encoding errors unchanged.
func (c *conn) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if d := c.err(); d != nil {
		return nil, d
	}
	if c.disposed.Load() {
		return nil, ErrClientClosed
	}
	res, err := c.tr.Call(ctx, method, params)
	if err == nil {
		return res, nil
	}
	return nil, c.classify(method, err)
}

func (c *conn) notify(ctx context.Context, method string, params any) error {
	if d := c.err(); d != nil {
		return d
	}
	if c.disposed.Load() {
		return ErrClientClosed
	}
	if err := c.tr.Notify(ctx, method, params); err != nil {
		return c.classify(method, err)
	}
	return nil
}

func (c *conn) classify(method string, err error) error {
	var rpcErr *transport.RPCError
	if errors.As(err, &rpcErr) {
		return &RemoteError{Method: method, Code: rpcErr.Code, Message: rpcErr.Message, Data: rpcErr.Data}
	}
	var exitErr *transport.ExitError
	if errors.As(err, &exitErr) {
		c.raiseDisconnect(c.disconnectError(exitErr))
		if d := c.err(); d != nil {
			return d
		}
		// The epoch was disposed while alive.
		return ErrClientClosed
	}
	return err
}

func (c *conn) disconnectError(err error) *DisconnectedError {
	d := &DisconnectedError{Epoch: c.epoch, PID: c.tr.PID(), ExitCode: -1, Cause: err}
	var exitErr *transport.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.PID > 0 {
			d.PID = exitErr.PID
		}
		d.ExitCode = exitErr.ExitCode
		d.Diagnostic = exitErr.Stderr
	}
	return d
}

// initialize performs the handshake every new epoch needs.
func (c *conn) initialize(ctx context.Context, info ClientInfo) error {
	if _, err := c.call(ctx, MethodInitialize, InitializeParams{ClientInfo: info}); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.notify(ctx, NotifyInitialized, nil); err != nil {
		return fmt.Errorf("initialized: %w", err)
	}
	return nil
}

// startTurn issues turn/start and registers a handle for the returned id.
func (c *conn) startTurn(ctx context.Context, params TurnStartParams) (*TurnHandle, error) {
	res, err := c.call(ctx, MethodTurnStart, params)
	if err != nil {
		return nil, err
	}
	turnID := gjson.GetBytes(res, "turn.id").Str
	if turnID == "" {
		turnID = gjson.GetBytes(res, "turnId").Str
	}
	if turnID == "" {
		return nil, ErrMissingTurnID
	}
	h, err := c.turns.Register(c, params.ThreadID, turnID)
	if err != nil {
		return nil, fmt.Errorf("register turn %s: %w", turnID, err)
	}
	c.cfg.logger.Debug("turn started", "thread_id", params.ThreadID, "turn_id", turnID)
	return h, nil
}

// retire closes a dead epoch's transport and waits for its pump to flush,
// so everything it received is queued before whatever comes next.
func (c *conn) retire() {
	_ = c.tr.Close()
	t := c.cfg.clock.Timer(retireWait)
	defer t.Stop()
	select {
	case <-c.pumpDone:
	case <-t.C:
		c.cfg.logger.Warn("timed out flushing dead epoch")
	}
	_ = c.dispose()
}

// dispose is idempotent: it stops the pump, completes every open turn with
// ErrClientClosed and closes the transport. Only the first call reports the
// transport's close error.
func (c *conn) dispose() error {
	if !c.disposed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stop)
	res := TurnResult{Status: TurnStatusClosed, Err: ErrClientClosed}
	c.turns.Seal(res)
	for _, h := range c.turns.DrainAll() {
		h.complete(res)
	}
	return c.tr.Close()
}
