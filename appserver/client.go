package appserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/bazelment/yoloswe/codexsdk/internal/ringq"
	"github.com/bazelment/yoloswe/codexsdk/transport"
)

// Client talks to a codex app-server and survives its death: when the
// process exits, in-flight calls and turns fail with *DisconnectedError, a
// single restart replaces the connection (if AutoRestart is on), and later
// calls run on the new connection. Once the restart policy is exhausted
// every call fails with *UnavailableError.
type Client struct {
	ctx         context.Context
	factory     transport.Factory
	logger      *slog.Logger
	metrics     *metrics
	ledger      *restartLedger
	current     *conn
	stream      *notificationStream
	unavailable *UnavailableError
	cancel      context.CancelFunc
	restarts    singleflight.Group
	id          string
	config      ClientConfig
	state       stateManager
	epochs      uint64
	// restartCount counts successful restarts.
	restartCount int
	mu           sync.Mutex
	started      bool
	closed       bool
}

// NewClient creates a new client with options. Nothing is spawned until
// Start.
func NewClient(opts ...ClientOption) *Client {
	config := defaultClientConfig()
	for _, opt := range opts {
		opt(&config)
	}
	defaults := defaultClientConfig()
	if config.RetryPolicy == nil {
		config.RetryPolicy = defaults.RetryPolicy
	}
	if config.Clock == nil {
		config.Clock = defaults.Clock
	}
	if config.QueueCapacity <= 0 {
		config.QueueCapacity = defaults.QueueCapacity
	}
	if config.TurnQueueCapacity <= 0 {
		config.TurnQueueCapacity = defaults.TurnQueueCapacity
	}
	if config.StartTimeout <= 0 {
		config.StartTimeout = defaults.StartTimeout
	}

	id := uuid.NewString()
	logger := config.Logger
	if logger == nil {
		logger = nopLogger
	}
	logger = logger.With("client_id", id)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		ctx:     ctx,
		cancel:  cancel,
		id:      id,
		config:  config,
		logger:  logger,
		metrics: newMetrics(config.Registerer),
		ledger:  newRestartLedger(config.RestartPolicy, config.Clock),
	}
	c.factory = config.factory(logger)
	c.state.onChange = func(from, to ConnectionState) {
		c.metrics.state.Set(float64(to))
		c.logger.Debug("connection state changed", "from", from, "to", to)
	}
	c.stream = newNotificationStream(c.newQueue())
	return c
}

func (c *Client) newQueue() *ringq.Queue[Notification] {
	return ringq.New(c.config.QueueCapacity, ringq.WithDropHook(func(Notification) {
		c.metrics.dropped.WithLabelValues("notifications").Inc()
	}))
}

// Start spawns the first app-server and performs the initialize handshake.
// Failures are returned as-is and do not consume the restart budget; Start
// may be called again after one.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	queue := c.stream.feed()
	c.mu.Unlock()

	cn, err := c.connect(ctx, queue)
	if err != nil {
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = cn.dispose()
		return ErrClientClosed
	}
	c.current = cn
	c.mu.Unlock()

	c.ledger.connected()
	cn.start()
	c.state.Set(StateConnected)
	c.logger.Info("app-server started", "epoch", cn.epoch, "pid", cn.tr.PID())
	return nil
}

// connect builds and initializes a new epoch feeding queue. Its pump is not
// started.
func (c *Client) connect(ctx context.Context, queue *ringq.Queue[Notification]) (*conn, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.StartTimeout)
	defer cancel()

	tr, err := c.factory(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.epochs++
	epoch := c.epochs
	c.mu.Unlock()

	cn := newConn(epoch, tr, connConfig{
		logger:            c.logger,
		clock:             c.config.Clock,
		queue:             queue,
		onDisconnect:      c.handleDisconnect,
		turnQueueCapacity: c.config.TurnQueueCapacity,
		closeQueueOnExit:  !c.config.NotificationsContinueAcrossRestarts,
	})
	cn.hold()
	if err := cn.initialize(ctx, c.config.ClientInfo); err != nil {
		_ = cn.dispose()
		return nil, err
	}
	return cn, nil
}

// Stop shuts the client down. Open turns complete with ErrClientClosed and
// the notification stream ends. Stop is idempotent.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cur := c.current
	if c.unavailable == nil {
		c.endQueueLocked(nil)
	}
	c.mu.Unlock()

	c.cancel()
	c.state.Set(StateClosed)
	var err error
	if cur != nil {
		err = cur.dispose()
	}
	c.logger.Info("client stopped", "restarts", c.RestartCount())
	return err
}

// acquire returns a live epoch, waiting out a restart if the current one
// is dead.
func (c *Client) acquire(ctx context.Context) (*conn, error) {
	for {
		c.mu.Lock()
		cur := c.current
		err := c.terminalErrLocked()
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if cur == nil {
			return nil, ErrNotStarted
		}
		d := cur.err()
		if d == nil || !c.config.AutoRestart {
			return cur, nil
		}
		if err := c.awaitRestart(ctx, cur, d); err != nil {
			return nil, err
		}
	}
}

func (c *Client) terminalErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminalErrLocked()
}

func (c *Client) terminalErrLocked() error {
	if c.closed {
		return ErrClientClosed
	}
	if c.unavailable != nil {
		return c.unavailable
	}
	return nil
}

// invoke runs fn on a live epoch. If the epoch dies under it, invoke waits
// for the restart and then asks the retry policy, once, whether to run fn
// again on the new epoch. Otherwise the original error is returned.
func invoke[T any](ctx context.Context, c *Client, method string, params any, fn func(context.Context, *conn) (T, error)) (T, error) {
	var zero T
	cn, err := c.acquire(ctx)
	if err != nil {
		c.metrics.observeCall(err)
		return zero, err
	}
	res, err := fn(ctx, cn)
	var d *DisconnectedError
	if !errors.As(err, &d) || !c.config.AutoRestart {
		c.metrics.observeCall(err)
		return res, err
	}

	if rerr := c.awaitRestart(ctx, cn, d); rerr != nil {
		c.logger.Debug("call not recovered", "method", method, "error", rerr)
		c.metrics.observeCall(err)
		return zero, err
	}
	decision := c.config.RetryPolicy(RetryContext{Method: method, Params: params, Err: d, Attempt: 1})
	if decision != RetryOnce {
		c.metrics.observeCall(err)
		return zero, err
	}
	next, aerr := c.acquire(ctx)
	if aerr != nil {
		c.metrics.observeCall(err)
		return zero, err
	}
	c.logger.Debug("retrying call", "method", method, "epoch", next.epoch)
	c.metrics.calls.WithLabelValues(outcomeRetried).Inc()
	res, err = fn(ctx, next)
	c.metrics.observeCall(err)
	return res, err
}

// Call sends a JSON-RPC request and returns its raw result.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return invoke(ctx, c, method, params, func(ctx context.Context, cn *conn) (json.RawMessage, error) {
		return cn.call(ctx, method, params)
	})
}

// Notify sends a JSON-RPC notification. It is never retried.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	cn, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	return cn.notify(ctx, method, params)
}

// StartThread creates a conversation thread.
func (c *Client) StartThread(ctx context.Context, params ThreadStartParams) (*Thread, error) {
	return c.threadCall(ctx, MethodThreadStart, params)
}

// ResumeThread reopens a thread by id, typically after a restart lost it.
func (c *Client) ResumeThread(ctx context.Context, params ThreadResumeParams) (*Thread, error) {
	return c.threadCall(ctx, MethodThreadResume, params)
}

func (c *Client) threadCall(ctx context.Context, method string, params any) (*Thread, error) {
	raw, err := c.Call(ctx, method, params)
	if err != nil {
		return nil, err
	}
	var res threadResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode %s result: %w", method, err)
	}
	if res.Thread.ID == "" {
		return nil, fmt.Errorf("%s returned no thread id", method)
	}
	return &res.Thread, nil
}

// StartTurn starts a turn and returns its handle. The handle belongs to the
// epoch that accepted turn/start; if that epoch dies the handle completes
// with TurnStatusDisconnected and is not carried over.
func (c *Client) StartTurn(ctx context.Context, params TurnStartParams) (*TurnHandle, error) {
	return invoke(ctx, c, MethodTurnStart, params, func(ctx context.Context, cn *conn) (*TurnHandle, error) {
		return cn.startTurn(ctx, params)
	})
}

// Ask starts a turn with a text prompt and waits for its result.
func (c *Client) Ask(ctx context.Context, threadID, prompt string) (TurnResult, error) {
	h, err := c.StartTurn(ctx, TurnStartParams{ThreadID: threadID, Input: []UserInput{TextInput(prompt)}})
	if err != nil {
		return TurnResult{}, err
	}
	defer h.Close()
	return h.Wait(ctx)
}

// Interrupt asks the server to stop the turn behind h.
func (c *Client) Interrupt(ctx context.Context, h *TurnHandle) error {
	return h.Interrupt(ctx)
}

// Steer appends input to the running turn behind h.
func (c *Client) Steer(ctx context.Context, h *TurnHandle, input ...UserInput) error {
	return h.Steer(ctx, input...)
}

// NextNotification returns the next server notification. It returns io.EOF
// after Stop and *UnavailableError once faulted. Unless notifications
// continue across restarts, each epoch's notifications end with its
// *DisconnectedError; the following call waits for the next epoch.
func (c *Client) NextNotification(ctx context.Context) (Notification, error) {
	n, err := c.stream.pop(ctx)
	if errors.Is(err, ringq.ErrClosed) {
		return n, io.EOF
	}
	return n, err
}

// Notifications iterates server notifications until the stream ends or ctx
// is done. A terminating error other than io.EOF is yielded last.
func (c *Client) Notifications(ctx context.Context) iter.Seq2[Notification, error] {
	return func(yield func(Notification, error) bool) {
		for {
			n, err := c.NextNotification(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(Notification{}, err)
				return
			}
			if !yield(n, nil) {
				return
			}
		}
	}
}

// Ready blocks until the client has a live connection, waiting out a
// restart in progress. It fails once the client is stopped or faulted.
// Stream readers call it after their epoch's stream ended with a
// *DisconnectedError.
func (c *Client) Ready(ctx context.Context) error {
	_, err := c.acquire(ctx)
	return err
}

// State returns the connection state.
func (c *Client) State() ConnectionState {
	return c.state.Current()
}

// RestartCount returns the number of successful restarts.
func (c *Client) RestartCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restartCount
}

// Epoch returns the current connection's sequence number, or 0 before
// Start.
func (c *Client) Epoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0
	}
	return c.current.epoch
}

// PID returns the current app-server's process id, or 0.
func (c *Client) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return 0
	}
	return c.current.tr.PID()
}

// ID returns the client's unique id, which tags its log lines.
func (c *Client) ID() string {
	return c.id
}
