package appserver

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/bazelment/yoloswe/codexsdk/internal/ringq"
	"github.com/bazelment/yoloswe/codexsdk/transport"
)

// restartLedger enforces MaxRestarts per sliding Window and paces attempts
// with jittered exponential backoff. Every start attempt during a restart
// occupies a slot, successful or not, so a process that can never come up
// still exhausts the policy.
type restartLedger struct {
	clock   clock.Clock
	backoff *backoff.ExponentialBackOff
	// upSince is when the current epoch came up; a streak that stayed up
	// longer than Window resets the backoff.
	upSince  time.Time
	attempts []time.Time
	policy   RestartPolicy
	mu       sync.Mutex
}

func newRestartLedger(p RestartPolicy, clk clock.Clock) *restartLedger {
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.JitterFraction > 1 {
		p.JitterFraction = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = p.JitterFraction
	b.MaxElapsedTime = 0
	b.Clock = clk
	b.Reset()
	return &restartLedger{clock: clk, backoff: b, policy: p}
}

// admit records an attempt and returns the delay to wait before it, or
// false when the window is full.
func (l *restartLedger) admit() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	kept := l.attempts[:0]
	for _, at := range l.attempts {
		if l.policy.Window <= 0 || now.Sub(at) < l.policy.Window {
			kept = append(kept, at)
		}
	}
	l.attempts = kept
	if len(l.attempts) >= l.policy.MaxRestarts {
		return 0, false
	}
	l.attempts = append(l.attempts, now)

	if !l.upSince.IsZero() && l.policy.Window > 0 && now.Sub(l.upSince) >= l.policy.Window {
		l.backoff.Reset()
	}
	l.upSince = time.Time{}
	return l.backoff.NextBackOff(), true
}

// connected notes that an epoch is up.
func (l *restartLedger) connected() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.upSince = l.clock.Now()
}

// inWindow returns the number of attempts still inside the window.
func (l *restartLedger) inWindow() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.attempts)
}

// handleDisconnect is the epoch's disconnect callback. Only the current
// epoch's death matters; candidates that die during their handshake are
// handled by the restart loop.
func (c *Client) handleDisconnect(dead *conn, cause *DisconnectedError) {
	c.mu.Lock()
	current := c.current == dead
	c.mu.Unlock()
	if !current {
		return
	}
	if !c.config.AutoRestart {
		// Off the pump's goroutine: retire waits for the pump to flush.
		go func() {
			dead.retire()
			c.fault(cause)
		}()
		return
	}
	go func() {
		_ = c.awaitRestart(c.ctx, dead, cause)
	}()
}

// awaitRestart joins (or starts) the one restart for dead. Cancelling ctx
// stops the wait, not the restart.
func (c *Client) awaitRestart(ctx context.Context, dead *conn, cause *DisconnectedError) error {
	key := strconv.FormatUint(dead.epoch, 10)
	ch := c.restarts.DoChan(key, func() (any, error) {
		return nil, c.restart(dead, cause)
	})
	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// restart replaces dead with a new epoch. A late caller whose flight key
// was already served finds dead no longer current and returns at once.
func (c *Client) restart(dead *conn, cause *DisconnectedError) error {
	c.mu.Lock()
	if c.current != dead {
		err := c.terminalErrLocked()
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.state.Set(StateReconnecting)
	if err := c.terminalErr(); err != nil {
		return err
	}
	logger := c.logger.With("previous_epoch", dead.epoch)
	logger.Info("restarting app-server", "cause", cause)

	// Everything the dead epoch received is queued before the marker.
	dead.retire()

	var lastErr error = cause
	for {
		delay, ok := c.ledger.admit()
		if !ok {
			logger.Error("restart policy exhausted", "restarts", c.RestartCount(), "window", c.config.RestartPolicy.Window)
			return c.fault(lastErr)
		}
		if err := c.sleep(delay); err != nil {
			return c.terminalErr()
		}

		queue := c.nextQueue()
		nc, err := c.connect(c.ctx, queue)
		if err == nil {
			return c.promote(dead, nc, queue)
		}
		c.metrics.restartFailures.Inc()
		lastErr = err
		if c.ctx.Err() != nil {
			return c.terminalErr()
		}
		var notFound *transport.CLINotFoundError
		if errors.As(err, &notFound) {
			return c.fault(err)
		}
		logger.Warn("restart attempt failed", "error", err, "backoff", delay)
	}
}

// promote makes nc the current epoch, publishes the marker and starts its
// notification pump, in that order.
func (c *Client) promote(dead, nc *conn, queue *ringq.Queue[Notification]) error {
	c.mu.Lock()
	if c.closed || c.unavailable != nil {
		err := c.terminalErrLocked()
		c.mu.Unlock()
		_ = nc.dispose()
		return err
	}
	c.current = nc
	c.stream.append(queue)
	c.restartCount++
	restarts := c.restartCount
	c.mu.Unlock()

	c.ledger.connected()
	c.metrics.restarts.Inc()
	if c.config.EmitRestartMarkerNotifications {
		queue.Push(newRestartMarker(RestartMarker{
			PreviousEpoch: dead.epoch,
			Epoch:         nc.epoch,
			Restarts:      restarts,
			Reason:        reasonOf(dead.err()),
		}, c.config.Clock.Now()))
	}
	nc.start()
	c.state.Set(StateConnected)
	c.logger.Info("app-server restarted", "epoch", nc.epoch, "restarts", restarts)
	return nil
}

// fault moves the client to its terminal Faulted state. Later calls fail
// with the returned *UnavailableError.
func (c *Client) fault(cause error) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.unavailable != nil {
		u := c.unavailable
		c.mu.Unlock()
		return u
	}
	u := &UnavailableError{Restarts: c.restartCount, Cause: cause}
	c.unavailable = u
	cur := c.current
	c.endQueueLocked(u)
	c.mu.Unlock()

	c.state.Set(StateFaulted)
	if cur != nil {
		_ = cur.dispose()
	}
	c.logger.Error("app-server faulted", "error", cause)
	return u
}

func (c *Client) sleep(d time.Duration) error {
	if d <= 0 {
		return c.ctx.Err()
	}
	t := c.config.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// nextQueue returns the queue the next epoch feeds.
func (c *Client) nextQueue() *ringq.Queue[Notification] {
	if c.config.NotificationsContinueAcrossRestarts {
		return c.stream.feed()
	}
	return c.newQueue()
}

// endQueueLocked closes the notification stream with err. A per-epoch queue
// may already have ended with its epoch's disconnect; a closed queue holding
// err is then appended so that readers see err after that disconnect.
func (c *Client) endQueueLocked(err error) {
	if c.stream.feed().Close(err) {
		return
	}
	q := c.newQueue()
	q.Close(err)
	c.stream.append(q)
}

func reasonOf(d *DisconnectedError) string {
	if d == nil {
		return ""
	}
	return d.Error()
}
