package appserver

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/codexsdk/internal/ringq"
	"github.com/bazelment/yoloswe/codexsdk/transport"
)

func TestConn_DisconnectIsRaisedOnce(t *testing.T) {
	var raised atomic.Int32
	queue := ringq.New[Notification](16)
	tr := newFakeTransport(1, func(ctx context.Context, _ int, tr *fakeTransport, method string, _ any) (json.RawMessage, error) {
		return nil, tr.exit(2)
	})
	c := newConn(7, tr, connConfig{
		logger:           nopLogger,
		clock:            clock.NewMock(),
		queue:            queue,
		closeQueueOnExit: true,
		onDisconnect: func(_ *conn, d *DisconnectedError) {
			raised.Add(1)
		},
	})
	c.start()
	t.Cleanup(func() { _ = c.dispose() })
	h, err := c.turns.Register(c, "th", "t1")
	require.NoError(t, err)

	_, err = c.call(testContext(t), "ping", nil)
	var d *DisconnectedError
	require.ErrorAs(t, err, &d)
	assert.Equal(t, uint64(7), d.Epoch)
	assert.Equal(t, 2, d.ExitCode)
	assert.Equal(t, "fatal: boom", d.Diagnostic)

	select {
	case <-c.pumpDone:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop")
	}
	assert.Equal(t, int32(1), raised.Load())

	res, _ := h.Result()
	assert.Equal(t, TurnStatusDisconnected, res.Status)
	assert.Same(t, d, res.Err)

	_, err = queue.Pop(testContext(t))
	assert.Same(t, d, err)

	// Later calls fail fast with the same error.
	_, err = c.call(testContext(t), "ping", nil)
	assert.Same(t, d, err)
	assert.Same(t, d, c.notify(testContext(t), "x", nil))
}

func TestConn_DispatchRoutesAndCompletes(t *testing.T) {
	queue := ringq.New[Notification](16)
	tr := newFakeTransport(1, answer(`{"turn":{"id":"t1"}}`))
	c := newConn(1, tr, connConfig{logger: nopLogger, clock: clock.NewMock(), queue: queue})
	t.Cleanup(func() { _ = c.dispose() })
	c.start()

	h, err := c.startTurn(testContext(t), TurnStartParams{ThreadID: "th"})
	require.NoError(t, err)
	tr.emit(NotifyTokenUsage, `{"threadId":"th","usage":{"total":10}}`)
	tr.emit(NotifyTurnCompleted, `{"threadId":"th","turn":{"id":"t1","status":"completed"}}`)

	res, err := h.Wait(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, TurnStatusCompleted, res.Status)
	assert.Equal(t, 0, c.turns.Len())

	// The global queue sees everything, routed or not.
	n, err := queue.Pop(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, NotifyTokenUsage, n.Method)
	assert.Empty(t, n.TurnID)
	n, err = queue.Pop(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, "t1", n.TurnID)
}

func TestConn_StartTurnNeedsAnID(t *testing.T) {
	tr := newFakeTransport(1, answer(`{"turn":{}}`))
	c := newConn(1, tr, connConfig{logger: nopLogger, clock: clock.NewMock(), queue: ringq.New[Notification](4)})
	t.Cleanup(func() { _ = c.dispose() })

	_, err := c.startTurn(testContext(t), TurnStartParams{ThreadID: "th"})
	assert.ErrorIs(t, err, ErrMissingTurnID)

	tr.handle = answer(`{"turnId":"legacy"}`)
	h, err := c.startTurn(testContext(t), TurnStartParams{ThreadID: "th"})
	require.NoError(t, err)
	assert.Equal(t, "legacy", h.TurnID)
}

func TestConn_ClassifiesRemoteErrors(t *testing.T) {
	tr := newFakeTransport(1, func(context.Context, int, *fakeTransport, string, any) (json.RawMessage, error) {
		return nil, &transport.RPCError{Code: 4, Message: "nope"}
	})
	c := newConn(1, tr, connConfig{logger: nopLogger, clock: clock.NewMock(), queue: ringq.New[Notification](4)})
	t.Cleanup(func() { _ = c.dispose() })

	_, err := c.call(testContext(t), "thread/start", nil)
	var remote *RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "thread/start: remote error 4: nope", remote.Error())
	assert.Nil(t, c.err())
}

func TestConn_DisposeClosesTurns(t *testing.T) {
	var raised atomic.Int32
	tr := newFakeTransport(1, answer(`{}`))
	c := newConn(1, tr, connConfig{
		logger:       nopLogger,
		clock:        clock.NewMock(),
		queue:        ringq.New[Notification](4),
		onDisconnect: func(*conn, *DisconnectedError) { raised.Add(1) },
	})
	c.start()
	h, err := c.turns.Register(c, "th", "t1")
	require.NoError(t, err)

	require.NoError(t, c.dispose())
	require.NoError(t, c.dispose())
	_, err = h.Wait(testContext(t))
	assert.ErrorIs(t, err, ErrClientClosed)
	_, err = c.call(testContext(t), "ping", nil)
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.Equal(t, int32(0), raised.Load(), "a disposed epoch does not report a disconnect")
}

func TestConn_RetireFlushesBufferedNotifications(t *testing.T) {
	queue := ringq.New[Notification](16)
	tr := newFakeTransport(1, answer(`{}`))
	c := newConn(1, tr, connConfig{logger: nopLogger, clock: clock.NewMock(), queue: queue})
	for range 5 {
		tr.emit(NotifyItemStarted, `{"item":{"type":"reasoning"}}`)
	}
	tr.exit(1)
	c.start()
	c.retire()

	assert.Equal(t, 5, queue.Len())
	require.NotNil(t, c.err())
}

// stuckTransport ignores Close, so its epoch's pump never finishes on its own.
type stuckTransport struct{ *fakeTransport }

func (stuckTransport) Close() error { return nil }

func TestConn_RetireGivesUpOnTheClientClock(t *testing.T) {
	mock := clock.NewMock()
	tr := newFakeTransport(1, answer(`{}`))
	c := newConn(1, stuckTransport{tr}, connConfig{logger: nopLogger, clock: mock, queue: ringq.New[Notification](4)})
	c.start()

	retired := make(chan struct{})
	go func() {
		c.retire()
		close(retired)
	}()
	select {
	case <-retired:
		t.Fatal("retire returned while the pump was still running")
	case <-time.After(50 * time.Millisecond):
	}

	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case <-retired:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, c.disposed.Load())
}

func TestConn_HoldKeepsNotificationsUntilStart(t *testing.T) {
	queue := ringq.New[Notification](128)
	tr := newFakeTransport(1, answer(`{}`))
	c := newConn(1, tr, connConfig{logger: nopLogger, clock: clock.NewMock(), queue: queue, closeQueueOnExit: true})
	t.Cleanup(func() { _ = c.dispose() })
	c.hold()

	// More than the transport's channel holds, before the pump runs.
	for range 100 {
		tr.emit(NotifyItemStarted, `{"item":{"type":"reasoning"}}`)
	}
	assert.Equal(t, 0, queue.Len())

	c.start()
	require.Eventually(t, func() bool { return queue.Len() == 100 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), queue.Dropped())
}
