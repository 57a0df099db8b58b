package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/codexsdk/internal/ndjson"
)

// pipeWire connects an rpcConn to an in-process fake server.
type pipeWire struct {
	reader *ndjson.Reader
	writer *ndjson.Writer
}

func (p *pipeWire) ReadMessage() ([]byte, error)   { return p.reader.ReadLine() }
func (p *pipeWire) WriteMessage(data []byte) error { return p.writer.WriteRaw(data) }

type fakeServer struct {
	in     *ndjson.Reader
	out    *ndjson.Writer
	hangup func()
}

func (s *fakeServer) next(t *testing.T) message {
	t.Helper()
	line, err := s.in.ReadLine()
	require.NoError(t, err)
	var msg message
	require.NoError(t, json.Unmarshal(line, &msg))
	return msg
}

// recv is next for use off the test goroutine, where FailNow is not allowed.
func (s *fakeServer) recv() (message, bool) {
	line, err := s.in.ReadLine()
	if err != nil {
		return message{}, false
	}
	var msg message
	if json.Unmarshal(line, &msg) != nil {
		return message{}, false
	}
	return msg, true
}

func (s *fakeServer) send(raw string) {
	_ = s.out.WriteRaw([]byte(raw))
}

func newTestConn(t *testing.T, handler RequestHandler) (*rpcConn, *fakeServer) {
	t.Helper()
	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	c := newRPCConn(&pipeWire{reader: ndjson.NewReader(clientIn), writer: ndjson.NewWriter(clientOut)},
		connConfig{handler: handler})
	c.pid = 4242
	c.shutdown = func() error {
		_ = serverOut.Close()
		return clientOut.Close()
	}
	go c.serve(func(readErr error) *ExitError {
		return &ExitError{PID: 4242, ExitCode: 42, Stderr: "panic: boom", Cause: readErr}
	})

	srv := &fakeServer{
		in:     ndjson.NewReader(serverIn),
		out:    ndjson.NewWriter(serverOut),
		hangup: func() { _ = serverOut.Close() },
	}
	t.Cleanup(func() { _ = c.Close() })
	return c, srv
}

func TestCall_Result(t *testing.T) {
	t.Parallel()
	c, srv := newTestConn(t, nil)

	go func() {
		req, _ := srv.recv()
		srv.send(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":{"ok":true}}`)
	}()

	res, err := c.Call(context.Background(), "ping", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))
}

func TestCall_RemoteError(t *testing.T) {
	t.Parallel()
	c, srv := newTestConn(t, nil)

	go func() {
		req, _ := srv.recv()
		srv.send(`{"id":` + string(req.ID) + `,"error":{"code":-32602,"message":"bad params","data":{"field":"x"}}}`)
	}()

	_, err := c.Call(context.Background(), "thread/start", map[string]string{"a": "b"})
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeInvalidParams, rpcErr.Code)
	assert.Equal(t, "bad params", rpcErr.Message)
	assert.JSONEq(t, `{"field":"x"}`, string(rpcErr.Data))
}

func TestCall_PendingFailsOnExit(t *testing.T) {
	t.Parallel()
	c, srv := newTestConn(t, nil)

	go func() {
		srv.recv()
		srv.hangup()
	}()

	_, err := c.Call(context.Background(), "ping", nil)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 42, exitErr.ExitCode)
	assert.Equal(t, 4242, exitErr.PID)
	assert.Contains(t, exitErr.Error(), "exit code 42")

	<-c.Done()
	_, open := <-c.Notifications()
	assert.False(t, open, "notifications must be closed before Done")
	require.ErrorAs(t, c.Err(), &exitErr)

	_, err = c.Call(context.Background(), "ping", nil)
	assert.ErrorAs(t, err, &exitErr, "calls after exit fail with the exit error")
}

func TestCall_ContextCancel(t *testing.T) {
	t.Parallel()
	c, srv := newTestConn(t, nil)
	go srv.recv()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, "slow", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	c.mu.Lock()
	assert.Empty(t, c.pending)
	c.mu.Unlock()
}

func TestNotifications_InOrder(t *testing.T) {
	t.Parallel()
	c, srv := newTestConn(t, nil)

	go func() {
		srv.send(`{"method":"turn/started","params":{"turn":{"id":"t1"}}}`)
		srv.send(`{"method":"item/agentMessage/delta","params":{"turnId":"t1","delta":"hi"}}`)
	}()

	first := <-c.Notifications()
	second := <-c.Notifications()
	assert.Equal(t, "turn/started", first.Method)
	assert.Equal(t, "item/agentMessage/delta", second.Method)
	assert.JSONEq(t, `{"turnId":"t1","delta":"hi"}`, string(second.Params))
}

func TestServerRequest_Handled(t *testing.T) {
	t.Parallel()
	handler := RequestHandlerFunc(func(_ context.Context, method string, params json.RawMessage) (any, error) {
		if method == "deny" {
			return nil, &RPCError{Code: -32001, Message: "nope"}
		}
		if method == "explode" {
			return nil, errors.New("kaboom")
		}
		return map[string]string{"decision": "accept"}, nil
	})
	_, srv := newTestConn(t, handler)

	srv.send(`{"id":"req-1","method":"item/commandExecution/requestApproval","params":{}}`)
	resp := srv.next(t)
	assert.Equal(t, `"req-1"`, string(resp.ID))
	assert.JSONEq(t, `{"decision":"accept"}`, string(resp.Result))

	srv.send(`{"id":7,"method":"deny"}`)
	resp = srv.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, -32001, resp.Error.Code)

	srv.send(`{"id":8,"method":"explode"}`)
	resp = srv.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInternalError, resp.Error.Code)
}

func TestServerRequest_NoHandler(t *testing.T) {
	t.Parallel()
	_, srv := newTestConn(t, nil)

	srv.send(`{"id":3,"method":"item/fileChange/requestApproval","params":{}}`)
	resp := srv.next(t)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
}

func TestClose_RecordsClosedCause(t *testing.T) {
	t.Parallel()
	c, _ := newTestConn(t, nil)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close(), "close is idempotent")
	<-c.Done()
	assert.ErrorIs(t, c.Err(), ErrClosed)
}

func TestMalformedMessageIgnored(t *testing.T) {
	t.Parallel()
	c, srv := newTestConn(t, nil)

	go func() {
		srv.send(`not json`)
		srv.send(`{"method":"thread/started","params":{}}`)
	}()
	n := <-c.Notifications()
	assert.Equal(t, "thread/started", n.Method)
}

func TestParseID(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{raw: `12`, want: 12, ok: true},
		{raw: `"13"`, want: 13, ok: true},
		{raw: `"abc"`, ok: false},
	}
	for _, tc := range tests {
		got, ok := parseID(json.RawMessage(tc.raw))
		assert.Equal(t, tc.ok, ok, tc.raw)
		assert.Equal(t, tc.want, got, tc.raw)
	}
}
