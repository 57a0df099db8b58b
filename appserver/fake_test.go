package appserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/yoloswe/codexsdk/transport"
)

// callFunc scripts one fake app-server. n is the 1-based spawn number.
type callFunc func(ctx context.Context, n int, tr *fakeTransport, method string, params any) (json.RawMessage, error)

// fakeTransport is an in-memory app-server process.
type fakeTransport struct {
	handle  callFunc
	notes   chan transport.Notification
	done    chan struct{}
	err     error
	calls   []string
	n       int
	pid     int
	inCalls atomic.Int32
	mu      sync.Mutex
}

func newFakeTransport(n int, handle callFunc) *fakeTransport {
	return &fakeTransport{
		handle: handle,
		n:      n,
		pid:    1000 + n,
		notes:  make(chan transport.Notification, 64),
		done:   make(chan struct{}),
	}
}

func (f *fakeTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	select {
	case <-f.done:
		return nil, f.Err()
	default:
	}
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
	if method == MethodInitialize && f.handle == nil {
		return json.RawMessage(`{}`), nil
	}
	f.inCalls.Add(1)
	defer f.inCalls.Add(-1)
	if f.handle == nil {
		return nil, &transport.RPCError{Code: transport.ErrCodeMethodNotFound, Message: "no handler"}
	}
	return f.handle(ctx, f.n, f, method, params)
}

func (f *fakeTransport) Notify(ctx context.Context, method string, params any) error {
	select {
	case <-f.done:
		return f.Err()
	default:
	}
	f.mu.Lock()
	f.calls = append(f.calls, method)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Notifications() <-chan transport.Notification { return f.notes }
func (f *fakeTransport) Done() <-chan struct{}                        { return f.done }
func (f *fakeTransport) PID() int                                     { return f.pid }

func (f *fakeTransport) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeTransport) Close() error {
	f.die(&transport.ExitError{Cause: transport.ErrClosed, PID: f.pid, ExitCode: -1})
	return nil
}

// emit queues a server notification.
func (f *fakeTransport) emit(method, params string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return
	default:
	}
	f.notes <- transport.Notification{Method: method, Params: json.RawMessage(params)}
}

// exit kills the process with code and returns the error callers see.
func (f *fakeTransport) exit(code int) error {
	err := &transport.ExitError{Cause: errors.New("exit status"), PID: f.pid, ExitCode: code, Stderr: "fatal: boom"}
	f.die(err)
	return f.Err()
}

func (f *fakeTransport) die(err *transport.ExitError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.done:
		return
	default:
	}
	f.err = err
	close(f.notes)
	close(f.done)
}

func (f *fakeTransport) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// fakeServer spawns fakeTransports and records them.
type fakeServer struct {
	handle callFunc
	// spawnErr, when set, fails the nth spawn.
	spawnErr func(n int) error
	// onSpawn runs before the transport is handed to the client.
	onSpawn func(tr *fakeTransport)
	spawned []*fakeTransport
	mu      sync.Mutex
}

func (s *fakeServer) factory(ctx context.Context) (transport.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.spawned) + 1
	if s.spawnErr != nil {
		if err := s.spawnErr(n); err != nil {
			return nil, err
		}
	}
	tr := newFakeTransport(n, s.handle)
	if s.onSpawn != nil {
		s.onSpawn(tr)
	}
	s.spawned = append(s.spawned, tr)
	return tr, nil
}

func (s *fakeServer) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

func (s *fakeServer) get(n int) *fakeTransport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned[n-1]
}

// fastRestarts allows three restarts a minute with no backoff.
func fastRestarts() RestartPolicy {
	return RestartPolicy{MaxRestarts: 3, Window: time.Minute}
}

func newTestClient(t *testing.T, srv *fakeServer, opts ...ClientOption) *Client {
	t.Helper()
	base := []ClientOption{
		WithTransportFactory(srv.factory),
		WithClock(clock.NewMock()),
		WithRestartPolicy(fastRestarts()),
		WithAutoRestart(true),
	}
	c := NewClient(append(base, opts...)...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Start(ctx))
	t.Cleanup(func() { _ = c.Stop() })
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// answer answers initialize and returns result for everything else.
func answer(result string) callFunc {
	return func(_ context.Context, _ int, _ *fakeTransport, method string, _ any) (json.RawMessage, error) {
		if method == MethodInitialize {
			return json.RawMessage(`{}`), nil
		}
		return json.RawMessage(result), nil
	}
}
