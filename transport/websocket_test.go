package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer answers every request with {"method": <method>} and pushes one
// notification after the first request.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req request
			if json.Unmarshal(data, &req) != nil {
				continue
			}
			if req.Method == "hangup" {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
				return
			}
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"method":"turn/started","params":{"turnId":"t1"}}`))
			resp, _ := json.Marshal(map[string]any{"id": req.ID, "result": map[string]string{"method": req.Method}})
			_ = conn.WriteMessage(websocket.TextMessage, resp)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocket_CallAndNotify(t *testing.T) {
	t.Parallel()
	srv := echoServer(t)

	ws, err := DialWebSocket(context.Background(), WebSocketConfig{URL: wsURL(srv)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	res, err := ws.Call(context.Background(), "thread/start", map[string]any{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"method":"thread/start"}`, string(res))

	select {
	case n := <-ws.Notifications():
		assert.Equal(t, "turn/started", n.Method)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification")
	}
	assert.Equal(t, 0, ws.PID())
}

func TestWebSocket_PeerCloseEndsEpoch(t *testing.T) {
	t.Parallel()
	srv := echoServer(t)

	ws, err := DialWebSocket(context.Background(), WebSocketConfig{URL: wsURL(srv)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	_, err = ws.Call(context.Background(), "hangup", nil)
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, websocket.CloseGoingAway, exitErr.ExitCode)

	<-ws.Done()
	require.Error(t, ws.Err())
}

func TestWebSocket_DialFailure(t *testing.T) {
	t.Parallel()
	_, err := DialWebSocket(context.Background(), WebSocketConfig{URL: "ws://127.0.0.1:1/none", HandshakeTimeout: 200 * time.Millisecond})
	var startErr *StartError
	require.ErrorAs(t, err, &startErr)
}
