package transport

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsCloseDeadline = time.Second

// WebSocketConfig describes a connection to `codex app-server --listen`.
type WebSocketConfig struct {
	RequestHandler     RequestHandler
	Logger             *slog.Logger
	Header             http.Header
	URL                string
	HandshakeTimeout   time.Duration
	NotificationBuffer int
}

// WebSocket is a Transport carrying one JSON-RPC message per text frame.
type WebSocket struct {
	*rpcConn
	ws      *websocket.Conn
	writeMu sync.Mutex
}

var _ Transport = (*WebSocket)(nil)

// WebSocketFactory returns a Factory that dials a new socket per epoch.
func WebSocketFactory(cfg WebSocketConfig) Factory {
	return func(ctx context.Context) (Transport, error) {
		return DialWebSocket(ctx, cfg)
	}
}

// DialWebSocket connects to cfg.URL and starts reading.
func DialWebSocket(ctx context.Context, cfg WebSocketConfig) (*WebSocket, error) {
	dialer := *websocket.DefaultDialer
	if cfg.HandshakeTimeout > 0 {
		dialer.HandshakeTimeout = cfg.HandshakeTimeout
	}
	ws, resp, err := dialer.DialContext(ctx, cfg.URL, cfg.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, &StartError{Message: "failed to dial app-server " + cfg.URL, Cause: err}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	w := &WebSocket{ws: ws}
	w.rpcConn = newRPCConn(w, connConfig{
		handler:            cfg.RequestHandler,
		logger:             logger.With("url", cfg.URL),
		notificationBuffer: cfg.NotificationBuffer,
	})
	w.shutdown = w.stop
	go w.serve(w.finish)
	return w, nil
}

// ReadMessage implements wire. Non-text frames are skipped.
func (w *WebSocket) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := w.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.TextMessage {
			return data, nil
		}
	}
}

// WriteMessage implements wire. gorilla allows a single concurrent writer.
func (w *WebSocket) WriteMessage(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return w.ws.WriteMessage(websocket.TextMessage, data)
}

func (w *WebSocket) finish(readErr error) *ExitError {
	code := unknownExit
	var ce *websocket.CloseError
	if errors.As(readErr, &ce) {
		code = ce.Code
	}
	return &ExitError{ExitCode: code, Cause: readErr}
}

func (w *WebSocket) stop() error {
	w.writeMu.Lock()
	_ = w.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsCloseDeadline))
	w.writeMu.Unlock()
	return w.ws.Close()
}
