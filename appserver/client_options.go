package appserver

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bazelment/yoloswe/codexsdk/transport"
)

// RestartPolicy bounds automatic restarts.
type RestartPolicy struct {
	// MaxRestarts is how many restarts are allowed within Window. Zero
	// faults the client on the first disconnect.
	MaxRestarts int
	// Window is the sliding window MaxRestarts applies to.
	Window time.Duration
	// InitialBackoff is the delay before the first attempt of a restart
	// streak; it doubles per attempt up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// JitterFraction randomizes each delay by ±fraction (0 to 1).
	JitterFraction float64
}

// DefaultRestartPolicy allows three restarts a minute.
func DefaultRestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRestarts:    3,
		Window:         time.Minute,
		InitialBackoff: 250 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		JitterFraction: 0.2,
	}
}

// ClientConfig holds client configuration.
type ClientConfig struct {
	Factory         transport.Factory
	RetryPolicy     RetryPolicy
	ApprovalHandler ApprovalHandler
	Logger          *slog.Logger
	Clock           clock.Clock
	Registerer      prometheus.Registerer
	ClientInfo      ClientInfo
	Stdio           transport.StdioConfig
	// WebSocketURL, when set and Factory is nil, connects to a listening
	// app-server instead of spawning one.
	WebSocketURL      string
	RestartPolicy     RestartPolicy
	QueueCapacity     int
	TurnQueueCapacity int
	StartTimeout      time.Duration
	AutoRestart       bool
	// NotificationsContinueAcrossRestarts keeps one notification queue for
	// the client's lifetime. Otherwise each epoch gets its own queue, which
	// ends with the disconnect error.
	NotificationsContinueAcrossRestarts bool
	EmitRestartMarkerNotifications      bool
}

func defaultClientConfig() ClientConfig {
	return ClientConfig{
		RetryPolicy:       NeverRetry,
		ApprovalHandler:   DenyAllHandler(),
		Clock:             clock.New(),
		ClientInfo:        ClientInfo{Name: "codexsdk", Version: "0.1.0"},
		RestartPolicy:     DefaultRestartPolicy(),
		QueueCapacity:     1024,
		TurnQueueCapacity: 256,
		StartTimeout:      30 * time.Second,
	}
}

// ClientOption is a functional option for configuring a Client.
type ClientOption func(*ClientConfig)

// WithTransportFactory overrides how each epoch's transport is built. The
// approval handler is not wired into custom factories.
func WithTransportFactory(f transport.Factory) ClientOption {
	return func(c *ClientConfig) { c.Factory = f }
}

// WithStdio sets how `codex app-server` is spawned.
func WithStdio(cfg transport.StdioConfig) ClientOption {
	return func(c *ClientConfig) { c.Stdio = cfg }
}

// WithCodexPath sets the codex binary.
func WithCodexPath(path string) ClientOption {
	return func(c *ClientConfig) { c.Stdio.Path = path }
}

// WithWorkDir sets the app-server's working directory.
func WithWorkDir(dir string) ClientOption {
	return func(c *ClientConfig) { c.Stdio.WorkDir = dir }
}

// WithEnv sets additional environment variables for the app-server.
func WithEnv(env map[string]string) ClientOption {
	return func(c *ClientConfig) { c.Stdio.Env = env }
}

// WithStderrHandler receives raw app-server stderr.
func WithStderrHandler(h func([]byte)) ClientOption {
	return func(c *ClientConfig) { c.Stdio.StderrHandler = h }
}

// WithWebSocketURL connects to `codex app-server --listen URL`.
func WithWebSocketURL(url string) ClientOption {
	return func(c *ClientConfig) { c.WebSocketURL = url }
}

// WithAutoRestart enables restarting the app-server after it dies.
func WithAutoRestart(enabled bool) ClientOption {
	return func(c *ClientConfig) { c.AutoRestart = enabled }
}

// WithRestartPolicy sets restart limits and backoff.
func WithRestartPolicy(p RestartPolicy) ClientOption {
	return func(c *ClientConfig) { c.RestartPolicy = p }
}

// WithRetryPolicy sets the policy for calls interrupted by a disconnect.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *ClientConfig) { c.RetryPolicy = p }
}

// WithNotificationsContinueAcrossRestarts keeps Notifications running
// across restarts.
func WithNotificationsContinueAcrossRestarts(enabled bool) ClientOption {
	return func(c *ClientConfig) { c.NotificationsContinueAcrossRestarts = enabled }
}

// WithRestartMarkers publishes a client/restarted notification after each
// restart.
func WithRestartMarkers(enabled bool) ClientOption {
	return func(c *ClientConfig) { c.EmitRestartMarkerNotifications = enabled }
}

// WithQueueCapacity bounds the global notification queue.
func WithQueueCapacity(n int) ClientOption {
	return func(c *ClientConfig) { c.QueueCapacity = n }
}

// WithTurnQueueCapacity bounds each turn's event queue.
func WithTurnQueueCapacity(n int) ClientOption {
	return func(c *ClientConfig) { c.TurnQueueCapacity = n }
}

// WithStartTimeout bounds spawning plus the initialize handshake.
func WithStartTimeout(d time.Duration) ClientOption {
	return func(c *ClientConfig) { c.StartTimeout = d }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *ClientConfig) { c.Logger = l }
}

// WithClock replaces the wall clock (tests use clock.NewMock).
func WithClock(clk clock.Clock) ClientOption {
	return func(c *ClientConfig) { c.Clock = clk }
}

// WithMetrics registers the client's collectors with reg.
func WithMetrics(reg prometheus.Registerer) ClientOption {
	return func(c *ClientConfig) { c.Registerer = reg }
}

// WithClientInfo sets the name and version sent in initialize.
func WithClientInfo(info ClientInfo) ClientOption {
	return func(c *ClientConfig) { c.ClientInfo = info }
}

// WithApprovalHandler answers the server's approval requests.
func WithApprovalHandler(h ApprovalHandler) ClientOption {
	return func(c *ClientConfig) { c.ApprovalHandler = h }
}

// factory returns the transport factory for this configuration.
func (c *ClientConfig) factory(logger *slog.Logger) transport.Factory {
	if c.Factory != nil {
		return c.Factory
	}
	handler := approvalRequestHandler(c.ApprovalHandler)
	if c.WebSocketURL != "" {
		return transport.WebSocketFactory(transport.WebSocketConfig{
			URL:            c.WebSocketURL,
			RequestHandler: handler,
			Logger:         logger,
		})
	}
	stdio := c.Stdio
	stdio.RequestHandler = handler
	if stdio.Logger == nil {
		stdio.Logger = logger
	}
	return transport.StdioFactory(stdio)
}

// nopHandler is a slog.Handler that discards all output.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (h nopHandler) WithAttrs([]slog.Attr) slog.Handler      { return h }
func (h nopHandler) WithGroup(string) slog.Handler           { return h }

var nopLogger = slog.New(nopHandler{})
