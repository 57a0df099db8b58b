package exec

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	defaultCLIPath         = "codex"
	defaultEventBufferSize = 100
	defaultExitTimeout     = 10 * time.Second
)

// Config holds session configuration for `codex exec`.
type Config struct {
	StderrHandler func([]byte)
	Logger        *slog.Logger
	Clock         clock.Clock
	Env           map[string]string
	// OutputSchema is written to a temp file and passed as --output-schema.
	OutputSchema    json.RawMessage
	CLIPath         string // default: "codex"
	Model           string
	Sandbox         string // read-only, workspace-write, danger-full-access
	WorkDir         string // passed as -C
	ResumeID        string // resume an earlier thread
	ExtraArgs       []string
	EventBufferSize int
	// IdleTimeout stops the session when no output arrives for this long.
	// Zero disables it.
	IdleTimeout time.Duration
	// ExitTimeout bounds how long the process may linger after the turn
	// has ended.
	ExitTimeout      time.Duration
	FullAuto         bool
	SkipGitRepoCheck bool
}

// Option is a functional option for configuring a Session.
type Option func(*Config)

// WithCLIPath sets a custom CLI binary path (default: "codex").
func WithCLIPath(path string) Option {
	return func(c *Config) {
		c.CLIPath = path
	}
}

// WithModel sets the model to use.
func WithModel(model string) Option {
	return func(c *Config) {
		c.Model = model
	}
}

// WithSandbox sets the sandbox mode.
func WithSandbox(mode string) Option {
	return func(c *Config) {
		c.Sandbox = mode
	}
}

// WithWorkDir sets the working directory the agent operates in.
func WithWorkDir(dir string) Option {
	return func(c *Config) {
		c.WorkDir = dir
	}
}

// WithResume continues the thread with the given id.
func WithResume(threadID string) Option {
	return func(c *Config) {
		c.ResumeID = threadID
	}
}

// WithOutputSchema constrains the final message to a JSON Schema.
func WithOutputSchema(schema json.RawMessage) Option {
	return func(c *Config) {
		c.OutputSchema = schema
	}
}

// WithFullAuto enables the --full-auto flag.
func WithFullAuto() Option {
	return func(c *Config) {
		c.FullAuto = true
	}
}

// WithSkipGitRepoCheck enables the --skip-git-repo-check flag.
func WithSkipGitRepoCheck() Option {
	return func(c *Config) {
		c.SkipGitRepoCheck = true
	}
}

// WithEnv sets additional environment variables for the CLI process.
func WithEnv(env map[string]string) Option {
	return func(c *Config) {
		c.Env = env
	}
}

// WithExtraArgs sets additional CLI arguments (escape hatch).
func WithExtraArgs(args ...string) Option {
	return func(c *Config) {
		c.ExtraArgs = args
	}
}

// WithEventBufferSize sets the event channel buffer size.
func WithEventBufferSize(size int) Option {
	return func(c *Config) {
		c.EventBufferSize = size
	}
}

// WithIdleTimeout stops the session after d without output.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.IdleTimeout = d
	}
}

// WithExitTimeout bounds how long the process may run after the turn ends.
func WithExitTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.ExitTimeout = d
	}
}

// WithStderrHandler sets a handler for CLI stderr output.
func WithStderrHandler(h func([]byte)) Option {
	return func(c *Config) {
		c.StderrHandler = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithClock replaces the clock driving the timeouts.
func WithClock(clk clock.Clock) Option {
	return func(c *Config) {
		c.Clock = clk
	}
}

func defaultConfig() Config {
	return Config{
		CLIPath:         defaultCLIPath,
		EventBufferSize: defaultEventBufferSize,
		ExitTimeout:     defaultExitTimeout,
	}
}
