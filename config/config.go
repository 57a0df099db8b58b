// Package config loads codexctl settings from YAML and turns them into
// client and exec options.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bazelment/yoloswe/codexsdk/appserver"
	"github.com/bazelment/yoloswe/codexsdk/exec"
	"github.com/bazelment/yoloswe/codexsdk/transport"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = ".codexctl.yaml"

// Config is the on-disk configuration.
type Config struct {
	Env                                 map[string]string `yaml:"env"`
	CodexPath                           string            `yaml:"codex_path"`
	WorkDir                             string            `yaml:"work_dir"`
	ListenURL                           string            `yaml:"listen_url"`
	Args                                []string          `yaml:"args"`
	RetryMethods                        []string          `yaml:"retry_methods"`
	Exec                                ExecConfig        `yaml:"exec"`
	Restart                             RestartConfig     `yaml:"restart"`
	QueueCapacity                       int               `yaml:"queue_capacity"`
	TurnQueueCapacity                   int               `yaml:"turn_queue_capacity"`
	AutoRestart                         bool              `yaml:"auto_restart"`
	NotificationsContinueAcrossRestarts bool              `yaml:"notifications_continue_across_restarts"`
	RestartMarkers                      bool              `yaml:"restart_markers"`
}

// RestartConfig mirrors appserver.RestartPolicy.
type RestartConfig struct {
	MaxRestarts    int           `yaml:"max_restarts"`
	Window         time.Duration `yaml:"window"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Jitter         float64       `yaml:"jitter"`
}

// ExecConfig holds settings for `codex exec` runs.
type ExecConfig struct {
	Sandbox          string        `yaml:"sandbox"`
	Model            string        `yaml:"model"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	ExitTimeout      time.Duration `yaml:"exit_timeout"`
	FullAuto         bool          `yaml:"full_auto"`
	SkipGitRepoCheck bool          `yaml:"skip_git_repo_check"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	p := appserver.DefaultRestartPolicy()
	return &Config{
		CodexPath:   "codex",
		Args:        []string{"app-server"},
		AutoRestart: true,
		Restart: RestartConfig{
			MaxRestarts:    p.MaxRestarts,
			Window:         p.Window,
			InitialBackoff: p.InitialBackoff,
			MaxBackoff:     p.MaxBackoff,
			Jitter:         p.JitterFraction,
		},
		QueueCapacity:     1024,
		TurnQueueCapacity: 256,
		Exec: ExecConfig{
			ExitTimeout: 10 * time.Second,
		},
	}
}

// Load reads the YAML file at path over the defaults. A missing file is not
// an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}

	config := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return config, nil
}

// Validate rejects settings the client would misbehave with.
func (c *Config) Validate() error {
	var errs []error
	if c.Restart.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("restart.max_restarts must not be negative, got %d", c.Restart.MaxRestarts))
	}
	if c.Restart.Jitter < 0 || c.Restart.Jitter > 1 {
		errs = append(errs, fmt.Errorf("restart.jitter must be within [0, 1], got %g", c.Restart.Jitter))
	}
	if c.Restart.MaxBackoff > 0 && c.Restart.MaxBackoff < c.Restart.InitialBackoff {
		errs = append(errs, fmt.Errorf("restart.max_backoff %s is below initial_backoff %s", c.Restart.MaxBackoff, c.Restart.InitialBackoff))
	}
	if c.QueueCapacity < 0 || c.TurnQueueCapacity < 0 {
		errs = append(errs, errors.New("queue capacities must not be negative"))
	}
	return errors.Join(errs...)
}

// RestartPolicy converts the restart section.
func (c *Config) RestartPolicy() appserver.RestartPolicy {
	return appserver.RestartPolicy{
		MaxRestarts:    c.Restart.MaxRestarts,
		Window:         c.Restart.Window,
		InitialBackoff: c.Restart.InitialBackoff,
		MaxBackoff:     c.Restart.MaxBackoff,
		JitterFraction: c.Restart.Jitter,
	}
}

// ClientOptions returns the options for appserver.NewClient.
func (c *Config) ClientOptions() []appserver.ClientOption {
	opts := []appserver.ClientOption{
		appserver.WithStdio(transportStdio(c)),
		appserver.WithAutoRestart(c.AutoRestart),
		appserver.WithRestartPolicy(c.RestartPolicy()),
		appserver.WithNotificationsContinueAcrossRestarts(c.NotificationsContinueAcrossRestarts),
		appserver.WithRestartMarkers(c.RestartMarkers),
	}
	if c.ListenURL != "" {
		opts = append(opts, appserver.WithWebSocketURL(c.ListenURL))
	}
	if len(c.RetryMethods) > 0 {
		opts = append(opts, appserver.WithRetryPolicy(appserver.RetryMethods(c.RetryMethods...)))
	}
	if c.QueueCapacity > 0 {
		opts = append(opts, appserver.WithQueueCapacity(c.QueueCapacity))
	}
	if c.TurnQueueCapacity > 0 {
		opts = append(opts, appserver.WithTurnQueueCapacity(c.TurnQueueCapacity))
	}
	return opts
}

func transportStdio(c *Config) transport.StdioConfig {
	return transport.StdioConfig{
		Path:    c.CodexPath,
		Args:    c.Args,
		Env:     c.Env,
		WorkDir: c.WorkDir,
	}
}

// ExecOptions returns the options for exec.NewSession.
func (c *Config) ExecOptions() []exec.Option {
	opts := []exec.Option{
		exec.WithCLIPath(c.CodexPath),
		exec.WithIdleTimeout(c.Exec.IdleTimeout),
		exec.WithExitTimeout(c.Exec.ExitTimeout),
	}
	if c.Exec.Model != "" {
		opts = append(opts, exec.WithModel(c.Exec.Model))
	}
	if c.Exec.Sandbox != "" {
		opts = append(opts, exec.WithSandbox(c.Exec.Sandbox))
	}
	if c.WorkDir != "" {
		opts = append(opts, exec.WithWorkDir(c.WorkDir))
	}
	if len(c.Env) > 0 {
		opts = append(opts, exec.WithEnv(c.Env))
	}
	if c.Exec.FullAuto {
		opts = append(opts, exec.WithFullAuto())
	}
	if c.Exec.SkipGitRepoCheck {
		opts = append(opts, exec.WithSkipGitRepoCheck())
	}
	return opts
}
