package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/bazelment/yoloswe/codexsdk/internal/ndjson"
	"github.com/bazelment/yoloswe/codexsdk/internal/procattr"
	"github.com/bazelment/yoloswe/codexsdk/internal/redact"
)

const (
	defaultBinary = "codex"
	// stdinGrace is how long the app-server gets to exit on its own after
	// stdin closes.
	stdinGrace     = 500 * time.Millisecond
	stderrDrain    = time.Second
	exitAfterEOF   = 2 * time.Second
	exitAfterKill  = time.Second
	unknownExit    = -1
	stderrReadSize = 4096
)

// StdioConfig describes how to spawn `codex app-server`.
type StdioConfig struct {
	RequestHandler RequestHandler
	Logger         *slog.Logger
	Env            map[string]string
	// StderrHandler, when set, receives raw stderr chunks as they arrive.
	StderrHandler      func([]byte)
	Path               string
	WorkDir            string
	Args               []string
	StderrTail         int
	NotificationBuffer int
}

func (c StdioConfig) binary() string {
	if c.Path == "" {
		return defaultBinary
	}
	return c.Path
}

func (c StdioConfig) args() []string {
	if len(c.Args) == 0 {
		return []string{"app-server"}
	}
	return c.Args
}

// Stdio is a Transport over a child process's stdin/stdout.
type Stdio struct {
	*rpcConn
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	writer *ndjson.Writer
	reader *ndjson.Reader
	stderr *redact.TailBuffer
	// stderrDone closes once stderr reaches EOF.
	stderrDone chan struct{}
	// exited closes once cmd.Wait has returned.
	exited   chan struct{}
	waitOnce sync.Once
}

var _ Transport = (*Stdio)(nil)

// StdioFactory returns a Factory spawning a new app-server per epoch.
func StdioFactory(cfg StdioConfig) Factory {
	return func(ctx context.Context) (Transport, error) {
		return StartStdio(ctx, cfg)
	}
}

// StartStdio spawns the app-server and starts reading from it. The process
// is not bound to ctx: it lives until Close or until it exits on its own.
func StartStdio(ctx context.Context, cfg StdioConfig) (*Stdio, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := cfg.binary()
	cmd := exec.Command(path, cfg.args()...)
	procattr.Set(cmd)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	if len(cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &StartError{Message: "failed to get stdin pipe", Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &StartError{Message: "failed to get stdout pipe", Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &StartError{Message: "failed to get stderr pipe", Cause: err}
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, &CLINotFoundError{Path: path, Cause: err}
		}
		return nil, &StartError{Message: "failed to start app-server", Cause: err}
	}

	s := &Stdio{
		cmd:        cmd,
		stdin:      stdin,
		writer:     ndjson.NewWriter(stdin),
		reader:     ndjson.NewReader(stdout),
		stderr:     redact.NewTailBuffer(cfg.StderrTail),
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s.rpcConn = newRPCConn(s, connConfig{
		handler:            cfg.RequestHandler,
		logger:             logger.With("pid", cmd.Process.Pid),
		notificationBuffer: cfg.NotificationBuffer,
	})
	s.pid = cmd.Process.Pid
	s.shutdown = s.stop

	go s.pumpStderr(stderr, cfg.StderrHandler)
	go s.serve(s.finish)

	s.logger.Debug("app-server started", "path", path)
	return s, nil
}

// ReadMessage implements wire.
func (s *Stdio) ReadMessage() ([]byte, error) {
	return s.reader.ReadLine()
}

// WriteMessage implements wire.
func (s *Stdio) WriteMessage(data []byte) error {
	return s.writer.WriteRaw(data)
}

// StderrTail returns the redacted tail of the process's stderr so far.
func (s *Stdio) StderrTail() string {
	return s.stderr.String()
}

func (s *Stdio) pumpStderr(r io.Reader, tee func([]byte)) {
	defer close(s.stderrDone)
	buf := make([]byte, stderrReadSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			_, _ = s.stderr.Write(buf[:n])
			if tee != nil {
				tee(append([]byte(nil), buf[:n]...))
			}
		}
		if err != nil {
			return
		}
	}
}

// wait reaps the process exactly once. Reads from the pipes must be
// finished (or abandoned) before this is called.
func (s *Stdio) wait() {
	s.waitOnce.Do(func() {
		go func() {
			_ = s.cmd.Wait()
			close(s.exited)
		}()
	})
}

// finish runs after stdout ends. It gives the process a chance to exit so
// the exit code and stderr tail are available to whoever sees the failure.
func (s *Stdio) finish(readErr error) *ExitError {
	s.waitDuration(s.stderrDone, stderrDrain)
	s.wait()
	if !s.waitDuration(s.exited, exitAfterEOF) {
		// stdout closed but the process lingers; it is useless to us now.
		_ = procattr.KillGroup(s.cmd.Process)
		s.waitDuration(s.exited, exitAfterKill)
	}

	code := unknownExit
	select {
	case <-s.exited:
		if st := s.cmd.ProcessState; st != nil {
			code = st.ExitCode()
		}
	default:
	}
	cause := readErr
	if errors.Is(cause, io.EOF) {
		cause = io.ErrUnexpectedEOF
	}
	return &ExitError{
		PID:      s.pid,
		ExitCode: code,
		Stderr:   s.stderr.String(),
		Cause:    cause,
	}
}

// stop closes stdin and escalates signals until the process exits.
func (s *Stdio) stop() error {
	err := s.stdin.Close()
	s.wait()
	procattr.Escalate(s.cmd.Process, s.exited, stdinGrace, procattr.Interrupt)
	if errors.Is(err, os.ErrClosed) {
		err = nil
	}
	return err
}

func (s *Stdio) waitDuration(ch <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	}
}
