package exec

import (
	"context"
	"errors"
	"io"
	"os"
	osexec "os/exec"
	"sync"

	"github.com/bazelment/yoloswe/codexsdk/internal/ndjson"
	"github.com/bazelment/yoloswe/codexsdk/internal/procattr"
	"github.com/bazelment/yoloswe/codexsdk/internal/redact"
	"github.com/bazelment/yoloswe/codexsdk/transport"
)

const stderrTailSize = 8 << 10

// processManager owns the codex exec subprocess.
type processManager struct {
	cmd        *osexec.Cmd
	stdout     *ndjson.Reader
	stderr     io.ReadCloser
	tail       *redact.TailBuffer
	exited     chan struct{}
	prompt     string
	schemaPath string
	config     Config
	waitOnce   sync.Once
}

func newProcessManager(prompt, schemaPath string, config Config) *processManager {
	return &processManager{
		prompt:     prompt,
		schemaPath: schemaPath,
		config:     config,
		tail:       redact.NewTailBuffer(stderrTailSize),
		exited:     make(chan struct{}),
	}
}

// BuildCLIArgs returns the argument list for `codex exec`. schemaPath is the
// file holding the output schema, if any.
func BuildCLIArgs(prompt, schemaPath string, config Config) []string {
	args := []string{"exec", "--json"}

	if config.Model != "" {
		args = append(args, "--model", config.Model)
	}
	if config.Sandbox != "" {
		args = append(args, "--sandbox", config.Sandbox)
	}
	if config.FullAuto {
		args = append(args, "--full-auto")
	}
	if config.SkipGitRepoCheck {
		args = append(args, "--skip-git-repo-check")
	}
	if schemaPath != "" {
		args = append(args, "--output-schema", schemaPath)
	}
	if config.WorkDir != "" {
		args = append(args, "-C", config.WorkDir)
	}
	args = append(args, config.ExtraArgs...)
	if config.ResumeID != "" {
		args = append(args, "resume", config.ResumeID)
	}

	return append(args, prompt)
}

// Start spawns the CLI. The process is not bound to ctx.
func (pm *processManager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := osexec.Command(pm.config.CLIPath, BuildCLIArgs(pm.prompt, pm.schemaPath, pm.config)...)
	procattr.Set(cmd)
	if len(pm.config.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range pm.config.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ProcessError{Message: "failed to get stdout pipe", Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &ProcessError{Message: "failed to get stderr pipe", Cause: err}
	}

	if err := cmd.Start(); err != nil {
		if errors.Is(err, osexec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return &transport.CLINotFoundError{Path: pm.config.CLIPath, Cause: err}
		}
		return &ProcessError{Message: "failed to start codex exec", Cause: err}
	}

	pm.cmd = cmd
	pm.stdout = ndjson.NewReader(stdout)
	pm.stderr = stderr
	return nil
}

// ReadLine reads the next JSONL line from stdout.
func (pm *processManager) ReadLine() ([]byte, error) {
	return pm.stdout.ReadLine()
}

// PumpStderr copies stderr into the redacted tail until it closes.
func (pm *processManager) PumpStderr(tee func([]byte)) {
	buf := make([]byte, 4096)
	for {
		n, err := pm.stderr.Read(buf)
		if n > 0 {
			_, _ = pm.tail.Write(buf[:n])
			if tee != nil {
				tee(append([]byte(nil), buf[:n]...))
			}
		}
		if err != nil {
			return
		}
	}
}

// StderrTail returns the redacted end of stderr.
func (pm *processManager) StderrTail() string {
	return pm.tail.String()
}

// Wait reaps the process. Stdout must have been drained first.
func (pm *processManager) Wait() int {
	pm.waitOnce.Do(func() {
		_ = pm.cmd.Wait()
		close(pm.exited)
	})
	return pm.cmd.ProcessState.ExitCode()
}

// Exited is closed once the process has been reaped.
func (pm *processManager) Exited() <-chan struct{} {
	return pm.exited
}

// Stop signals the process group until it exits. Closing the group's pipes
// is what lets a blocked reader see EOF and reap the process.
func (pm *processManager) Stop() {
	if pm.cmd == nil || pm.cmd.Process == nil {
		return
	}
	procattr.Escalate(pm.cmd.Process, pm.exited, 0, procattr.Terminate)
}

// PID returns the process id, or 0 before Start.
func (pm *processManager) PID() int {
	if pm.cmd == nil || pm.cmd.Process == nil {
		return 0
	}
	return pm.cmd.Process.Pid
}
