//go:build !linux

// Package procattr configures spawned agent processes so they live in their
// own process group and can be torn down as a unit.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts cmd in a fresh process group. Parent-death signals are Linux-only,
// so elsewhere cleanup relies on Escalate reaching the whole group.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
