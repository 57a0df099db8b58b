//go:build linux

// Package procattr configures spawned agent processes so they live in their
// own process group and can be torn down as a unit.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts cmd in a fresh process group and asks the kernel to deliver
// SIGTERM to it if this process dies first, so a crashed client never leaves
// an orphaned app-server behind.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
