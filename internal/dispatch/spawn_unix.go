//go:build !windows

package dispatch

import (
	"os/exec"
	"syscall"
)

// newProcessGroup puts the child in its own process group so terminating the
// dispatch kills the whole tree without touching the server.
func newProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends SIGTERM to the child's process group.
func terminateGroup(pid int) error {
	return syscall.Kill(-pid, syscall.SIGTERM)
}
