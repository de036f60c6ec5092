//go:build !windows

package discovery

import (
	"os/exec"
	"syscall"
)

// detachProcess puts the child in its own session so it survives the caller
// and never receives the caller's terminal signals.
func detachProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
