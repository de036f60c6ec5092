//go:build windows

package dispatch

import (
	"os"
	"os/exec"
)

func newProcessGroup(cmd *exec.Cmd) {}

func terminateGroup(pid int) error {
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
