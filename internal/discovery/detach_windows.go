//go:build windows

package discovery

import "os/exec"

func detachProcess(cmd *exec.Cmd) {}
