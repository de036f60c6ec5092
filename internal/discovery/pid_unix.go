//go:build !windows

package discovery

import (
	"errors"

	"golang.org/x/sys/unix"
)

// PIDAlive reports whether a process exists, via the null signal.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	// EPERM means the process exists but belongs to someone else.
	return errors.Is(err, unix.EPERM)
}

// Terminate sends SIGTERM.
func Terminate(pid int) error {
	return unix.Kill(pid, unix.SIGTERM)
}
