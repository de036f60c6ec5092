package discovery

import (
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/ehrlich-b/vitrine/internal/logger"
)

const (
	spawnPollInterval = 100 * time.Millisecond
	spawnPollTimeout  = 5 * time.Second
)

// Discover reads and validates the PID file. A stale file is deleted so the
// next starter does not trip over it.
func Discover(dataDir string) (*Record, error) {
	r, err := ReadRecord(dataDir)
	if err != nil {
		return nil, fmt.Errorf("no server record: %w", err)
	}
	if !Validate(r) {
		logger.Debug("stale pid file removed", "pid", r.PID, "port", r.Port)
		RemoveStaleRecord(dataDir)
		return nil, fmt.Errorf("stale server record")
	}
	return r, nil
}

// DiscoverOrSpawn discovers a running server or spawns a detached starter and
// polls for its PID file. spawn runs at most once.
func DiscoverOrSpawn(dataDir string, spawn func() error) (*Record, error) {
	if r, err := Discover(dataDir); err == nil {
		return r, nil
	}
	if spawn == nil {
		return nil, fmt.Errorf("no server and no starter")
	}
	if err := spawn(); err != nil {
		return nil, fmt.Errorf("spawn server: %w", err)
	}
	deadline := time.Now().Add(spawnPollTimeout)
	for time.Now().Before(deadline) {
		if r, err := ReadRecord(dataDir); err == nil && Validate(r) {
			return r, nil
		}
		time.Sleep(spawnPollInterval)
	}
	return nil, fmt.Errorf("server did not come up within %s", spawnPollTimeout)
}

// SpawnDetachedStarter launches this binary as a background server starter,
// fully detached from the caller.
func SpawnDetachedStarter(extraArgs ...string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate binary: %w", err)
	}
	args := append([]string{"start", "--foreground", "--no-open"}, extraArgs...)
	cmd := exec.Command(exe, args...)
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	detachProcess(cmd)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start server process: %w", err)
	}
	// The child outlives us; reap it in the background if it exits first.
	go cmd.Wait()
	return nil
}
