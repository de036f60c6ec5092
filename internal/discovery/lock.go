package discovery

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"

	"github.com/ehrlich-b/vitrine/internal/config"
)

// StartupLock is the cross-process advisory lock gating the server startup
// race. It is held only across discovery plus the PID-file write, never for
// the server's lifetime.
type StartupLock struct {
	fl *flock.Flock
}

// AcquireStartupLock takes the exclusive non-blocking lock on
// <dir>/.server.lock. acquired=false means another starter owns the race and
// the caller should exit without binding a port.
func AcquireStartupLock(dataDir string) (lock *StartupLock, acquired bool, err error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, false, fmt.Errorf("create vitrine dir: %w", err)
	}
	fl := flock.New(config.LockFilePath(dataDir))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquire startup lock: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &StartupLock{fl: fl}, true, nil
}

// Release drops the lock.
func (l *StartupLock) Release() {
	if l != nil && l.fl != nil {
		l.fl.Unlock()
	}
}
