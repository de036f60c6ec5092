package discovery

import (
	"fmt"
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/ehrlich-b/vitrine/internal/logger"
)

// ReclaimOrphans scans the reserved port range for vitrine servers that
// answer health probes but have no valid PID file, and terminates them. A
// crashed server that left its PID file behind would otherwise squat on a low
// port forever while staying undiscoverable.
func ReclaimOrphans(dataDir string, portMin, portMax int) {
	if runtime.GOOS == "windows" {
		return
	}

	var validPort int
	if r, err := ReadRecord(dataDir); err == nil && Validate(r) {
		validPort = r.Port
	}

	for port := portMin; port <= portMax; port++ {
		if port == validPort {
			continue
		}
		if _, ok := Health(port, ""); !ok {
			continue
		}
		pid, err := listenerPID(port)
		if err != nil {
			logger.Warn("orphan server detected but owner unresolved", "port", port, "error", err)
			continue
		}
		logger.Info("terminating orphan server", "port", port, "pid", pid)
		if err := Terminate(pid); err != nil {
			logger.Warn("terminate orphan failed", "pid", pid, "error", err)
			continue
		}
		waitPortFree(port, 2*time.Second)
	}
}

// listenerPID resolves the pid listening on a loopback TCP port via lsof.
func listenerPID(port int) (int, error) {
	out, err := exec.Command("lsof", "-t", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN").Output()
	if err != nil {
		return 0, fmt.Errorf("lsof: %w", err)
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, fmt.Errorf("lsof output %q: %w", line, err)
	}
	return pid, nil
}

// waitPortFree polls until the port accepts a fresh bind or the deadline
// passes.
func waitPortFree(port int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
		if err == nil {
			ln.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// BindFirstFree binds the first free port in [portMin, portMax] and returns
// the live listener so the port cannot be raced away before serving starts.
func BindFirstFree(host string, portMin, portMax int) (net.Listener, int, error) {
	for port := portMin; port <= portMax; port++ {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, fmt.Errorf("no free port in %d-%d", portMin, portMax)
}
