// Package discovery enforces the one-server-per-project rule: a cross-process
// startup lock, the PID-file handshake, health probing, and reclamation of
// orphaned servers on the reserved port range. The PID file is the sole
// authority for finding a server; port scanning is never used for discovery
// because adjacent projects run on adjacent ports.
package discovery

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ehrlich-b/vitrine/internal/config"
	"github.com/ehrlich-b/vitrine/internal/logger"
)

// Record is the singleton marker at <vitrine-dir>/.server.json.
type Record struct {
	PID       int    `json:"pid"`
	Port      int    `json:"port"`
	Host      string `json:"host"`
	URL       string `json:"url"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	StartedAt string `json:"started_at"`
}

// APIURL is the loopback address used for programmatic calls. The display
// URL in the record is for browsers only.
func (r *Record) APIURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", r.Port)
}

// ReadRecord parses the PID file. Missing or malformed files are errors.
func ReadRecord(dataDir string) (*Record, error) {
	data, err := os.ReadFile(config.PIDFilePath(dataDir))
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse pid file: %w", err)
	}
	if r.PID == 0 || r.Port == 0 {
		return nil, fmt.Errorf("pid file incomplete")
	}
	return &r, nil
}

// WriteRecord writes the PID file whole via temp-file + atomic rename.
func WriteRecord(dataDir string, r *Record) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pid record: %w", err)
	}
	tmp, err := os.CreateTemp(dataDir, ".server-*")
	if err != nil {
		return fmt.Errorf("temp pid file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close pid file: %w", err)
	}
	if err := os.Rename(tmpPath, config.PIDFilePath(dataDir)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace pid file: %w", err)
	}
	return nil
}

// RemoveRecordIfOwned deletes the PID file only when its recorded pid equals
// this process's pid, so a newer server is never orphaned by an old one's
// shutdown path.
func RemoveRecordIfOwned(dataDir string) {
	r, err := ReadRecord(dataDir)
	if err != nil {
		return
	}
	if r.PID != os.Getpid() {
		logger.Debug("pid file owned by another process, leaving it", "pid", r.PID)
		return
	}
	os.Remove(config.PIDFilePath(dataDir))
}

// RemoveStaleRecord deletes a PID file that failed validation.
func RemoveStaleRecord(dataDir string) {
	os.Remove(config.PIDFilePath(dataDir))
}
