package discovery

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const healthTimeout = 2 * time.Second

// HealthStatus is the /api/health response body.
type HealthStatus struct {
	Status     string  `json:"status"`
	SessionID  string  `json:"session_id"`
	Uptime     float64 `json:"uptime"`
	StudyCount int     `json:"study_count"`
}

// Health probes a port for a healthy vitrine server. When wantSessionID is
// non-empty the probed server must also report that session id, which guards
// against connecting to a different project's server on the same port.
func Health(port int, wantSessionID string) (*HealthStatus, bool) {
	client := &http.Client{Timeout: healthTimeout}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/api/health", port))
	if err != nil {
		return nil, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false
	}
	var hs HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&hs); err != nil {
		return nil, false
	}
	if hs.Status != "ok" {
		return nil, false
	}
	if wantSessionID != "" && hs.SessionID != wantSessionID {
		return nil, false
	}
	return &hs, true
}

// Validate checks that a PID record points at a live, matching server.
func Validate(r *Record) bool {
	if r == nil || !PIDAlive(r.PID) {
		return false
	}
	_, ok := Health(r.Port, r.SessionID)
	return ok
}
