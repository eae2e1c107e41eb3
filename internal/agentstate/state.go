// Package agentstate tracks the agent process's own identity and
// exposes it over a local status endpoint.
package agentstate

import (
	"sync"
	"time"
)

// VersionInfo identifies the running build.
type VersionInfo struct {
	Version   string `json:"version"`
	BuildSHA  string `json:"build_sha"`
	BuildDate string `json:"build_date"`
}

// Status is the agent's self-reported state.
type Status struct {
	AgentID            string    `json:"agent_id"`
	AgentName          string    `json:"agent_name,omitempty"`
	StartedAt          time.Time `json:"started_at"`
	TransportConnected bool      `json:"transport_connected"`
	BrowserConnected   bool      `json:"browser_connected"`
	ControlEnabled     bool      `json:"control_enabled"`
	TargetTabID        string    `json:"target_tab_id,omitempty"`
	LastError          string    `json:"last_error,omitempty"`
}

var (
	mu      sync.Mutex
	status  Status
	version VersionInfo
)

// SetAgentInfo records the agent's identity at startup.
func SetAgentInfo(id, name string) {
	mu.Lock()
	status.AgentID = id
	status.AgentName = name
	status.StartedAt = time.Now().UTC()
	mu.Unlock()
}

// SetVersionInfo records build metadata.
func SetVersionInfo(v, sha, date string) {
	mu.Lock()
	version = VersionInfo{Version: v, BuildSHA: sha, BuildDate: date}
	mu.Unlock()
}

// GetVersionInfo returns build metadata.
func GetVersionInfo() VersionInfo {
	mu.Lock()
	defer mu.Unlock()
	return version
}

// SetBrowserConnected records DevTools connectivity.
func SetBrowserConnected(up bool) {
	mu.Lock()
	status.BrowserConnected = up
	mu.Unlock()
}

// SetLastError records the most recent connection failure; pass "" to
// clear it.
func SetLastError(msg string) {
	mu.Lock()
	status.LastError = msg
	mu.Unlock()
}

// Update folds in the live control state before a read.
func Update(transportConnected, controlEnabled bool, targetTabID string) {
	mu.Lock()
	status.TransportConnected = transportConnected
	status.ControlEnabled = controlEnabled
	status.TargetTabID = targetTabID
	mu.Unlock()
}

// GetStatus returns a copy of the current status.
func GetStatus() Status {
	mu.Lock()
	defer mu.Unlock()
	return status
}
