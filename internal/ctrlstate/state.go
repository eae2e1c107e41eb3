// Package ctrlstate owns the process-wide control state of the agent:
// whether the bridge transport is up, whether browser control is
// enabled, and which tab is currently targeted. All transitions are
// centralized here so the clearing invariants cannot be bypassed.
package ctrlstate

import (
	"encoding/json"
	"errors"
	"os"
	"sync"

	"github.com/tabwire/tabwire/internal/logx"
)

// ErrControlDisabled is returned when a transition requires control to
// be enabled.
var ErrControlDisabled = errors.New("browser control is disabled")

// Snapshot is a point-in-time copy of the control state.
type Snapshot struct {
	TransportConnected bool   `json:"transport_connected"`
	ControlEnabled     bool   `json:"control_enabled"`
	TargetTabID        string `json:"target_tab_id,omitempty"`
}

type persisted struct {
	ControlEnabled bool `json:"control_enabled"`
}

// State holds the live control state. Only ControlEnabled survives a
// restart; transport and target state always start cleared.
type State struct {
	mu   sync.Mutex
	snap Snapshot
	path string
}

// Load restores the persisted control flag from path. A missing or
// unreadable file yields the default: control enabled. Pass an empty
// path to disable persistence.
func Load(path string) *State {
	s := &State{path: path, snap: Snapshot{ControlEnabled: true}}
	if path == "" {
		return s
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return s
	}
	var p persisted
	if err := json.Unmarshal(b, &p); err != nil {
		logx.Log.Warn().Err(err).Str("path", path).Msg("control state file unreadable; using defaults")
		return s
	}
	s.snap.ControlEnabled = p.ControlEnabled
	return s
}

// Get returns a copy of the current state.
func (s *State) Get() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// SetTransportConnected records bridge connectivity.
func (s *State) SetTransportConnected(up bool) {
	s.mu.Lock()
	s.snap.TransportConnected = up
	s.mu.Unlock()
}

// SetControlEnabled flips the control gate. Disabling control clears
// the targeted tab.
func (s *State) SetControlEnabled(enabled bool) {
	s.mu.Lock()
	s.snap.ControlEnabled = enabled
	if !enabled {
		s.snap.TargetTabID = ""
	}
	s.mu.Unlock()
	s.persist()
}

// SetTarget targets a tab. At most one tab is targeted at a time; the
// call fails while control is disabled.
func (s *State) SetTarget(tabID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.snap.ControlEnabled {
		return ErrControlDisabled
	}
	s.snap.TargetTabID = tabID
	return nil
}

// ClearTarget drops the targeted tab, if any.
func (s *State) ClearTarget() {
	s.mu.Lock()
	s.snap.TargetTabID = ""
	s.mu.Unlock()
}

// DropTargetIf clears the target only if it still points at tabID.
// Used when the browser destroys a tab out-of-band.
func (s *State) DropTargetIf(tabID string) {
	s.mu.Lock()
	if s.snap.TargetTabID == tabID {
		s.snap.TargetTabID = ""
	}
	s.mu.Unlock()
}

func (s *State) persist() {
	if s.path == "" {
		return
	}
	s.mu.Lock()
	p := persisted{ControlEnabled: s.snap.ControlEnabled}
	s.mu.Unlock()
	b, _ := json.Marshal(p)
	if err := os.WriteFile(s.path, b, 0o644); err != nil {
		logx.Log.Warn().Err(err).Str("path", s.path).Msg("persist control state")
	}
}
