package ctrlstate

import (
	"path/filepath"
	"testing"
)

func TestDisableClearsTarget(t *testing.T) {
	s := Load("")
	if err := s.SetTarget("tab-1"); err != nil {
		t.Fatal(err)
	}
	s.SetControlEnabled(false)
	snap := s.Get()
	if snap.ControlEnabled || snap.TargetTabID != "" {
		t.Fatalf("disable did not clear target: %+v", snap)
	}
	if err := s.SetTarget("tab-2"); err != ErrControlDisabled {
		t.Fatalf("got %v, want ErrControlDisabled", err)
	}
}

func TestDropTargetIf(t *testing.T) {
	s := Load("")
	_ = s.SetTarget("tab-1")
	s.DropTargetIf("tab-9")
	if s.Get().TargetTabID != "tab-1" {
		t.Fatal("unrelated tab cleared the target")
	}
	s.DropTargetIf("tab-1")
	if s.Get().TargetTabID != "" {
		t.Fatal("destroyed tab did not clear the target")
	}
}

func TestControlFlagPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "control.json")
	s := Load(path)
	s.SetControlEnabled(false)

	again := Load(path)
	snap := again.Get()
	if snap.ControlEnabled {
		t.Fatal("control flag not restored")
	}
	if snap.TransportConnected || snap.TargetTabID != "" {
		t.Fatalf("transport/target should start cleared: %+v", snap)
	}
}

func TestLoadDefaultsToEnabled(t *testing.T) {
	s := Load(filepath.Join(t.TempDir(), "missing.json"))
	if !s.Get().ControlEnabled {
		t.Fatal("default should be enabled")
	}
}
