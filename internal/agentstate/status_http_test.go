package agentstate

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/tabwire/tabwire/internal/ctrlstate"
)

func TestStatusServer(t *testing.T) {
	SetAgentInfo("agent-1", "desk")
	SetVersionInfo("1.2.3", "abc123", "2026-01-01")
	ctrl := ctrlstate.Load("")
	if err := ctrl.SetTarget("tab-9"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, err := StartStatusServer(ctx, "127.0.0.1:0", ctrl)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Get("http://" + addr + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	var body struct {
		Status
		Host hostReport `json:"host"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.AgentID != "agent-1" || !body.ControlEnabled || body.TargetTabID != "tab-9" {
		t.Fatalf("status = %+v", body.Status)
	}

	vresp, err := http.Get("http://" + addr + "/version")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = vresp.Body.Close() }()
	var vi VersionInfo
	if err := json.NewDecoder(vresp.Body).Decode(&vi); err != nil {
		t.Fatal(err)
	}
	if vi.Version != "1.2.3" {
		t.Fatalf("version = %+v", vi)
	}
}
